package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// SystemUserID はキャッシュ無効化シグナルの宛先として使う番兵ユーザーID。
	SystemUserID = "system"
	// TypeTaskDeleted はタスク削除を知らせるキャッシュ無効化シグナルの種類。
	TypeTaskDeleted = "TASK_DELETED"
)

// RealtimePayload は通知サービスからリアルタイムゲートウェイへ送るメッセージ。
// 通知を平坦化したものか、タスク単位のキャッシュ無効化シグナルのどちらか。
type RealtimePayload struct {
	// ID は通知のID。キャッシュ無効化シグナルでは合成ID。
	ID string `json:"id"`
	// UserID は宛先ユーザーのID。キャッシュ無効化シグナルではSystemUserID。
	UserID string `json:"userId"`
	// Type は通知の種類、またはキャッシュ無効化の種類。
	Type string `json:"type"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// TaskID は関連するタスクのID。
	TaskID string `json:"taskId,omitempty"`
	// Metadata は種類ごとの付加情報（JSON）。
	Metadata json.RawMessage `json:"metadata,omitempty"`
	// Read は既読状態。
	Read bool `json:"read"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `json:"createdAt"`
}

// NewTaskChangedPayload はタスク単位のキャッシュ無効化シグナルを生成する。
func NewTaskChangedPayload(taskID, changeType string) RealtimePayload {
	return RealtimePayload{
		ID:        fmt.Sprintf("task-changed-%s", uuid.New().String()),
		UserID:    SystemUserID,
		Type:      changeType,
		TaskID:    taskID,
		CreatedAt: time.Now().UTC(),
	}
}

// IsTaskChanged はキャッシュ無効化シグナルかどうかを返す。
func (p RealtimePayload) IsTaskChanged() bool {
	return p.UserID == SystemUserID && p.Type == TypeTaskDeleted
}

// DecodeRealtime はリアルタイムキューのメッセージ本文をデシリアライズする。
func DecodeRealtime(body []byte) (*RealtimePayload, error) {
	var p RealtimePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if p.UserID == "" {
		return nil, fmt.Errorf("%w: userIdがありません", ErrMalformedEvent)
	}
	return &p, nil
}
