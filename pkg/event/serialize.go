package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedEvent はメッセージ本文がイベントとして解釈できないことを表す。
	ErrMalformedEvent = errors.New("イベントの形式が不正です")
	// ErrUnknownKind はイベント種類が未知であることを表す。
	ErrUnknownKind = errors.New("未知のイベント種類です")
)

// envelope はキュー上のタスクイベントのJSON構造。
type envelope struct {
	// Event はイベントの種類。
	Event Kind `json:"event"`
	// TaskID は対象タスクのID。
	TaskID string `json:"taskId"`
	// UserID は変更を行ったユーザーのID。
	UserID string `json:"userId"`
	// Timestamp はイベントの発生日時（ISO8601）。
	Timestamp *time.Time `json:"timestamp,omitempty"`
	// Data は種類ごとのデータ。
	Data json.RawMessage `json:"data"`
}

// Encode はイベントをキューに載せるJSONにシリアライズする。
func Encode(ev *TaskEvent) ([]byte, error) {
	if ev.Payload == nil {
		return nil, fmt.Errorf("ペイロードが設定されていません: kind=%s", ev.Kind)
	}
	if kind := KindOf(ev.Payload); ev.Kind != kind {
		return nil, fmt.Errorf("イベント種類とペイロードが一致しません: kind=%s, payload=%s", ev.Kind, kind)
	}

	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	env := envelope{
		Event:  ev.Kind,
		TaskID: ev.TaskID,
		UserID: ev.ActorUserID,
		Data:   data,
	}
	if !ev.Timestamp.IsZero() {
		ts := ev.Timestamp.UTC()
		env.Timestamp = &ts
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("イベントのシリアライズに失敗: %w", err)
	}
	return body, nil
}

// Decode はキューのメッセージ本文をイベントにデシリアライズする。
// 本文が壊れている場合はErrMalformedEventを、種類が未知の場合はErrUnknownKindを包んで返す。
// ErrUnknownKindの場合もログ出力用にIDと種類を埋めたイベントを返す。
func Decode(body []byte) (*TaskEvent, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: eventフィールドがありません", ErrMalformedEvent)
	}

	ev := &TaskEvent{
		Kind:        env.Event,
		TaskID:      env.TaskID,
		ActorUserID: env.UserID,
	}
	if env.Timestamp != nil {
		ev.Timestamp = env.Timestamp.UTC()
	}
	if !ev.Kind.Valid() {
		return ev, fmt.Errorf("%w: %s", ErrUnknownKind, ev.Kind)
	}

	payload, err := decodePayload(env.Event, env.Data)
	if err != nil {
		return ev, err
	}
	ev.Payload = payload
	return ev, nil
}

// decodePayload はイベント種類に応じた具象型にデータをデシリアライズする。
func decodePayload(kind Kind, data json.RawMessage) (Payload, error) {
	switch kind {
	case KindCreated:
		return decodeData[TaskCreatedData](kind, data)
	case KindUpdated:
		return decodeData[TaskUpdatedData](kind, data)
	case KindAssigned:
		return decodeData[TaskAssignedData](kind, data)
	case KindCommented:
		return decodeData[TaskCommentedData](kind, data)
	case KindDeleted:
		return decodeData[TaskDeletedData](kind, data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

// decodeData はイベントのDataフィールドを指定された型にデシリアライズする。
func decodeData[T Payload](kind Kind, data json.RawMessage) (Payload, error) {
	var payload T
	if len(data) == 0 || string(data) == "null" {
		return nil, fmt.Errorf("%w: %sのdataがありません", ErrMalformedEvent, kind)
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %sのdataのデシリアライズに失敗: %v", ErrMalformedEvent, kind, err)
	}
	return payload, nil
}
