// Package event はタスクサービスと通知サービスの間でやり取りするイベントを定義する。
//
// タスクの変更を表すTaskEventは種類ごとに固有のペイロードを持つタグ付き共用体で、
// Payloadインターフェースを実装する構造体の集合として閉じている。
// 通知サービスはペイロードの具象型で分岐することで、
// 全種類の宛先計算をコンパイル時に網羅できる。
//
// Producerはタスクサービスが取り込んで使う送信側の部品で、
// このリポジトリの通知サービスとリアルタイムゲートウェイは受信側だけを使う。
package event

import (
	"time"
)

// Kind はタスクイベントの種類を表す。値はキューメッセージの "event" フィールドに載る。
type Kind string

const (
	// KindCreated はタスクが作成されたことを表す。
	KindCreated Kind = "task.created"
	// KindUpdated はタスクが更新されたことを表す。
	KindUpdated Kind = "task.updated"
	// KindAssigned はタスクの担当者が設定されたことを表す。
	KindAssigned Kind = "task.assigned"
	// KindCommented はタスクにコメントが追加されたことを表す。
	KindCommented Kind = "task.commented"
	// KindDeleted はタスクが削除されたことを表す。
	KindDeleted Kind = "task.deleted"
)

// Valid は既知のイベント種類かどうかを返す。
func (k Kind) Valid() bool {
	switch k {
	case KindCreated, KindUpdated, KindAssigned, KindCommented, KindDeleted:
		return true
	default:
		return false
	}
}

// TaskEvent はタスクの変更1回につき1つ発行されるイベント。
// 永続化されず、キュー上でのみ存在する。
type TaskEvent struct {
	// Kind はイベントの種類。
	Kind Kind
	// TaskID は変更されたタスクのID。
	TaskID string
	// ActorUserID は変更を行ったユーザーのID。通知の宛先から常に除外される。
	ActorUserID string
	// Timestamp はイベントの発生日時。
	Timestamp time.Time
	// Payload は種類ごとのデータ。未知の種類をデコードした場合はnil。
	Payload Payload
}

// Payload はイベント種類ごとのデータを表す閉じたインターフェース。
// このパッケージ内の構造体だけが実装できる。
type Payload interface {
	kind() Kind
}

// FieldChange は更新されたフィールドの変更前後の値。
type FieldChange struct {
	// Old は変更前の値。
	Old any `json:"old"`
	// New は変更後の値。
	New any `json:"new"`
}

// TaskCreatedData はtask.createdイベントのデータ。
type TaskCreatedData struct {
	// Title はタスクのタイトル。
	Title string `json:"title"`
	// Status はタスクの状態。
	Status string `json:"status"`
	// Priority はタスクの優先度。
	Priority string `json:"priority"`
	// CreatedByID はタスクの作成者のID。
	CreatedByID string `json:"createdById"`
	// AssignedToID はタスクの担当者のID。未設定の場合は空文字列。
	AssignedToID string `json:"assignedToId,omitempty"`
}

func (TaskCreatedData) kind() Kind { return KindCreated }

// TaskUpdatedData はtask.updatedイベントのデータ。
type TaskUpdatedData struct {
	// Title はタスクのタイトル。
	Title string `json:"title"`
	// Status はタスクの状態。
	Status string `json:"status"`
	// Priority はタスクの優先度。
	Priority string `json:"priority"`
	// CreatedByID はタスクの作成者のID。
	CreatedByID string `json:"createdById"`
	// AssignedToID はタスクの担当者のID。未設定の場合は空文字列。
	AssignedToID string `json:"assignedToId,omitempty"`
	// Changes はフィールド名をキーとした変更内容。
	Changes map[string]FieldChange `json:"changes,omitempty"`
}

func (TaskUpdatedData) kind() Kind { return KindUpdated }

// TaskAssignedData はtask.assignedイベントのデータ。
type TaskAssignedData struct {
	// Title はタスクのタイトル。
	Title string `json:"title"`
	// Status はタスクの状態。
	Status string `json:"status"`
	// Priority はタスクの優先度。
	Priority string `json:"priority"`
	// AssignedToID は新しい担当者のID。
	AssignedToID string `json:"assignedToId"`
	// CreatedByID はタスクの作成者のID。
	CreatedByID string `json:"createdById"`
}

func (TaskAssignedData) kind() Kind { return KindAssigned }

// TaskCommentedData はtask.commentedイベントのデータ。
type TaskCommentedData struct {
	// Title はタスクのタイトル。
	Title string `json:"title"`
	// CreatedByID はタスクの作成者のID。
	CreatedByID string `json:"createdById"`
	// AssignedToID はタスクの担当者のID。未設定の場合は空文字列。
	AssignedToID string `json:"assignedToId,omitempty"`
	// CommentID は追加されたコメントのID。
	CommentID string `json:"commentId"`
	// PreviousCommenterIDs はこれまでにコメントしたユーザーのID。
	PreviousCommenterIDs []string `json:"previousCommenterIds"`
}

func (TaskCommentedData) kind() Kind { return KindCommented }

// TaskDeletedData はtask.deletedイベントのデータ。
type TaskDeletedData struct {
	// Title はタスクのタイトル。
	Title string `json:"title"`
	// CreatedByID はタスクの作成者のID。
	CreatedByID string `json:"createdById"`
	// AssignedToID はタスクの担当者のID。未設定の場合は空文字列。
	AssignedToID string `json:"assignedToId,omitempty"`
}

func (TaskDeletedData) kind() Kind { return KindDeleted }

// KindOf はペイロードに対応するイベント種類を返す。
func KindOf(p Payload) Kind {
	return p.kind()
}
