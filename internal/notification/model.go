package notification

import (
	"math"
	"time"

	"github.com/nao1215/tasknotify/pkg/event"
)

// Type は通知の種類を表す。
type Type string

const (
	// TypeTaskCreated はタスク作成時の担当者への通知。
	TypeTaskCreated Type = "TASK_CREATED"
	// TypeTaskUpdated はタスク更新時の通知。
	TypeTaskUpdated Type = "TASK_UPDATED"
	// TypeTaskAssigned は担当者設定時の通知。
	TypeTaskAssigned Type = "TASK_ASSIGNED"
	// TypeTaskCommented はコメント追加時の通知。
	TypeTaskCommented Type = "TASK_COMMENTED"
)

// Valid は既知の通知種類かどうかを返す。
func (t Type) Valid() bool {
	switch t {
	case TypeTaskCreated, TypeTaskUpdated, TypeTaskAssigned, TypeTaskCommented:
		return true
	default:
		return false
	}
}

// Metadata は通知の種類ごとの付加情報。JSONとして保存する。
type Metadata struct {
	// TaskTitle は通知時点のタスクのタイトル。
	TaskTitle string `json:"taskTitle"`
	// Status は通知時点のタスクの状態。
	Status string `json:"status,omitempty"`
	// Priority は通知時点のタスクの優先度。
	Priority string `json:"priority,omitempty"`
	// ActorID は変更を行ったユーザーのID。
	ActorID string `json:"actorId"`
	// CommentID は追加されたコメントのID。
	CommentID string `json:"commentId,omitempty"`
	// Changes は更新されたフィールドの変更内容。
	Changes map[string]event.FieldChange `json:"changes,omitempty"`
	// TaskDeleted はタスクが削除済みであることを表す。
	TaskDeleted bool `json:"taskDeleted,omitempty"`
}

// Notification はユーザー1人に宛てた通知。
type Notification struct {
	// ID は通知の一意識別子（UUID）。
	ID string `json:"id"`
	// UserID は通知先のユーザーID。変更を行ったユーザーと一致することはない。
	UserID string `json:"userId"`
	// Type は通知の種類。
	Type Type `json:"type"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// TaskID は関連するタスクのID。
	TaskID *string `json:"taskId"`
	// Metadata は種類ごとの付加情報。
	Metadata *Metadata `json:"metadata"`
	// Read は既読状態。
	Read bool `json:"read"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `json:"createdAt"`
}

const (
	defaultPage  = 1
	defaultLimit = 20
	// MaxLimit は1ページあたりの件数の上限。
	MaxLimit = 100
)

// ListOptions は通知一覧の絞り込みとページ指定。
type ListOptions struct {
	// Type が指定されていればその種類だけを返す。
	Type *Type
	// Read が指定されていればその既読状態だけを返す。
	Read *bool
	// Page は1始まりのページ番号。
	Page int
	// Limit は1ページあたりの件数。
	Limit int
}

// normalize は未指定のページ番号と件数に既定値を入れ、件数を上限に収める。
func (o ListOptions) normalize() ListOptions {
	if o.Page < 1 {
		o.Page = defaultPage
	}
	if o.Limit < 1 {
		o.Limit = defaultLimit
	}
	if o.Limit > MaxLimit {
		o.Limit = MaxLimit
	}
	return o
}

// offset は読み飛ばす件数を返す。オーバーフローする場合はfalseを返す。
func (o ListOptions) offset() (int, bool) {
	if o.Page-1 > math.MaxInt/o.Limit {
		return 0, false
	}
	return (o.Page - 1) * o.Limit, true
}

// Meta はページングの情報。
type Meta struct {
	// Total は条件に一致する全件数。
	Total int64 `json:"total"`
	// Page は現在のページ番号。
	Page int `json:"page"`
	// Limit は1ページあたりの件数。
	Limit int `json:"limit"`
	// TotalPages は全ページ数。
	TotalPages int64 `json:"totalPages"`
}

// Page は通知一覧の1ページ分。
type Page struct {
	// Data は新しい順に並んだ通知。
	Data []Notification `json:"data"`
	// Meta はページングの情報。
	Meta Meta `json:"meta"`
}

// newMeta は全件数とページ指定からMetaを計算する。
func newMeta(total int64, page, limit int) Meta {
	return Meta{
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages(total, int64(limit)),
	}
}

func totalPages(total, limit int64) int64 {
	pages := total / limit
	if total%limit != 0 {
		pages++
	}
	return pages
}
