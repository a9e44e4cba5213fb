package realtime

import (
	"encoding/json"
	"time"

	"github.com/nao1215/tasknotify/pkg/event"
)

// クライアントとやり取りするイベント名。
const (
	EventConnected    = "connected"
	EventNotification = "notification"
	EventTaskChanged  = "task_changed"
	EventPing         = "ping"
	EventPong         = "pong"
	EventError        = "error"
)

// Message はWebSocketで送受信するフレーム。
type Message struct {
	// Event はイベント名。
	Event string `json:"event"`
	// Data はイベントごとのデータ。
	Data any `json:"data,omitempty"`
}

// connectedData は接続完了時に送るデータ。
type connectedData struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

// errorData は認証失敗時に送るデータ。
type errorData struct {
	Message string `json:"message"`
}

// taskChangedData はタスク単位のキャッシュ無効化を知らせるデータ。
type taskChangedData struct {
	TaskID string `json:"taskId"`
	Type   string `json:"type"`
}

// notificationData はクライアントへ送る通知。宛先のuserIdは含めない。
type notificationData struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	TaskID    string          `json:"taskId,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"createdAt"`
}

func newNotificationMessage(p *event.RealtimePayload) Message {
	return Message{
		Event: EventNotification,
		Data: notificationData{
			ID:        p.ID,
			Type:      p.Type,
			Message:   p.Message,
			TaskID:    p.TaskID,
			Metadata:  p.Metadata,
			Read:      p.Read,
			CreatedAt: p.CreatedAt,
		},
	}
}

func newTaskChangedMessage(p *event.RealtimePayload) Message {
	return Message{
		Event: EventTaskChanged,
		Data:  taskChangedData{TaskID: p.TaskID, Type: p.Type},
	}
}
