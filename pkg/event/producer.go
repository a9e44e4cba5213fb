package event

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nao1215/tasknotify/pkg/queue"
)

// Producer はタスクサービスの書き込み完了後にタスクイベントをキューへ送信する。
// 送信は投げっぱなしで、失敗してもタスク操作を失敗させない。
type Producer struct {
	// pub はメッセージの送信先。
	pub queue.Publisher
	// queueName はタスクイベントキューの名前。
	queueName string
	// logger はログ出力先。
	logger *log.Entry
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
}

// NewProducer は新しいProducerを生成する。
func NewProducer(pub queue.Publisher, queueName string, logger *log.Logger) *Producer {
	return &Producer{
		pub:       pub,
		queueName: queueName,
		logger:    logger.WithField("component", "event-producer"),
		now:       time.Now,
	}
}

// Publish はタスクの変更をイベントとして送信する。
// イベント種類はペイロードの型から決まる。エラーはログに記録して握りつぶす。
func (p *Producer) Publish(ctx context.Context, taskID, actorUserID string, payload Payload) {
	if payload == nil {
		p.logger.WithField("task_id", taskID).Error("ペイロードのないイベントは送信できません")
		return
	}

	ev := &TaskEvent{
		Kind:        KindOf(payload),
		TaskID:      taskID,
		ActorUserID: actorUserID,
		Timestamp:   p.now().UTC(),
		Payload:     payload,
	}
	entry := p.logger.WithFields(log.Fields{
		"task_id": taskID,
		"kind":    ev.Kind,
	})

	body, err := Encode(ev)
	if err != nil {
		entry.WithError(err).Error("タスクイベントのシリアライズに失敗")
		return
	}

	if err := p.pub.Publish(ctx, p.queueName, body); err != nil {
		entry.WithError(err).Error("タスクイベントの送信に失敗")
		return
	}
	entry.Debug("タスクイベントを送信しました")
}
