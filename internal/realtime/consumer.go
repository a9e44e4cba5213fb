package realtime

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nao1215/tasknotify/pkg/event"
	"github.com/nao1215/tasknotify/pkg/queue"
)

// consumerBroker はConsumerが使うキュー操作。
type consumerBroker interface {
	queue.Consumer
	EnsureQueue(ctx context.Context, queue string) error
}

// Consumer はリアルタイムキューのメッセージを接続中のクライアントへ届ける。
// 配信はベストエフォートで、全メッセージを確認応答する。
type Consumer struct {
	// broker はリアルタイムキューのバックエンド。
	broker consumerBroker
	// queueName はリアルタイムキューの名前。
	queueName string
	// registry は接続中のクライアント。
	registry *Registry
	// retryDelay はキューが使えないときの再接続までの待ち時間。
	retryDelay time.Duration
	// metrics はメトリクスの記録先。
	metrics *Metrics
	// logger はログ出力先。
	logger *log.Entry
}

// NewConsumer は新しいConsumerを生成する。
func NewConsumer(broker consumerBroker, queueName string, registry *Registry, retryDelay time.Duration, metrics *Metrics, logger *log.Logger) *Consumer {
	return &Consumer{
		broker:     broker,
		queueName:  queueName,
		registry:   registry,
		retryDelay: retryDelay,
		metrics:    metrics,
		logger:     logger.WithField("component", "realtime-consumer"),
	}
}

// Run はctxがキャンセルされるまでメッセージを受信する。
// キューに接続できない場合はログを残して待ち、再接続を繰り返す。
func (c *Consumer) Run(ctx context.Context) error {
	entry := c.logger.WithField("queue", c.queueName)
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			entry.WithError(err).Error("リアルタイムキューの受信に失敗")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.retryDelay):
			entry.Info("リアルタイムキューへ再接続します")
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	if err := c.broker.EnsureQueue(ctx, c.queueName); err != nil {
		return err
	}
	c.logger.WithField("queue", c.queueName).Info("リアルタイム配信の受信を開始しました")
	return c.broker.Consume(ctx, c.queueName, c.handle)
}

// handle はメッセージ1件を宛先の接続へ送り、結果によらず確認応答する。
func (c *Consumer) handle(ctx context.Context, d *queue.Delivery) {
	entry := c.logger.WithField("delivery_id", d.ID)
	defer func() {
		if err := d.Ack(ctx); err != nil {
			entry.WithError(err).Error("確認応答に失敗")
		}
	}()

	p, err := event.DecodeRealtime(d.Body)
	if err != nil {
		entry.WithError(err).Warn("解釈できないリアルタイム配信データを破棄しました")
		c.metrics.ObserveDropped(dropMalformed)
		return
	}
	entry = entry.WithFields(log.Fields{
		"notification_id": p.ID,
		"user_id":         p.UserID,
		"type":            p.Type,
	})

	if p.IsTaskChanged() {
		delivered := c.push(c.registry.All(), newTaskChangedMessage(p))
		entry.WithField("connections", delivered).Debug("タスクの変更を全接続に通知しました")
		return
	}

	conns := c.registry.Connections(p.UserID)
	if len(conns) == 0 {
		// 未接続のユーザーは通知一覧の取得で追いつく
		c.metrics.ObserveDropped(dropOffline)
		entry.Debug("宛先ユーザーが接続していないため破棄しました")
		return
	}
	delivered := c.push(conns, newNotificationMessage(p))
	entry.WithField("connections", delivered).Debug("通知を配信しました")
}

// push は全接続にメッセージを積み、積めた接続の数を返す。
func (c *Consumer) push(conns []Conn, msg Message) int {
	delivered := 0
	for _, conn := range conns {
		if !conn.Send(msg) {
			c.metrics.ObserveDropped(dropBufferFull)
			continue
		}
		c.metrics.ObservePushed(msg.Event)
		delivered++
	}
	return delivered
}
