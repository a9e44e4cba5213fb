package notification

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nao1215/tasknotify/pkg/event"
)

// realtimeBroker はRealtimePublisherが使うキュー操作。
type realtimeBroker interface {
	Publish(ctx context.Context, queue string, body []byte) error
	EnsureQueue(ctx context.Context, queue string) error
	Ping(ctx context.Context) error
}

// RealtimePublisher は保存済みの通知をリアルタイムキューへ送る。
// 配信はベストエフォートで、キューが使えない間は送信せずにログだけ残す。
type RealtimePublisher struct {
	// broker はリアルタイムキューのバックエンド。
	broker realtimeBroker
	// queueName はリアルタイムキューの名前。
	queueName string
	// interval は疎通確認の間隔。
	interval time.Duration
	// healthy はキューが使える状態かどうか。
	healthy atomic.Bool
	// metrics はメトリクスの記録先。
	metrics *Metrics
	// logger はログ出力先。
	logger *log.Entry
}

// NewRealtimePublisher は新しいRealtimePublisherを生成する。
// ConnectかRunの疎通確認が成功するまでは不健全として扱い、その間の配信は送らずに捨てる。
func NewRealtimePublisher(broker realtimeBroker, queueName string, interval time.Duration, metrics *Metrics, logger *log.Logger) *RealtimePublisher {
	return &RealtimePublisher{
		broker:    broker,
		queueName: queueName,
		interval:  interval,
		metrics:   metrics,
		logger:    logger.WithField("component", "realtime-publisher"),
	}
}

// Healthy はリアルタイムキューが使える状態かどうかを返す。
func (p *RealtimePublisher) Healthy() bool {
	return p.healthy.Load()
}

// Connect はリアルタイムキューを宣言して疎通を確認する。
// 失敗しても起動は続け、Runの疎通確認で回復を待つ。
func (p *RealtimePublisher) Connect(ctx context.Context) error {
	if err := p.broker.EnsureQueue(ctx, p.queueName); err != nil {
		p.markUnhealthy(err, "リアルタイムキューの宣言に失敗")
		return err
	}
	if err := p.broker.Ping(ctx); err != nil {
		p.markUnhealthy(err, "リアルタイムキューへの疎通確認に失敗")
		return err
	}
	if !p.healthy.Swap(true) {
		p.logger.WithField("queue", p.queueName).Info("リアルタイムキューに接続しました")
	}
	return nil
}

// Run はctxがキャンセルされるまで定期的に疎通を確認し、健全性を更新する。
func (p *RealtimePublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if p.Healthy() {
				if err := p.broker.Ping(ctx); err != nil && ctx.Err() == nil {
					p.markUnhealthy(err, "リアルタイムキューへの疎通確認に失敗")
				}
				continue
			}
			// 回復時はキューを宣言し直す
			_ = p.Connect(ctx)
		}
	}
}

// Publish は通知1件をリアルタイムキューへ送る。
func (p *RealtimePublisher) Publish(ctx context.Context, n Notification) {
	payload, err := toRealtimePayload(n)
	if err != nil {
		p.logger.WithError(err).WithField("notification_id", n.ID).Error("リアルタイム配信データの作成に失敗")
		p.metrics.ObservePublished(outcomeFailed)
		return
	}
	p.send(ctx, payload)
}

// PublishBatch は複数の通知を1件ずつリアルタイムキューへ送る。
func (p *RealtimePublisher) PublishBatch(ctx context.Context, ns []Notification) {
	for _, n := range ns {
		p.Publish(ctx, n)
	}
}

// PublishTaskChanged はタスク単位のキャッシュ無効化シグナルを送る。
func (p *RealtimePublisher) PublishTaskChanged(ctx context.Context, taskID, changeType string) {
	p.send(ctx, event.NewTaskChangedPayload(taskID, changeType))
}

func (p *RealtimePublisher) send(ctx context.Context, payload event.RealtimePayload) {
	entry := p.logger.WithFields(log.Fields{
		"notification_id": payload.ID,
		"user_id":         payload.UserID,
		"type":            payload.Type,
	})
	if !p.Healthy() {
		entry.Warn("リアルタイムキューが使えないため配信をスキップしました")
		p.metrics.ObservePublished(outcomeSkipped)
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		entry.WithError(err).Error("リアルタイム配信データのシリアライズに失敗")
		p.metrics.ObservePublished(outcomeFailed)
		return
	}
	if err := p.broker.Publish(ctx, p.queueName, body); err != nil {
		p.markUnhealthy(err, "リアルタイムキューへの送信に失敗")
		p.metrics.ObservePublished(outcomeFailed)
		return
	}
	p.metrics.ObservePublished(outcomePublished)
	entry.Debug("リアルタイム配信データを送信しました")
}

func (p *RealtimePublisher) markUnhealthy(err error, msg string) {
	p.healthy.Store(false)
	p.logger.WithError(err).WithField("queue", p.queueName).Error(msg)
}

// toRealtimePayload は通知をリアルタイムキューのメッセージに平坦化する。
func toRealtimePayload(n Notification) (event.RealtimePayload, error) {
	payload := event.RealtimePayload{
		ID:        n.ID,
		UserID:    n.UserID,
		Type:      string(n.Type),
		Message:   n.Message,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
	if n.TaskID != nil {
		payload.TaskID = *n.TaskID
	}
	if n.Metadata != nil {
		md, err := json.Marshal(n.Metadata)
		if err != nil {
			return event.RealtimePayload{}, err
		}
		payload.Metadata = md
	}
	return payload, nil
}
