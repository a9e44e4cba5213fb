package notification

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nao1215/tasknotify/pkg/event"
	"github.com/nao1215/tasknotify/pkg/queue"
)

const tracerName = "github.com/nao1215/tasknotify/internal/notification"

// eventHandler はデコード済みのイベントを処理する。
type eventHandler interface {
	Handle(ctx context.Context, ev *event.TaskEvent) error
}

// consumerBroker はConsumerが使うキュー操作。
type consumerBroker interface {
	queue.Consumer
	EnsureQueue(ctx context.Context, queue string) error
}

// Consumer はタスクイベントキューからイベントを1件ずつ受信してファンアウトに渡す。
// 処理に成功したメッセージと解釈できないメッセージは確認応答し、
// 処理に失敗したメッセージは再配信を要求する。
type Consumer struct {
	// broker はタスクイベントキューのバックエンド。
	broker consumerBroker
	// queueName はタスクイベントキューの名前。
	queueName string
	// handler はイベントの処理先。
	handler eventHandler
	// retryDelay はキューが使えないときの再接続までの待ち時間。
	retryDelay time.Duration
	// metrics はメトリクスの記録先。
	metrics *Metrics
	// tracer は受信処理のスパンを作る。
	tracer trace.Tracer
	// logger はログ出力先。
	logger *log.Entry
}

// NewConsumer は新しいConsumerを生成する。
func NewConsumer(broker consumerBroker, queueName string, handler eventHandler, retryDelay time.Duration, metrics *Metrics, logger *log.Logger) *Consumer {
	return &Consumer{
		broker:     broker,
		queueName:  queueName,
		handler:    handler,
		retryDelay: retryDelay,
		metrics:    metrics,
		tracer:     otel.Tracer(tracerName),
		logger:     logger.WithField("component", "event-consumer"),
	}
}

// Run はctxがキャンセルされるまでイベントを受信する。
// キューに接続できない場合はログを残して待ち、再接続を繰り返す。
func (c *Consumer) Run(ctx context.Context) error {
	entry := c.logger.WithField("queue", c.queueName)
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			entry.WithError(err).Error("タスクイベントキューの受信に失敗")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.retryDelay):
			entry.Info("タスクイベントキューへ再接続します")
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	if err := c.broker.EnsureQueue(ctx, c.queueName); err != nil {
		return err
	}
	c.logger.WithField("queue", c.queueName).Info("タスクイベントの受信を開始しました")
	return c.broker.Consume(ctx, c.queueName, c.handle)
}

// handle はメッセージ1件を処理して確認応答する。
func (c *Consumer) handle(ctx context.Context, d *queue.Delivery) {
	ctx, span := c.tracer.Start(ctx, "notification.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", c.queueName),
			attribute.String("messaging.message.id", d.ID),
			attribute.Int("messaging.delivery.attempt", d.Attempt),
		))
	defer span.End()

	entry := c.logger.WithFields(log.Fields{
		"delivery_id": d.ID,
		"attempt":     d.Attempt,
	})

	ev, err := event.Decode(d.Body)
	if ev != nil {
		span.SetAttributes(
			attribute.String("tasknotify.event.kind", string(ev.Kind)),
			attribute.String("tasknotify.task.id", ev.TaskID),
		)
		entry = entry.WithFields(log.Fields{
			"task_id": ev.TaskID,
			"kind":    ev.Kind,
		})
	}

	switch {
	case errors.Is(err, event.ErrUnknownKind):
		entry.WithError(err).Warn("未知のイベント種類のため破棄しました")
		c.metrics.ObserveConsumed(string(ev.Kind), outcomeUnknown)
		c.settle(ctx, entry, d.Ack)
		return
	case err != nil:
		// 再配信しても解釈できないため確認応答して破棄する
		entry.WithError(err).Error("解釈できないメッセージを破棄しました")
		span.SetStatus(codes.Error, "poison message")
		c.metrics.ObserveConsumed("malformed", outcomePoison)
		c.settle(ctx, entry, d.Ack)
		return
	}

	if err := c.handler.Handle(ctx, ev); err != nil {
		entry.WithError(err).Error("イベントの処理に失敗したため再配信を要求します")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.ObserveConsumed(string(ev.Kind), outcomeFailed)
		c.settle(ctx, entry, func(ctx context.Context) error { return d.Nack(ctx, true) })
		return
	}

	c.metrics.ObserveConsumed(string(ev.Kind), outcomeProcessed)
	c.settle(ctx, entry, d.Ack)
}

func (c *Consumer) settle(ctx context.Context, entry *log.Entry, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		entry.WithError(err).Error("確認応答に失敗")
	}
}
