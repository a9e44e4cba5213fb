package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"

	"github.com/nao1215/tasknotify/pkg/event"
	"github.com/nao1215/tasknotify/pkg/queue"
	"github.com/nao1215/tasknotify/pkg/queue/mock"
)

// handlerFunc は関数をeventHandlerとして使うためのアダプタ。
type handlerFunc func(ctx context.Context, ev *event.TaskEvent) error

func (f handlerFunc) Handle(ctx context.Context, ev *event.TaskEvent) error { return f(ctx, ev) }

// consumerFixture はConsumerのテストに必要な依存をまとめる。
type consumerFixture struct {
	consumer *Consumer
	metrics  *Metrics
	hook     *test.Hook
	spans    *tracetest.SpanRecorder
}

func newConsumerFixture(t *testing.T, broker consumerBroker, handler eventHandler) *consumerFixture {
	t.Helper()

	m, _ := newTestMetrics(t)
	logger, hook := test.NewNullLogger()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	c := NewConsumer(broker, "task-events", handler, 10*time.Millisecond, m, logger)
	c.tracer = tp.Tracer("test")
	return &consumerFixture{consumer: c, metrics: m, hook: hook, spans: spans}
}

func encodeEvent(t *testing.T, ev *event.TaskEvent) []byte {
	t.Helper()

	body, err := event.Encode(ev)
	require.NoError(t, err)
	return body
}

func spanAttributes(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

// TestConsumerHandle はメッセージ1件ごとの確認応答の判断を検証する。
func TestConsumerHandle(t *testing.T) {
	t.Parallel()

	created := &event.TaskEvent{
		Kind:        event.KindCreated,
		TaskID:      "task-1",
		ActorUserID: "user-a",
		Timestamp:   time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		Payload:     event.TaskCreatedData{Title: "T", CreatedByID: "user-a", AssignedToID: "user-b"},
	}

	t.Run("処理に成功したらAckする", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		acker := mock.NewMockAcknowledger(ctrl)

		var got *event.TaskEvent
		f := newConsumerFixture(t, nil, handlerFunc(func(_ context.Context, ev *event.TaskEvent) error {
			got = ev
			return nil
		}))

		d := queue.NewDelivery("1-0", encodeEvent(t, created), 1, "", acker)
		acker.EXPECT().Ack(gomock.Any(), d).Return(nil)

		f.consumer.handle(t.Context(), d)

		require.NotNil(t, got)
		assert.Equal(t, "task-1", got.TaskID)
		assert.IsType(t, event.TaskCreatedData{}, got.Payload)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventsConsumed.WithLabelValues(string(event.KindCreated), outcomeProcessed)))

		ended := f.spans.Ended()
		require.Len(t, ended, 1)
		assert.Equal(t, "notification.consume", ended[0].Name())
		attrs := spanAttributes(ended[0].Attributes())
		assert.Equal(t, "task.created", attrs["tasknotify.event.kind"])
		assert.Equal(t, "task-1", attrs["tasknotify.task.id"])
		assert.Equal(t, "task-events", attrs["messaging.destination.name"])
	})

	t.Run("処理に失敗したら再配信を要求する", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		acker := mock.NewMockAcknowledger(ctrl)
		f := newConsumerFixture(t, nil, handlerFunc(func(context.Context, *event.TaskEvent) error {
			return errors.New("database is locked")
		}))

		d := queue.NewDelivery("1-0", encodeEvent(t, created), 1, "", acker)
		acker.EXPECT().Nack(gomock.Any(), d, true).Return(nil)

		f.consumer.handle(t.Context(), d)

		assert.Equal(t, logrus.ErrorLevel, f.hook.LastEntry().Level)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventsConsumed.WithLabelValues(string(event.KindCreated), outcomeFailed)))
		ended := f.spans.Ended()
		require.Len(t, ended, 1)
		assert.Equal(t, codes.Error, ended[0].Status().Code)
	})

	t.Run("解釈できないメッセージはAckして破棄する", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		acker := mock.NewMockAcknowledger(ctrl)
		called := false
		f := newConsumerFixture(t, nil, handlerFunc(func(context.Context, *event.TaskEvent) error {
			called = true
			return nil
		}))

		d := queue.NewDelivery("1-0", []byte("{not json"), 1, "", acker)
		acker.EXPECT().Ack(gomock.Any(), d).Return(nil)

		f.consumer.handle(t.Context(), d)

		assert.False(t, called)
		assert.Equal(t, logrus.ErrorLevel, f.hook.LastEntry().Level)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventsConsumed.WithLabelValues("malformed", outcomePoison)))
	})

	t.Run("未知の種類は警告を残してAckする", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		acker := mock.NewMockAcknowledger(ctrl)
		called := false
		f := newConsumerFixture(t, nil, handlerFunc(func(context.Context, *event.TaskEvent) error {
			called = true
			return nil
		}))

		body := []byte(`{"event":"task.archived","taskId":"task-1","userId":"user-a","data":{}}`)
		d := queue.NewDelivery("1-0", body, 1, "", acker)
		acker.EXPECT().Ack(gomock.Any(), d).Return(nil)

		f.consumer.handle(t.Context(), d)

		assert.False(t, called)
		entry := f.hook.LastEntry()
		require.NotNil(t, entry)
		assert.Equal(t, logrus.WarnLevel, entry.Level)
		assert.Equal(t, "task-1", entry.Data["task_id"])
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventsConsumed.WithLabelValues("task.archived", outcomeUnknown)))
	})
}

// TestConsumerRun はキューが使えないときの再接続と停止を検証する。
func TestConsumerRun(t *testing.T) {
	t.Parallel()

	t.Run("キューの宣言に失敗しても再試行して受信を始める", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		broker := mock.NewMockBroker(ctrl)
		f := newConsumerFixture(t, broker, handlerFunc(func(context.Context, *event.TaskEvent) error { return nil }))

		ctx, cancel := context.WithCancel(t.Context())
		var once sync.Once
		gomock.InOrder(
			broker.EXPECT().EnsureQueue(gomock.Any(), "task-events").Return(errors.New("dial tcp: connection refused")),
			broker.EXPECT().EnsureQueue(gomock.Any(), "task-events").Return(nil),
			broker.EXPECT().
				Consume(gomock.Any(), "task-events", gomock.Any()).
				DoAndReturn(func(ctx context.Context, _ string, _ queue.Handler) error {
					once.Do(cancel)
					<-ctx.Done()
					return nil
				}),
		)

		require.NoError(t, f.consumer.Run(ctx))

		var failed bool
		for _, e := range f.hook.AllEntries() {
			if e.Level == logrus.ErrorLevel {
				failed = true
			}
		}
		assert.True(t, failed)
	})

	t.Run("受信中に接続が切れたら再接続する", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		broker := mock.NewMockBroker(ctrl)
		f := newConsumerFixture(t, broker, handlerFunc(func(context.Context, *event.TaskEvent) error { return nil }))

		ctx, cancel := context.WithCancel(t.Context())
		broker.EXPECT().EnsureQueue(gomock.Any(), "task-events").Return(nil).Times(2)
		gomock.InOrder(
			broker.EXPECT().Consume(gomock.Any(), "task-events", gomock.Any()).Return(errors.New("EOF")),
			broker.EXPECT().
				Consume(gomock.Any(), "task-events", gomock.Any()).
				DoAndReturn(func(ctx context.Context, _ string, _ queue.Handler) error {
					cancel()
					return nil
				}),
		)

		require.NoError(t, f.consumer.Run(ctx))
	})
}
