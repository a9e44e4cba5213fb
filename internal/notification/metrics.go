package notification

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 処理結果のラベル値。
const (
	outcomeProcessed = "processed"
	outcomeFailed    = "failed"
	outcomePoison    = "poison"
	outcomeUnknown   = "unknown"

	outcomePublished = "published"
	outcomeSkipped   = "skipped"
)

// Metrics は通知サービスのメトリクス。
type Metrics struct {
	EventsConsumed       *prometheus.CounterVec
	NotificationsCreated *prometheus.CounterVec
	RealtimePublished    *prometheus.CounterVec
	FanoutDuration       prometheus.Histogram
}

// NewMetrics はregに登録したMetricsを生成する。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasknotify_events_consumed_total",
			Help: "Total number of task events consumed, by kind and outcome",
		}, []string{"kind", "outcome"}),
		NotificationsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasknotify_notifications_created_total",
			Help: "Total number of notifications persisted, by type",
		}, []string{"type"}),
		RealtimePublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasknotify_realtime_published_total",
			Help: "Total number of realtime payloads handed to the realtime queue, by outcome",
		}, []string{"outcome"}),
		FanoutDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tasknotify_fanout_duration_seconds",
			Help:    "Duration of fan-out for one task event",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// ObserveConsumed はイベント1件の処理結果を記録する。
func (m *Metrics) ObserveConsumed(kind, outcome string) {
	m.EventsConsumed.WithLabelValues(kind, outcome).Inc()
}

// AddCreated は保存した通知の件数を記録する。
func (m *Metrics) AddCreated(t Type, n int) {
	m.NotificationsCreated.WithLabelValues(string(t)).Add(float64(n))
}

// ObservePublished はリアルタイム配信1件の結果を記録する。
func (m *Metrics) ObservePublished(outcome string) {
	m.RealtimePublished.WithLabelValues(outcome).Inc()
}

// ObserveFanout はファンアウト1回の所要時間を記録する。
// 処理開始時のtime.Now()を渡す。
func (m *Metrics) ObserveFanout(start time.Time) {
	m.FanoutDuration.Observe(time.Since(start).Seconds())
}
