package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 配信できなかった理由のラベル値。
const (
	dropOffline    = "offline"
	dropBufferFull = "buffer_full"
	dropMalformed  = "malformed"
)

// Metrics はリアルタイムゲートウェイのメトリクス。
type Metrics struct {
	Connections prometheus.Gauge
	Pushed      *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
	AuthFailed  prometheus.Counter
}

// NewMetrics はregに登録したMetricsを生成する。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tasknotify_realtime_connections",
			Help: "Number of live websocket connections on this instance",
		}),
		Pushed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasknotify_realtime_pushed_total",
			Help: "Total number of frames pushed to clients, by event",
		}, []string{"event"}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasknotify_realtime_dropped_total",
			Help: "Total number of realtime messages not pushed, by reason",
		}, []string{"reason"}),
		AuthFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "tasknotify_realtime_auth_failed_total",
			Help: "Total number of websocket connections rejected for a missing or invalid token",
		}),
	}
}

// ObservePushed は接続1つへの送信を記録する。
func (m *Metrics) ObservePushed(event string) {
	m.Pushed.WithLabelValues(event).Inc()
}

// ObserveDropped は配信できなかったメッセージを記録する。
func (m *Metrics) ObserveDropped(reason string) {
	m.Dropped.WithLabelValues(reason).Inc()
}
