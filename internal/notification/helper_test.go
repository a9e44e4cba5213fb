package notification

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestStore はマイグレーション済みのインメモリSQLiteのStoreを生成する。
func newTestStore(t *testing.T) *Store {
	t.Helper()

	logger, _ := test.NewNullLogger()
	s, err := Open(t.Context(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newTestMetrics はテストごとに独立したレジストリでMetricsを生成する。
func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()
	return NewMetrics(reg), reg
}

// seedNotification はテスト用の通知を1件保存する。
func seedNotification(t *testing.T, s *Store, n Notification) Notification {
	t.Helper()

	if n.Type == "" {
		n.Type = TypeTaskUpdated
	}
	if n.Message == "" {
		n.Message = "Task \"T\" has been updated"
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	}
	require.NoError(t, s.Create(t.Context(), n))
	return n
}

func strPtr(s string) *string { return &s }

// taskChanged はPublishTaskChangedの呼び出し1回分。
type taskChanged struct {
	TaskID     string
	ChangeType string
}

// recordingNotifier はリアルタイム配信への引き渡しを記録する。
type recordingNotifier struct {
	mu        sync.Mutex
	published []Notification
	batches   int
	changed   []taskChanged
}

func (r *recordingNotifier) Publish(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, n)
}

func (r *recordingNotifier) PublishBatch(_ context.Context, ns []Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++
	r.published = append(r.published, ns...)
}

func (r *recordingNotifier) PublishTaskChanged(_ context.Context, taskID, changeType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, taskChanged{TaskID: taskID, ChangeType: changeType})
}

func (r *recordingNotifier) recipients() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.published))
	for _, n := range r.published {
		ids = append(ids, n.UserID)
	}
	return ids
}
