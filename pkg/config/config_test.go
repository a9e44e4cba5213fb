package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 環境変数を書き換えるためt.Parallelは使わない。

// TestLoadNotification は通知サービスの設定読み込みを検証する。
func TestLoadNotification(t *testing.T) {
	t.Run("必須項目だけ指定すれば残りは既定値になる", func(t *testing.T) {
		t.Setenv("QUEUE_URL", "redis://localhost:6379/0")
		t.Setenv("TASK_EVENTS_QUEUE", "task-events")
		t.Setenv("NOTIFICATIONS_QUEUE", "notifications")

		cfg, err := LoadNotification()
		require.NoError(t, err)
		assert.Equal(t, "8086", cfg.Port)
		assert.Equal(t, "/data/notification.db", cfg.DatabasePath)
		assert.Equal(t, "notification-service", cfg.ConsumerGroup)
		assert.Equal(t, "dev-secret-key", cfg.JWTSecret)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, 5*time.Second, cfg.RetryDelay)
		assert.Equal(t, 10*time.Second, cfg.HealthInterval)
		assert.Equal(t, time.Minute, cfg.ClaimIdle)
		assert.Equal(t, 30*time.Second, cfg.VisibilityTimeout)
	})

	t.Run("必須項目がなければエラー", func(t *testing.T) {
		t.Setenv("QUEUE_URL", "")
		t.Setenv("TASK_EVENTS_QUEUE", "task-events")
		t.Setenv("NOTIFICATIONS_QUEUE", "")

		_, err := LoadNotification()
		require.ErrorIs(t, err, ErrMissingRequired)
		assert.Contains(t, err.Error(), "NOTIFICATIONS_QUEUE, QUEUE_URL")
	})

	t.Run("環境変数で上書きできる", func(t *testing.T) {
		t.Setenv("QUEUE_URL", "redis://localhost:6379/0")
		t.Setenv("TASK_EVENTS_QUEUE", "task-events")
		t.Setenv("NOTIFICATIONS_QUEUE", "notifications")
		t.Setenv("PORT", "9000")
		t.Setenv("CORS_ORIGINS", "http://localhost:3000,https://example.com")
		t.Setenv("RETRY_DELAY", "250ms")

		cfg, err := LoadNotification()
		require.NoError(t, err)
		assert.Equal(t, "9000", cfg.Port)
		assert.Equal(t, []string{"http://localhost:3000", "https://example.com"}, cfg.CORSOrigins)
		assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	})

	t.Run("設定ファイルを読み込み環境変数が優先される", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "notification.yaml")
		content := "queue_url: redis://queue:6379/0\n" +
			"task_events_queue: task-events\n" +
			"notifications_queue: notifications\n" +
			"database_path: /tmp/n.db\n" +
			"port: \"7000\"\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		t.Setenv("CONFIG_FILE", path)
		t.Setenv("PORT", "7100")

		cfg, err := LoadNotification()
		require.NoError(t, err)
		assert.Equal(t, "redis://queue:6379/0", cfg.QueueURL)
		assert.Equal(t, "/tmp/n.db", cfg.DatabasePath)
		assert.Equal(t, "7100", cfg.Port)
	})

	t.Run("存在しない設定ファイルはエラー", func(t *testing.T) {
		t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

		_, err := LoadNotification()
		assert.Error(t, err)
	})
}

// TestLoadRealtime はリアルタイムゲートウェイの設定読み込みを検証する。
func TestLoadRealtime(t *testing.T) {
	t.Setenv("QUEUE_URL", "redis://localhost:6379/0")
	t.Setenv("NOTIFICATIONS_QUEUE", "notifications")

	cfg, err := LoadRealtime()
	require.NoError(t, err)
	assert.Equal(t, "8087", cfg.Port)
	assert.Equal(t, "realtime-gateway", cfg.ConsumerGroup)
	assert.Equal(t, 25*time.Second, cfg.PingInterval)
}
