// Package config は各サービスの設定を環境変数と任意の設定ファイルから読み込む。
//
// 環境変数が設定ファイルより優先される。設定ファイルは環境変数CONFIG_FILEで指定する。
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrMissingRequired は必須の設定項目がないことを表す。
var ErrMissingRequired = errors.New("必須の設定項目がありません")

// Common は両サービスに共通する設定。
type Common struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `mapstructure:"port"`
	// QueueURL はキューの接続先（redis:// またはAzure Storageの接続文字列）。
	QueueURL string `mapstructure:"queue_url"`
	// NotificationsQueue はリアルタイム配信用キューの名前。
	NotificationsQueue string `mapstructure:"notifications_queue"`
	// ConsumerGroup はキューのコンシューマーグループ名。
	ConsumerGroup string `mapstructure:"consumer_group"`
	// ClaimIdle はRedis Streamsで放置された保留中メッセージを引き取るまでの時間。0なら引き取らない。
	ClaimIdle time.Duration `mapstructure:"claim_idle"`
	// VisibilityTimeout はAzure Storage Queueで受信中のメッセージを隠しておく時間。
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	// JWTSecret はJWTの署名検証に使う秘密鍵。
	JWTSecret string `mapstructure:"jwt_secret"`
	// CORSOrigins はブラウザからのアクセスを許可するオリジン。
	CORSOrigins []string `mapstructure:"cors_origins"`
	// LogLevel はログレベル。
	LogLevel string `mapstructure:"log_level"`
	// LogFormat はログ形式（text または json）。
	LogFormat string `mapstructure:"log_format"`
}

// Notification は通知サービスの設定。
type Notification struct {
	Common `mapstructure:",squash"`
	// DatabasePath はSQLiteデータベースファイルのパス。
	DatabasePath string `mapstructure:"database_path"`
	// TaskEventsQueue はタスクイベントキューの名前。
	TaskEventsQueue string `mapstructure:"task_events_queue"`
	// RetryDelay はキューへの再接続を試みる間隔。
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// HealthInterval はリアルタイム配信用キューの疎通確認間隔。
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// Realtime はリアルタイムゲートウェイの設定。
type Realtime struct {
	Common `mapstructure:",squash"`
	// PingInterval はWebSocketのPingを送る間隔。
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// RetryDelay はキューへの再接続を試みる間隔。
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// LoadNotification は通知サービスの設定を読み込む。
func LoadNotification() (*Notification, error) {
	v, err := newViper(map[string]any{
		"port":                "8086",
		"database_path":       "/data/notification.db",
		"consumer_group":      "notification-service",
		"retry_delay":         "5s",
		"health_interval":     "10s",
		"task_events_queue":   "",
		"notifications_queue": "",
	})
	if err != nil {
		return nil, err
	}

	cfg := &Notification{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("設定の解析に失敗: %w", err)
	}
	if err := required(map[string]string{
		"QUEUE_URL":           cfg.QueueURL,
		"TASK_EVENTS_QUEUE":   cfg.TaskEventsQueue,
		"NOTIFICATIONS_QUEUE": cfg.NotificationsQueue,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRealtime はリアルタイムゲートウェイの設定を読み込む。
func LoadRealtime() (*Realtime, error) {
	v, err := newViper(map[string]any{
		"port":                "8087",
		"consumer_group":      "realtime-gateway",
		"ping_interval":       "25s",
		"retry_delay":         "5s",
		"notifications_queue": "",
	})
	if err != nil {
		return nil, err
	}

	cfg := &Realtime{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("設定の解析に失敗: %w", err)
	}
	if err := required(map[string]string{
		"QUEUE_URL":           cfg.QueueURL,
		"NOTIFICATIONS_QUEUE": cfg.NotificationsQueue,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newViper は共通の既定値とサービス固有の既定値を設定したviperを生成する。
// 環境変数CONFIG_FILEが指定されていればその設定ファイルも読み込む。
func newViper(defaults map[string]any) (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("queue_url", "")
	v.SetDefault("jwt_secret", "dev-secret-key")
	v.SetDefault("cors_origins", []string{})
	v.SetDefault("claim_idle", "1m")
	v.SetDefault("visibility_timeout", "30s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
		}
	}
	return v, nil
}

// required は空の必須項目をまとめてエラーにする。
func required(values map[string]string) error {
	var missing []string
	for name, val := range values {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
}
