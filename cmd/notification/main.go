// 通知サービスのエントリポイント。
// タスクイベントキューを購読して宛先ごとの通知を作成・保存し、
// リアルタイムキューへ配信する。通知の一覧取得や既読管理のAPIも提供する。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/tasknotify/internal/notification"
	"github.com/nao1215/tasknotify/pkg/config"
	"github.com/nao1215/tasknotify/pkg/logger"
	"github.com/nao1215/tasknotify/pkg/queue/connect"
)

// shutdownTimeout は処理中のリクエストを待つ上限。
const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadNotification()
	if err != nil {
		log.WithError(err).Fatal("設定の読み込みに失敗")
	}
	l := logger.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, l); err != nil {
		l.WithError(err).Fatal("通知サービスが異常終了しました")
	}
}

func run(cfg *config.Notification, l *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := notification.Open(ctx, cfg.DatabasePath, l)
	if err != nil {
		return fmt.Errorf("通知ストアの初期化に失敗: %w", err)
	}
	defer store.Close() //nolint:errcheck

	broker, err := connect.Open(cfg.QueueURL, connect.Options{
		Group:             cfg.ConsumerGroup,
		ClaimIdle:         cfg.ClaimIdle,
		VisibilityTimeout: cfg.VisibilityTimeout,
	}, l)
	if err != nil {
		return fmt.Errorf("キューの初期化に失敗: %w", err)
	}
	defer broker.Close() //nolint:errcheck

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := notification.NewMetrics(reg)

	publisher := notification.NewRealtimePublisher(broker, cfg.NotificationsQueue, cfg.HealthInterval, metrics, l)
	if err := publisher.Connect(ctx); err != nil {
		// リアルタイム配信なしで起動し、疎通確認で回復を待つ
		l.WithError(err).Warn("リアルタイムキューに接続できないまま起動します")
	}
	engine := notification.NewEngine(store, publisher, metrics, l)
	consumer := notification.NewConsumer(broker, cfg.TaskEventsQueue, engine, cfg.RetryDelay, metrics, l)
	server := notification.NewServer(notification.ServerOptions{
		Port:        cfg.Port,
		JWTSecret:   cfg.JWTSecret,
		CORSOrigins: cfg.CORSOrigins,
		Gatherer:    reg,
	}, store, publisher, l)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(ctx) })
	g.Go(func() error { return publisher.Run(ctx) })
	g.Go(func() error {
		l.WithField("port", cfg.Port).Info("通知サービスを起動します")
		return server.Run()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		l.Info("通知サービスを停止します")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
