// リアルタイムゲートウェイのエントリポイント。
// 認証済みのWebSocket接続を受け付け、通知サービスがリアルタイムキューへ送った
// 通知とタスクの変更を接続中のクライアントへ届ける。
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

	"github.com/nao1215/tasknotify/internal/realtime"
	"github.com/nao1215/tasknotify/pkg/config"
	"github.com/nao1215/tasknotify/pkg/logger"
	"github.com/nao1215/tasknotify/pkg/queue/connect"
)

// shutdownTimeout は処理中のリクエストを待つ上限。
const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadRealtime()
	if err != nil {
		log.WithError(err).Fatal("設定の読み込みに失敗")
	}
	l := logger.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, l); err != nil {
		l.WithError(err).Fatal("リアルタイムゲートウェイが異常終了しました")
	}
}

func run(cfg *config.Realtime, l *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	metrics := realtime.NewMetrics(reg)

	registry := realtime.NewRegistry()
	defer registry.Close()

	gateway := realtime.NewGateway(registry, realtime.GatewayOptions{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.CORSOrigins,
		PingInterval:   cfg.PingInterval,
	}, metrics, l)
	consumer := realtime.NewConsumer(broker, cfg.NotificationsQueue, registry, cfg.RetryDelay, metrics, l)
	server := realtime.NewServer(cfg.Port, gateway, registry, reg, l)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(ctx) })
	g.Go(func() error {
		l.WithField("port", cfg.Port).Info("リアルタイムゲートウェイを起動します")
		return server.Run()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		l.Info("リアルタイムゲートウェイを停止します")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
