package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/nao1215/tasknotify/pkg/middleware"
)

// Server はリアルタイムゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// srv はグレースフルシャットダウンのためのHTTPサーバー。
	srv *http.Server
	// gateway はWebSocket接続の受付。
	gateway *Gateway
	// registry は接続中のクライアント。
	registry *Registry
}

// NewServer は新しいリアルタイムゲートウェイのサーバーを生成する。
// gathererがnilなら/metricsを公開しない。
func NewServer(port string, gateway *Gateway, registry *Registry, gatherer prometheus.Gatherer, logger *log.Logger) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logger(logger))

	s := &Server{
		router:   router,
		gateway:  gateway,
		registry: registry,
	}
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: router,
	}

	// WebSocket接続
	router.GET("/ws", gateway.ServeWS)
	// ヘルスチェック
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "realtime", "connections": s.registry.Count()})
	})
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return s
}

// Handler はルーティング済みのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動する。Shutdownで停止した場合はnilを返す。
func (s *Server) Run() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown はWebSocket接続を閉じてからHTTPサーバーを停止する。
// ハイジャック済みの接続はhttp.Server.Shutdownでは閉じられない。
func (s *Server) Shutdown(ctx context.Context) error {
	s.gateway.CloseAll()
	return s.srv.Shutdown(ctx)
}
