package notification

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

// healthReporter はリアルタイム配信の健全性を返す。
type healthReporter interface {
	Healthy() bool
}

// ServerOptions はServerの設定。
type ServerOptions struct {
	// Port はサーバーのリッスンポート。
	Port string
	// JWTSecret はJWTの検証に使う秘密鍵。
	JWTSecret string
	// CORSOrigins はCORSで許可するオリジン。
	CORSOrigins []string
	// Gatherer は/metricsで公開するメトリクスの取得元。
	Gatherer prometheus.Gatherer
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// srv はグレースフルシャットダウンのためのHTTPサーバー。
	srv *http.Server
	// store は通知の永続化先。
	store *Store
	// realtime はリアルタイム配信の健全性の取得元。
	realtime healthReporter
	// logger はログ出力先。
	logger *log.Entry
}

// NewServer は新しい通知サーバーを生成する。
func NewServer(opts ServerOptions, store *Store, realtime healthReporter, logger *log.Logger) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logger(logger))
	if len(opts.CORSOrigins) > 0 {
		router.Use(middleware.CORS(opts.CORSOrigins))
	}

	s := &Server{
		router:   router,
		store:    store,
		realtime: realtime,
		logger:   logger.WithField("component", "http"),
	}
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%s", opts.Port),
		Handler: router,
	}
	s.setupRoutes(opts)
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

// Shutdown は処理中のリクエストを待ってHTTPサーバーを停止する。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(opts ServerOptions) {
	notifications := s.router.Group("/notifications")
	notifications.Use(middleware.JWTAuth(opts.JWTSecret))
	s.registerNotificationRoutes(notifications)

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())

	if opts.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
}

// registerNotificationRoutes は通知APIのルートを登録する。
// 呼び出し側でユーザーIDを設定するミドルウェアを適用しておく。
func (s *Server) registerNotificationRoutes(g *gin.RouterGroup) {
	// 通知一覧取得
	g.GET("", s.handleList())
	// 未読件数取得
	g.GET("/unread-count", s.handleUnreadCount())
	// 通知を既読にする
	g.POST("/mark-as-read", s.handleMarkAsRead())
	// 全通知を既読にする
	g.POST("/mark-all-as-read", s.handleMarkAllAsRead())
	// 通知取得
	g.GET("/:id", s.handleGet())
	// 通知削除
	g.DELETE("/:id", s.handleDelete())
}

// handleHealth はデータベースとリアルタイム配信の状態を返すハンドラ。
// データベースに届かない場合は503を返す。リアルタイム配信の停止は劣化として扱い200のままにする。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		realtime := "down"
		if s.realtime != nil && s.realtime.Healthy() {
			realtime = "up"
		}
		if err := s.store.Ping(c.Request.Context()); err != nil {
			s.logger.WithError(err).Error("データベースへの疎通確認に失敗")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "error", "service": "notification", "database": "down", "realtime": realtime,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification", "database": "up", "realtime": realtime})
	}
}

// listQuery は通知一覧のクエリパラメータ。
type listQuery struct {
	// Type は通知の種類での絞り込み。
	Type *string `form:"type" binding:"omitempty,oneof=TASK_CREATED TASK_UPDATED TASK_ASSIGNED TASK_COMMENTED"`
	// Read は既読状態での絞り込み。
	Read *bool `form:"read"`
	// Page は1始まりのページ番号。
	Page int `form:"page" binding:"omitempty,min=1"`
	// Limit は1ページあたりの件数。
	Limit int `form:"limit" binding:"omitempty,min=1,max=100"`
}

// handleList は認証済みユーザーの通知一覧を返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		var q listQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "クエリパラメータが不正です"})
			return
		}
		opts := ListOptions{Read: q.Read, Page: q.Page, Limit: q.Limit}
		if q.Type != nil {
			t := Type(*q.Type)
			opts.Type = &t
		}

		page, err := s.store.FindAll(c.Request.Context(), userID, opts)
		if err != nil {
			s.internalError(c, err, "通知一覧の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

// handleUnreadCount は認証済みユーザーの未読件数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		count, err := s.store.UnreadCount(c.Request.Context(), userID)
		if err != nil {
			s.internalError(c, err, "未読件数の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

// handleGet は認証済みユーザーの通知を1件返すハンドラ。
func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		n, err := s.store.FindOne(c.Request.Context(), c.Param("id"), userID)
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		}
		if err != nil {
			s.internalError(c, err, "通知の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, n)
	}
}

// markAsReadRequest は既読化リクエストのJSON構造。
type markAsReadRequest struct {
	// NotificationIDs は既読にする通知のID。
	NotificationIDs []string `json:"notificationIds" binding:"required"`
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
// 空のIDリストは検証せず、ストアのエラーとして500を返す。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		var req markAsReadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です"})
			return
		}

		affected, err := s.store.MarkAsRead(c.Request.Context(), userID, req.NotificationIDs)
		if err != nil {
			s.internalError(c, err, "通知の既読処理に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"affected": affected})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		affected, err := s.store.MarkAllAsRead(c.Request.Context(), userID)
		if err != nil {
			s.internalError(c, err, "全通知の既読処理に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"affected": affected})
	}
}

// handleDelete は認証済みユーザーの通知を削除するハンドラ。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		err := s.store.Delete(c.Request.Context(), c.Param("id"), userID)
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		}
		if err != nil {
			s.internalError(c, err, "通知の削除に失敗しました")
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// requireUserID は認証済みユーザーのIDを返す。取得できない場合は401を返す。
func requireUserID(c *gin.Context) (string, bool) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
		return "", false
	}
	return userID, true
}

// internalError はエラーをログに残し、汎用的なメッセージで500を返す。
func (s *Server) internalError(c *gin.Context, err error, msg string) {
	s.logger.WithError(err).WithField("path", c.Request.URL.Path).Error(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
