package realtime

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/nao1215/tasknotify/pkg/middleware"
)

// accessTokenProtocol はSec-WebSocket-ProtocolでJWTを渡すときの目印。
// クライアントは "access_token, <jwt>" の順に並べる。
const accessTokenProtocol = "access_token"

// defaultPingInterval はPingInterval未指定時の間隔。
const defaultPingInterval = 25 * time.Second

// GatewayOptions はGatewayの設定。
type GatewayOptions struct {
	// JWTSecret はJWTの検証に使う秘密鍵。
	JWTSecret string
	// AllowedOrigins はWebSocket接続を許可するオリジン。空なら同一オリジンだけを許可する。
	AllowedOrigins []string
	// PingInterval はWebSocketのPingを送る間隔。
	PingInterval time.Duration
}

// Gateway は認証済みのWebSocket接続を受け付け、ユーザーごとにレジストリへ登録する。
type Gateway struct {
	registry     *Registry
	upgrader     websocket.Upgrader
	secret       string
	pingInterval time.Duration
	metrics      *Metrics
	logger       *log.Entry
}

// NewGateway は新しいGatewayを生成する。
func NewGateway(registry *Registry, opts GatewayOptions, metrics *Metrics, logger *log.Logger) *Gateway {
	origins := middleware.NewOrigins(opts.AllowedOrigins)
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &Gateway{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{accessTokenProtocol},
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(origins, r)
			},
		},
		secret:       opts.JWTSecret,
		pingInterval: opts.PingInterval,
		metrics:      metrics,
		logger:       logger.WithField("component", "gateway"),
	}
}

// ServeWS はWebSocket接続を受け付けるハンドラ。
// 認証に失敗した接続にはerrorイベントを送って切断する。
// 接続が閉じるまで戻らない。
func (g *Gateway) ServeWS(c *gin.Context) {
	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgradeが応答を書き込み済み
		g.logger.WithError(err).Debug("WebSocketへのアップグレードに失敗")
		return
	}

	token, ok := extractToken(c.Request)
	if !ok {
		g.reject(ws, "認証トークンが必要です")
		return
	}
	claims, err := middleware.ParseToken(g.secret, token)
	if err != nil {
		g.reject(ws, middleware.ErrInvalidToken.Error())
		return
	}

	cl := newClient(ws, claims.UserID, g.pingInterval, g.logger)
	count := g.registry.Register(cl)
	g.metrics.Connections.Inc()
	cl.logger.WithField("user_connections", count).Info("クライアントが接続しました")

	cl.Send(Message{
		Event: EventConnected,
		Data:  connectedData{Message: "接続しました", UserID: claims.UserID},
	})

	go cl.writePump()
	cl.readPump()
	<-cl.writerDone

	remaining := g.registry.Unregister(cl)
	g.metrics.Connections.Dec()
	cl.logger.WithField("user_connections", remaining).Info("クライアントが切断しました")
}

// CloseAll は全接続を閉じる。シャットダウン時に使う。
func (g *Gateway) CloseAll() {
	for _, c := range g.registry.All() {
		if cl, ok := c.(*client); ok {
			cl.Close()
		}
	}
}

// reject はerrorイベントを送ってから接続を閉じる。
func (g *Gateway) reject(ws *websocket.Conn, message string) {
	g.metrics.AuthFailed.Inc()
	g.logger.WithField("remote_addr", ws.RemoteAddr().String()).Warn("認証に失敗したWebSocket接続を切断しました")

	deadline := time.Now().Add(writeWait)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.WriteJSON(Message{Event: EventError, Data: errorData{Message: message}})
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), deadline)
	_ = ws.Close()
}

// extractToken はハンドシェイクのSec-WebSocket-Protocol、Authorizationヘッダー、
// tokenクエリパラメータの順にJWTを探す。
func extractToken(r *http.Request) (string, bool) {
	protocols := websocket.Subprotocols(r)
	for i, p := range protocols {
		if p == accessTokenProtocol && i+1 < len(protocols) {
			return protocols[i+1], true
		}
	}
	if token, ok := middleware.BearerToken(r.Header.Get("Authorization")); ok {
		return token, true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}

// checkOrigin はWebSocket接続のオリジンを検査する。
// Originヘッダーのないクライアントはブラウザ以外として許可する。
func checkOrigin(origins middleware.Origins, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origins.Allowed(origin) {
		return true
	}
	if len(origins) > 0 {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
