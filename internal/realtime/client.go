package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	// writeWait は1フレームの書き込みに許す時間。
	writeWait = 10 * time.Second
	// maxMessageSize はクライアントから受け付けるフレームの最大サイズ。
	maxMessageSize = 4096
	// sendBuffer は接続ごとの送信待ちの上限。超えた分は捨てる。
	sendBuffer = 32
)

// client はWebSocket接続1つ。読み込みと書き込みはそれぞれ専用のゴルーチンで行う。
type client struct {
	id     string
	userID string
	ws     *websocket.Conn

	// send は書き込みゴルーチンへの送信待ち。
	send chan Message
	// done は接続を閉じるときに閉じる。
	done      chan struct{}
	closeOnce sync.Once
	// writerDone は書き込みゴルーチンが終了したときに閉じる。
	writerDone chan struct{}

	pingInterval time.Duration
	pongWait     time.Duration
	logger       *log.Entry
}

func newClient(ws *websocket.Conn, userID string, pingInterval time.Duration, logger *log.Entry) *client {
	id := uuid.NewString()
	return &client{
		id:           id,
		userID:       userID,
		ws:           ws,
		send:         make(chan Message, sendBuffer),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		pingInterval: pingInterval,
		// Pongを2回取りこぼすまでは切断しない
		pongWait: 2 * pingInterval,
		logger: logger.WithFields(log.Fields{
			"conn_id": id,
			"user_id": userID,
		}),
	}
}

func (c *client) ID() string     { return c.id }
func (c *client) UserID() string { return c.userID }

// Send はメッセージを送信待ちに積む。書き込みを待たない。
func (c *client) Send(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close は接続を閉じる。何度呼んでもよい。
func (c *client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump はクライアントからのフレームを読み、アプリケーションレベルのpingに応答する。
// 読み込みに失敗したら接続を閉じて戻る。
func (c *client) readPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				c.logger.WithError(err).Debug("WebSocketの読み込みを終了しました")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.WithError(err).Debug("解釈できないフレームを無視しました")
			continue
		}
		switch msg.Event {
		case EventPing:
			c.Send(Message{Event: EventPong})
		default:
			c.logger.WithField("event", msg.Event).Debug("未対応のイベントを無視しました")
		}
	}
}

// writePump は送信待ちのメッセージを書き込み、定期的にWebSocketのPingを送る。
func (c *client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.WithError(err).Debug("WebSocketへの書き込みに失敗")
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
