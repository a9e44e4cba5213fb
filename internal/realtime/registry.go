package realtime

import "sync"

// Conn はレジストリに登録するクライアント接続。
type Conn interface {
	// ID は接続の一意識別子。
	ID() string
	// UserID は接続を認証したユーザーのID。
	UserID() string
	// Send はメッセージを送信待ちに積む。接続が閉じているか送信待ちが一杯ならfalseを返す。
	Send(msg Message) bool
}

// Registry はユーザーIDごとの接続を管理する。
// 状態は1つのゴルーチンだけが所有し、他のゴルーチンからは操作を送って変更する。
// プロセス内だけの状態で、複数インスタンス間では共有しない。
type Registry struct {
	ops       chan func(conns map[string]map[string]Conn)
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewRegistry は新しいRegistryを生成し、状態を所有するゴルーチンを起動する。
// 使い終わったらCloseを呼ぶ。
func NewRegistry() *Registry {
	r := &Registry{
		ops:     make(chan func(map[string]map[string]Conn)),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Registry) loop() {
	defer close(r.stopped)
	conns := make(map[string]map[string]Conn)
	for {
		select {
		case op := <-r.ops:
			op(conns)
		case <-r.quit:
			return
		}
	}
}

// Close は状態を所有するゴルーチンを停止する。停止後の操作は何もしない。
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.quit) })
	<-r.stopped
}

// do は操作を状態の所有者に渡し、完了を待つ。停止済みならfalseを返す。
func (r *Registry) do(fn func(conns map[string]map[string]Conn)) bool {
	done := make(chan struct{})
	op := func(conns map[string]map[string]Conn) {
		fn(conns)
		close(done)
	}
	select {
	case r.ops <- op:
		<-done
		return true
	case <-r.stopped:
		return false
	}
}

// Register は接続をユーザーIDに紐づけて登録し、そのユーザーの接続数を返す。
func (r *Registry) Register(c Conn) int {
	var n int
	r.do(func(conns map[string]map[string]Conn) {
		set, ok := conns[c.UserID()]
		if !ok {
			set = make(map[string]Conn)
			conns[c.UserID()] = set
		}
		set[c.ID()] = c
		n = len(set)
	})
	return n
}

// Unregister は接続の登録を解除し、そのユーザーの残りの接続数を返す。
// 最後の接続を解除したユーザーはレジストリから取り除く。
func (r *Registry) Unregister(c Conn) int {
	var n int
	r.do(func(conns map[string]map[string]Conn) {
		set, ok := conns[c.UserID()]
		if !ok {
			return
		}
		delete(set, c.ID())
		n = len(set)
		if n == 0 {
			delete(conns, c.UserID())
		}
	})
	return n
}

// Connections はユーザーの全接続を返す。
func (r *Registry) Connections(userID string) []Conn {
	var out []Conn
	r.do(func(conns map[string]map[string]Conn) {
		for _, c := range conns[userID] {
			out = append(out, c)
		}
	})
	return out
}

// All は全ユーザーの全接続を返す。
func (r *Registry) All() []Conn {
	var out []Conn
	r.do(func(conns map[string]map[string]Conn) {
		for _, set := range conns {
			for _, c := range set {
				out = append(out, c)
			}
		}
	})
	return out
}

// Count は全接続数を返す。
func (r *Registry) Count() int {
	var n int
	r.do(func(conns map[string]map[string]Conn) {
		for _, set := range conns {
			n += len(set)
		}
	})
	return n
}

// Users は接続中のユーザー数を返す。
func (r *Registry) Users() int {
	var n int
	r.do(func(conns map[string]map[string]Conn) {
		n = len(conns)
	})
	return n
}
