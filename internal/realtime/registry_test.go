package realtime

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn は送信されたメッセージを記録する接続。
type fakeConn struct {
	id     string
	userID string
	full   bool

	mu   sync.Mutex
	msgs []Message
}

func newFakeConn(id, userID string) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(msg Message) bool {
	if c.full {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return true
}

func (c *fakeConn) received() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	r := NewRegistry()
	t.Cleanup(r.Close)
	return r
}

// TestRegistry は接続の登録と解除を検証する。
func TestRegistry(t *testing.T) {
	t.Parallel()

	t.Run("1人のユーザーが複数の接続を持てる", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t)
		assert.Equal(t, 1, r.Register(newFakeConn("c-1", "user-a")))
		assert.Equal(t, 2, r.Register(newFakeConn("c-2", "user-a")))
		assert.Equal(t, 1, r.Register(newFakeConn("c-3", "user-b")))

		assert.Len(t, r.Connections("user-a"), 2)
		assert.Len(t, r.Connections("user-b"), 1)
		assert.Empty(t, r.Connections("user-c"))
		assert.Len(t, r.All(), 3)
		assert.Equal(t, 3, r.Count())
		assert.Equal(t, 2, r.Users())
	})

	t.Run("最後の接続を解除したユーザーは取り除かれる", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t)
		c1 := newFakeConn("c-1", "user-a")
		c2 := newFakeConn("c-2", "user-a")
		r.Register(c1)
		r.Register(c2)

		assert.Equal(t, 1, r.Unregister(c1))
		assert.Equal(t, 1, r.Users())
		assert.Equal(t, 0, r.Unregister(c2))
		assert.Equal(t, 0, r.Users())
		assert.Equal(t, 0, r.Unregister(c2))
	})

	t.Run("並行に登録しても全接続が残る", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t)
		var wg sync.WaitGroup
		for i := range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.Register(newFakeConn(fmt.Sprintf("c-%d", i), fmt.Sprintf("user-%d", i%5)))
			}()
		}
		wg.Wait()

		assert.Equal(t, 50, r.Count())
		assert.Equal(t, 5, r.Users())
		assert.Len(t, r.Connections("user-0"), 10)
	})

	t.Run("停止後の操作は何もしない", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		r.Register(newFakeConn("c-1", "user-a"))
		r.Close()
		r.Close()

		assert.Zero(t, r.Count())
		assert.Nil(t, r.Connections("user-a"))
		require.Zero(t, r.Register(newFakeConn("c-2", "user-a")))
	})
}
