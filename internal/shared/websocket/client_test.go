package websocket

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// deadlineConn blocks in ReadMessage until its read deadline passes, like a socket with no traffic.
type deadlineConn struct {
	mu       sync.Mutex
	deadline time.Time
	changed  chan struct{}
}

func newDeadlineConn() *deadlineConn {
	return &deadlineConn{changed: make(chan struct{})}
}

func (c *deadlineConn) ReadMessage() (int, []byte, error) {
	for {
		c.mu.Lock()
		deadline, changed := c.deadline, c.changed
		c.mu.Unlock()

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return 0, nil, errors.New("i/o timeout")
		}
		var expired <-chan time.Time
		if !deadline.IsZero() {
			expired = time.After(time.Until(deadline))
		}
		select {
		case <-changed:
		case <-expired:
		}
	}
}

func (c *deadlineConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	close(c.changed)
	c.changed = make(chan struct{})
	return nil
}

func (c *deadlineConn) WriteMessage(int, []byte) error            { return nil }
func (c *deadlineConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *deadlineConn) SetReadLimit(int64)                        {}
func (c *deadlineConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *deadlineConn) SetPongHandler(func(appData string) error) {}
func (c *deadlineConn) RemoteAddr() net.Addr                      { return nil }
func (c *deadlineConn) Close() error                              { return nil }

func TestClient_ReadPumpStopsOnCancelWhileBlocked(t *testing.T) {
	hub, hubCtx := startHub(t)
	c := NewClient(hub, newDeadlineConn(), "idle")
	require.NoError(t, hub.Register(hubCtx, c))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.ReadPump(ctx)
	}()

	// give ReadPump time to block in ReadMessage
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReadPump still blocked after cancel")
	}
}
