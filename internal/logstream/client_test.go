package logstream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// scriptConn replays canned frames, then blocks until closed.
type scriptConn struct {
	frames []string
	i      int
	closed chan struct{}
}

func newScriptConn(frames ...string) *scriptConn {
	return &scriptConn{frames: frames, closed: make(chan struct{})}
}

func (c *scriptConn) ReadMessage() (int, []byte, error) {
	if c.i < len(c.frames) {
		f := c.frames[c.i]
		c.i++
		return websocket.TextMessage, []byte(f), nil
	}
	<-c.closed
	return 0, nil, errors.New("connection closed")
}

func (c *scriptConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestReconnectBudgetExhaustedIsTerminal(t *testing.T) {
	var dials atomic.Int32
	c := NewClient()
	c.retryInterval = time.Millisecond
	c.dial = func(ctx context.Context, endpoint string) (wsConn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}
	c.SetAutoReconnect(true, 5)
	c.Connect("ws://10.0.0.9/api/ws")

	waitFor(t, 2*time.Second, func() bool { return c.State() == StateDisconnected && dials.Load() >= 5 })
	// Give a would-be 6th attempt room to happen, then verify it did not.
	time.Sleep(50 * time.Millisecond)
	if got := dials.Load(); got != 5 {
		t.Fatalf("expected exactly 5 dial attempts, got %d", got)
	}

	// Explicit Connect resets the budget and resumes dialing.
	c.Connect("ws://10.0.0.9/api/ws")
	waitFor(t, 2*time.Second, func() bool { return dials.Load() >= 6 })
	c.Close()
}

func TestNoReconnectWhenDisabled(t *testing.T) {
	var dials atomic.Int32
	c := NewClient()
	c.retryInterval = time.Millisecond
	c.dial = func(ctx context.Context, endpoint string) (wsConn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}
	c.Connect("ws://10.0.0.9/api/ws")
	waitFor(t, time.Second, func() bool { return c.State() == StateDisconnected })
	time.Sleep(20 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Fatalf("expected a single attempt with auto-reconnect off, got %d", got)
	}
}

func TestSubscribersReceiveFramesInOrder(t *testing.T) {
	conn := newScriptConn("line one", "line two")
	c := NewClient()
	c.dial = func(ctx context.Context, endpoint string) (wsConn, error) { return conn, nil }

	early, cancelEarly := c.Subscribe()
	defer cancelEarly()

	c.Connect("ws://10.0.0.9/api/ws")
	var got []string
	for len(got) < 2 {
		select {
		case line := <-early:
			got = append(got, line)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for frames, got %v", got)
		}
	}
	if got[0] != "line one" || got[1] != "line two" {
		t.Fatalf("frames out of order: %v", got)
	}

	// A late subscriber sees nothing retroactively.
	late, cancelLate := c.Subscribe()
	defer cancelLate()
	select {
	case line := <-late:
		t.Fatalf("late subscriber received replayed frame %q", line)
	case <-time.After(50 * time.Millisecond):
	}
	c.Close()
}

func TestConnectWhileConnectedIsNoOp(t *testing.T) {
	var dials atomic.Int32
	c := NewClient()
	c.dial = func(ctx context.Context, endpoint string) (wsConn, error) {
		dials.Add(1)
		return newScriptConn(), nil
	}
	c.Connect("ws://10.0.0.9/api/ws")
	waitFor(t, time.Second, func() bool { return c.State() == StateConnected })
	c.Connect("ws://10.0.0.9/api/ws")
	c.Connect("ws://10.0.0.9/api/ws")
	time.Sleep(20 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Fatalf("expected 1 dial, got %d", got)
	}
	c.Close()
}

func TestCloseThenConnectKeepsNewLifecycleState(t *testing.T) {
	// The first lifecycle gets a live connection; every later dial fails so
	// the second lifecycle parks in reconnecting. The first lifecycle's run
	// goroutine unwinds concurrently and must not overwrite that state.
	first := newScriptConn()
	var dials atomic.Int32
	c := NewClient()
	c.retryInterval = time.Hour
	c.dial = func(ctx context.Context, endpoint string) (wsConn, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return nil, errors.New("connection refused")
	}
	c.SetAutoReconnect(true, 100)

	c.Connect("ws://10.0.0.9/api/ws")
	waitFor(t, time.Second, func() bool { return c.State() == StateConnected })

	c.Close()
	c.Connect("ws://10.0.0.9/api/ws")

	waitFor(t, time.Second, func() bool { return c.State() == StateReconnecting })
	// Let the old goroutine finish unwinding, then verify it changed nothing.
	time.Sleep(50 * time.Millisecond)
	if got := c.State(); got != StateReconnecting {
		t.Fatalf("stale lifecycle clobbered state: %v", got)
	}
	c.Close()
}

func TestCloseIsIdempotentAndCancelsRetry(t *testing.T) {
	c := NewClient()
	c.retryInterval = time.Hour // park the retry wait so Close must cut it short
	c.dial = func(ctx context.Context, endpoint string) (wsConn, error) {
		return nil, errors.New("connection refused")
	}
	c.SetAutoReconnect(true, 100)
	c.Connect("ws://10.0.0.9/api/ws")
	waitFor(t, time.Second, func() bool { return c.State() == StateReconnecting })

	c.Close()
	c.Close()
	waitFor(t, time.Second, func() bool { return c.State() == StateDisconnected })
}
