// Package logstream maintains the long-lived websocket connection to a
// miner's live log feed, independent of the polling cycle.
package logstream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// wsConn is the slice of *websocket.Conn the client needs; tests substitute
// a scripted implementation.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type dialFunc func(ctx context.Context, endpoint string) (wsConn, error)

func gorillaDial(ctx context.Context, endpoint string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Client connects to one device's ws://.../api/ws endpoint and fans every
// inbound text frame out to current subscribers in arrival order. A
// subscriber that attaches after a frame arrived does not see it.
type Client struct {
	dial dialFunc
	// retryInterval pins the backoff delay; zero means exponential defaults.
	retryInterval time.Duration

	mu            sync.Mutex
	state         State
	conn          wsConn
	cancel        context.CancelFunc
	autoReconnect bool
	maxAttempts   int
	attempts      int
	// gen identifies the current connection lifecycle. Close and Connect both
	// bump it, so a superseded run goroutine cannot write state that belongs
	// to a newer lifecycle.
	gen     uint64
	nextSub int
	subs    map[int]chan string
}

func NewClient() *Client {
	return &Client{dial: gorillaDial, subs: make(map[int]chan string)}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetAutoReconnect arms bounded reconnection. Exceeding maxAttempts parks
// the client in terminal disconnected until Connect is called again.
func (c *Client) SetAutoReconnect(enabled bool, maxAttempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReconnect = enabled
	c.maxAttempts = maxAttempts
}

// Subscribe attaches a listener for raw log lines. The returned cancel
// detaches it. Slow subscribers lose frames rather than stalling delivery.
func (c *Client) Subscribe() (<-chan string, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan string, 64)
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// Connect starts the connection loop. Calling it while already connecting or
// connected is a no-op; calling it after the retry budget was exhausted
// resets the attempt counter and resumes.
func (c *Client) Connect(endpoint string) {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected || c.state == StateReconnecting {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = StateConnecting
	c.attempts = 0
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.run(ctx, endpoint, gen)
}

// Close cancels any in-flight reconnect attempt and transitions to terminal
// disconnected. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()
}

func (c *Client) run(ctx context.Context, endpoint string, gen uint64) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 15 * time.Second
	if c.retryInterval > 0 {
		bo.InitialInterval = c.retryInterval
		bo.MaxInterval = c.retryInterval
	}

	for {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.attempts++
		c.mu.Unlock()

		conn, err := c.dial(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				c.transition(gen, StateDisconnected)
				return
			}
			if !c.scheduleRetry(ctx, endpoint, bo, gen) {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.gen != gen || ctx.Err() != nil {
			// Superseded or closed while the dial was in flight; do not leak
			// the socket.
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.state = StateConnected
		c.attempts = 0
		c.mu.Unlock()
		bo.Reset()
		slog.Debug("log stream connected", "endpoint", endpoint)

		c.readLoop(ctx, conn)

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.conn = nil
		c.state = StateDisconnected
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if !c.scheduleRetry(ctx, endpoint, bo, gen) {
			return
		}
	}
}

// scheduleRetry waits out the backoff delay before the next dial. It returns
// false when retrying is disabled, the attempt budget (counted in dials) is
// spent, the lifecycle was superseded, or the client was closed mid-wait.
func (c *Client) scheduleRetry(ctx context.Context, endpoint string, bo *backoff.ExponentialBackOff, gen uint64) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	budgetSpent := c.maxAttempts > 0 && c.attempts >= c.maxAttempts
	if !c.autoReconnect || budgetSpent {
		c.state = StateDisconnected
		c.mu.Unlock()
		if budgetSpent {
			slog.Warn("log stream gave up reconnecting", "endpoint", endpoint)
		}
		return false
	}
	attempt := c.attempts
	c.state = StateReconnecting
	c.mu.Unlock()

	delay := bo.NextBackOff()
	slog.Debug("log stream reconnect scheduled", "endpoint", endpoint, "attempt", attempt, "delay", delay)
	select {
	case <-ctx.Done():
		c.transition(gen, StateDisconnected)
		return false
	case <-time.After(delay):
		return true
	}
}

func (c *Client) readLoop(ctx context.Context, conn wsConn) {
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		c.publish(string(payload))
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) publish(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		select {
		case sub <- line:
		default:
			// Slow subscriber; drop the frame for it.
		}
	}
}

// transition applies a state change only if the lifecycle it belongs to is
// still current.
func (c *Client) transition(gen uint64, s State) {
	c.mu.Lock()
	if c.gen == gen {
		c.state = s
	}
	c.mu.Unlock()
}
