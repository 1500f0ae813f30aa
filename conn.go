package chatlink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/researchcopilot/chatlink-go-sdk/backoff"
	"github.com/researchcopilot/chatlink-go-sdk/wire"
)

// Conn manages one scope's socket: connect, queue-while-connecting, read
// loop, and the bounded reconnect cycle. Frames accepted while a connect or
// reconnect is in flight are queued and flushed in FIFO order the moment the
// socket opens; frames written to an open socket are never retried, so
// delivery is at most once.
type Conn struct {
	scope      Scope
	url        string
	dial       Dialer
	policy     backoff.Policy
	maxRetries int
	logger     *slog.Logger
	metrics    *Metrics

	onFrame  func(Scope, wire.Frame)
	onStatus func(wire.StatusPayload)

	mu       sync.Mutex
	state    ConnState
	tr       Transport
	queue    [][]byte
	gen      int // connection generation, guards stale read loops
	ready    chan struct{}
	readyErr error
	lostOnce bool
	cancel   context.CancelFunc // stops an in-flight retry loop
}

func newConn(scope Scope, cfg *Config, onFrame func(Scope, wire.Frame), onStatus func(wire.StatusPayload)) *Conn {
	return &Conn{
		scope:      scope,
		url:        cfg.socketURL(scope),
		dial:       cfg.Dialer,
		policy:     cfg.Backoff,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger.With("scope", string(scope)),
		metrics:    cfg.Metrics,
		onFrame:    onFrame,
		onStatus:   onStatus,
		state:      StateIdle,
	}
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect brings the connection up. It is idempotent: on an open connection
// it returns immediately, and concurrent callers during an in-flight attempt
// all wait for the same outcome.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		ready := c.ready
		c.mu.Unlock()
		return c.await(ctx, ready)
	}
	c.state = StateConnecting
	c.lostOnce = false
	c.readyErr = nil
	c.ready = make(chan struct{})
	ready := c.ready
	c.mu.Unlock()

	c.publishStatus(StateConnecting, 0, false, nil)

	if err := c.establish(ctx); err != nil {
		c.mu.Lock()
		// Close may have raced the dial and settled the channel already.
		settled := c.ready != ready
		if !settled {
			c.state = StateClosed
			c.readyErr = err
			c.ready = nil
		}
		c.mu.Unlock()
		if !settled {
			close(ready)
			c.publishStatus(StateClosed, 0, false, err)
		}
		return err
	}
	return nil
}

func (c *Conn) await(ctx context.Context, ready chan struct{}) error {
	if ready == nil {
		return ErrNotConnected
	}
	select {
	case <-ready:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// establish dials, flushes the pending queue, and starts the read loop. The
// queue is drained before the ready channel closes, so frames sent by
// waiters after Connect returns always land behind the queued ones.
func (c *Conn) establish(ctx context.Context) error {
	tr, err := c.dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.scope, err)
	}

	c.mu.Lock()
	if c.state != StateConnecting && c.state != StateReconnecting {
		// Disconnect raced the dial.
		c.mu.Unlock()
		tr.Close()
		return ErrNotConnected
	}
	c.gen++
	gen := c.gen
	c.tr = tr
	queue := c.queue
	c.queue = nil
	for _, data := range queue {
		if err := tr.WriteMessage(data); err != nil {
			c.logger.Warn("flush failed, dropping queued frame", "error", err)
			c.metrics.sendFailure(c.scope)
		}
	}
	c.state = StateOpen
	c.readyErr = nil
	ready := c.ready
	c.ready = nil
	c.mu.Unlock()

	if ready != nil {
		close(ready)
	}
	c.publishStatus(StateOpen, 0, false, nil)
	c.logger.Info("socket open", "url", c.url)

	go c.readLoop(gen, tr)
	return nil
}

// Send writes an encoded frame. Open connections write immediately; while a
// connect or reconnect is in flight the frame is queued; otherwise
// ErrNotConnected. A failed write is not retried.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		tr := c.tr
		err := tr.WriteMessage(data)
		c.mu.Unlock()
		if err != nil {
			c.metrics.sendFailure(c.scope)
			return fmt.Errorf("send on %s: %w", c.scope, err)
		}
		return nil
	case StateConnecting, StateReconnecting:
		c.queue = append(c.queue, data)
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		return ErrNotConnected
	}
}

// Close tears the connection down deliberately: cancels any retry loop,
// drops queued frames, and fails pending Connect waiters.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	tr := c.tr
	c.tr = nil
	c.queue = nil
	c.gen++ // invalidate the read loop's drop handling
	ready := c.ready
	c.ready = nil
	c.readyErr = ErrNotConnected
	c.state = StateClosed
	c.mu.Unlock()

	if ready != nil {
		close(ready)
	}
	var err error
	if tr != nil {
		err = tr.Close()
	}
	c.publishStatus(StateClosed, 0, false, nil)
	return err
}

func (c *Conn) readLoop(gen int, tr Transport) {
	for {
		data, err := tr.ReadMessage()
		if err != nil {
			c.dropped(gen, err)
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			c.logger.Debug("bad frame", "error", err)
			c.metrics.frameDropped()
			continue
		}
		c.onFrame(c.scope, f)
	}
}

// dropped handles a read failure. Deliberate closes and stale generations
// are ignored; an unexpected drop starts the reconnect cycle.
func (c *Conn) dropped(gen int, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("read error, reconnecting", "error", cause)
	if c.tr != nil {
		c.tr.Close()
		c.tr = nil
	}
	c.state = StateReconnecting
	c.ready = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go c.retryLoop(ctx)
}

// retryLoop runs the bounded reconnect cycle. Exhausting the budget closes
// the connection and publishes the terminal lost event exactly once.
func (c *Conn) retryLoop(ctx context.Context) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		c.publishStatus(StateReconnecting, attempt, false, lastErr)
		c.metrics.reconnectAttempt(c.scope)

		select {
		case <-time.After(c.policy.Duration(attempt)):
		case <-ctx.Done():
			return
		}

		err := c.establish(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}

	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.queue = nil
	c.readyErr = ErrConnectionLost
	ready := c.ready
	c.ready = nil
	c.cancel = nil
	terminal := !c.lostOnce
	c.lostOnce = true
	c.mu.Unlock()

	if ready != nil {
		close(ready)
	}
	if terminal {
		c.logger.Error("connection lost", "attempts", c.maxRetries)
		c.publishStatus(StateClosed, c.maxRetries, true, ErrConnectionLost)
	}
}

func (c *Conn) publishStatus(state ConnState, attempt int, terminal bool, cause error) {
	if c.onStatus == nil {
		return
	}
	p := wire.StatusPayload{
		Type:     wire.TypeConnectionStatus,
		Scope:    string(c.scope),
		State:    state.String(),
		Attempt:  attempt,
		Terminal: terminal,
	}
	if cause != nil {
		p.Error = cause.Error()
	}
	c.onStatus(p)
}
