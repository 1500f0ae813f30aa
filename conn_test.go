package chatlink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/researchcopilot/chatlink-go-sdk/backoff"
	"github.com/researchcopilot/chatlink-go-sdk/wire"
)

// fakeTransport is an in-memory socket. Frames pushed into in come out of
// ReadMessage; writes are recorded.
type fakeTransport struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data, ok := <-t.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-t.closed:
		return errors.New("transport closed")
	default:
	}
	t.mu.Lock()
	t.writes = append(t.writes, append([]byte(nil), data...))
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// drop simulates the server side going away.
func (t *fakeTransport) drop() { t.Close() }

func (t *fakeTransport) written() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.writes))
	copy(out, t.writes)
	return out
}

func (t *fakeTransport) writtenTypes(tb testing.TB) []string {
	tb.Helper()
	var types []string
	for _, data := range t.written() {
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			tb.Fatalf("written frame not JSON: %v", err)
		}
		types = append(types, env.Type)
	}
	return types
}

// fakeDialer hands out fakeTransports, optionally failing the first N dials
// or blocking until released.
type fakeDialer struct {
	mu      sync.Mutex
	calls   int
	fail    int // dials that fail before one succeeds; -1 fails forever
	gate    chan struct{}
	current *fakeTransport
	history []*fakeTransport
}

func (d *fakeDialer) dial(ctx context.Context, url string) (Transport, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail == -1 || d.calls <= d.fail {
		return nil, errors.New("dial refused")
	}
	t := newFakeTransport()
	d.current = t
	d.history = append(d.history, t)
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) transport() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func testConfig(d *fakeDialer) Config {
	cfg := Config{
		Endpoint:   "ws://test",
		MaxRetries: 3,
		Backoff:    backoff.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dialer:     d.dial,
	}
	return cfg
}

// statusRecorder collects status events from the connection callback.
type statusRecorder struct {
	mu     sync.Mutex
	events []wire.StatusPayload
}

func (r *statusRecorder) record(p wire.StatusPayload) {
	r.mu.Lock()
	r.events = append(r.events, p)
	r.mu.Unlock()
}

func (r *statusRecorder) snapshot() []wire.StatusPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.StatusPayload, len(r.events))
	copy(out, r.events)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		// Yield instead of sleeping: time.Sleep has a ~1ms floor on
		// some kernels, which is too coarse to observe transient
		// states (e.g. reconnecting between 1ms retries).
		runtime.Gosched()
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectIdempotent(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig(d)
	c := newConn(ScopeChat, &cfg, func(Scope, wire.Frame) {}, nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
	if got := c.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestSendWhenClosed(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig(d)
	c := newConn(ScopeChat, &cfg, func(Scope, wire.Frame) {}, nil)

	if err := c.Send([]byte(`{"type":"send_message"}`)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send on idle = %v, want ErrNotConnected", err)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.Close()
	if err := c.Send([]byte(`{"type":"send_message"}`)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after close = %v, want ErrNotConnected", err)
	}
}

func TestQueueFlushedInOrder(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	cfg := testConfig(d)
	c := newConn(ScopeChat, &cfg, func(Scope, wire.Frame) {}, nil)
	defer c.Close()

	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background()) }()
	waitFor(t, "connecting state", func() bool { return c.State() == StateConnecting })

	// Queued while the dial is still in flight.
	if err := c.Send([]byte(`{"type":"join_chat"}`)); err != nil {
		t.Fatalf("queue send: %v", err)
	}
	if err := c.Send([]byte(`{"type":"send_message"}`)); err != nil {
		t.Fatalf("queue send: %v", err)
	}

	close(d.gate)
	if err := <-errc; err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Send([]byte(`{"type":"list_chats"}`)); err != nil {
		t.Fatalf("live send: %v", err)
	}

	want := []string{"join_chat", "send_message", "list_chats"}
	got := d.transport().writtenTypes(t)
	if len(got) != len(want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("write[%d] = %q, want %q (order broken)", i, got[i], want[i])
		}
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig(d)
	rec := &statusRecorder{}
	c := newConn(ScopeChat, &cfg, func(Scope, wire.Frame) {}, rec.record)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first := d.transport()

	first.drop()
	waitFor(t, "redial", func() bool { return d.dialCount() == 2 })
	waitFor(t, "reopen", func() bool { return c.State() == StateOpen })

	second := d.transport()
	if second == first {
		t.Fatal("reconnect reused the dropped transport")
	}
	if err := c.Send([]byte(`{"type":"send_message"}`)); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
	if got := second.writtenTypes(t); len(got) != 1 || got[0] != "send_message" {
		t.Fatalf("writes on new transport = %v", got)
	}

	var sawReconnecting bool
	for _, ev := range rec.snapshot() {
		if ev.State == "reconnecting" {
			sawReconnecting = true
		}
		if ev.Terminal {
			t.Fatalf("unexpected terminal event: %+v", ev)
		}
	}
	if !sawReconnecting {
		t.Fatal("no reconnecting status published")
	}
}

func TestQueuedDuringReconnectFlushed(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig(d)
	c := newConn(ScopeChat, &cfg, func(Scope, wire.Frame) {}, nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	d.transport().drop()
	waitFor(t, "reconnecting state", func() bool { return c.State() == StateReconnecting })

	if err := c.Send([]byte(`{"type":"join_chat"}`)); err != nil {
		t.Fatalf("send while reconnecting: %v", err)
	}

	waitFor(t, "reopen", func() bool { return c.State() == StateOpen })
	second := d.transport()
	waitFor(t, "flush", func() bool { return len(second.written()) == 1 })
	if got := second.writtenTypes(t); got[0] != "join_chat" {
		t.Fatalf("flushed frame = %q, want join_chat", got[0])
	}
}

func TestConnectionLostTerminal(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig(d)
	rec := &statusRecorder{}
	c := newConn(ScopeChat, &cfg, func(Scope, wire.Frame) {}, rec.record)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Every redial is refused from now on.
	d.mu.Lock()
	d.fail = -1
	d.mu.Unlock()
	d.transport().drop()

	waitFor(t, "budget exhausted", func() bool { return c.State() == StateClosed })

	var terminal int
	var attempts []int
	for _, ev := range rec.snapshot() {
		if ev.State == "reconnecting" {
			attempts = append(attempts, ev.Attempt)
		}
		if ev.Terminal {
			terminal++
			if ev.Error == "" {
				t.Fatal("terminal event missing error")
			}
		}
	}
	if terminal != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", terminal)
	}
	if len(attempts) != cfg.MaxRetries {
		t.Fatalf("reconnect attempts = %v, want %d", attempts, cfg.MaxRetries)
	}
	for i, a := range attempts {
		if a != i+1 {
			t.Fatalf("attempt sequence = %v", attempts)
		}
	}

	if err := c.Send([]byte(`{"type":"send_message"}`)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after loss = %v, want ErrNotConnected", err)
	}
}

func TestConnectWaitersShareOutcome(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	cfg := testConfig(d)
	c := newConn(ScopeChat, &cfg, func(Scope, wire.Frame) {}, nil)
	defer c.Close()

	results := make(chan error, 2)
	go func() { results <- c.Connect(context.Background()) }()
	waitFor(t, "connecting state", func() bool { return c.State() == StateConnecting })
	go func() { results <- c.Connect(context.Background()) }()

	close(d.gate)
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
}

func TestInboundFramesDecoded(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig(d)
	var mu sync.Mutex
	var frames []wire.Frame
	c := newConn(ScopeChat, &cfg, func(_ Scope, f wire.Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	}, nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	tr := d.transport()
	tr.in <- []byte(`{"type":"message","message":{"id":"m1"}}`)
	tr.in <- []byte(`not json`) // dropped silently
	tr.in <- []byte(`{"type":"error","message":"nope"}`)

	waitFor(t, "frames", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if frames[0].Type != "message" || frames[1].Type != "error" {
		t.Fatalf("frame types = %q, %q", frames[0].Type, frames[1].Type)
	}
}
