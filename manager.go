package chatlink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/researchcopilot/chatlink-go-sdk/wire"
)

// Manager owns one Conn per scope and the frame multiplexer. Inbound frames
// are routed by type to their topic; connection state transitions are
// synthesized into local connection_status frames on the reserved topic.
type Manager struct {
	cfg Config
	mux *Mux

	mu    sync.Mutex
	conns map[Scope]*Conn
	down  bool
}

// NewManager builds a manager from config. No sockets are opened until
// Connect.
func NewManager(cfg Config) *Manager {
	cfg.withDefaults()
	m := &Manager{
		cfg:   cfg,
		mux:   NewMux(),
		conns: make(map[Scope]*Conn),
	}
	return m
}

// Connect brings up the socket for a scope, creating the connection on first
// use. Idempotent on an open scope.
func (m *Manager) Connect(ctx context.Context, scope Scope) error {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return ErrNotConnected
	}
	c, ok := m.conns[scope]
	if !ok {
		c = newConn(scope, &m.cfg, m.dispatch, m.dispatchStatus)
		m.conns[scope] = c
	}
	m.mu.Unlock()
	return c.Connect(ctx)
}

// Send encodes a payload and writes it on the scope's socket, queueing it if
// a connect or reconnect is in flight.
func (m *Manager) Send(scope Scope, payload any) error {
	m.mu.Lock()
	c, ok := m.conns[scope]
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	data, err := wire.Encode(payload)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return c.Send(data)
}

// Disconnect closes one scope's socket, dropping any queued frames.
func (m *Manager) Disconnect(scope Scope) error {
	m.mu.Lock()
	c, ok := m.conns[scope]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

// State reports a scope's connection state.
func (m *Manager) State(scope Scope) ConnState {
	m.mu.Lock()
	c, ok := m.conns[scope]
	m.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return c.State()
}

// Shutdown closes every socket. The manager accepts no further connects.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.down = true
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// OnMessage subscribes a handler to a topic; the return value unsubscribes.
// Topics are the scope names plus the reserved connection_status topic.
func (m *Manager) OnMessage(topic string, h Handler) func() {
	return m.mux.OnMessage(topic, h)
}

// OffMessage removes the most recent registration of h on topic.
func (m *Manager) OffMessage(topic string, h Handler) {
	m.mux.OffMessage(topic, h)
}

// dispatch routes one inbound frame to its topic.
func (m *Manager) dispatch(scope Scope, f wire.Frame) {
	topic, ok := wire.Route(f.Type, string(scope))
	if !ok {
		m.cfg.Logger.Warn("unroutable frame dropped", "type", f.Type, "scope", string(scope))
		m.cfg.Metrics.frameDropped()
		return
	}
	m.cfg.Metrics.frameDispatched(topic)
	m.mux.Dispatch(topic, f)
}

// dispatchStatus publishes a connection state transition as a local frame on
// the connection_status topic.
func (m *Manager) dispatchStatus(p wire.StatusPayload) {
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	f := wire.Frame{Type: wire.TypeConnectionStatus, Raw: raw}
	m.cfg.Metrics.frameDispatched(wire.TopicConnectionStatus)
	m.mux.Dispatch(wire.TopicConnectionStatus, f)
}
