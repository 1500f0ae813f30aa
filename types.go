// Package chatlink provides a Go client for the ReSearch chat backend. It
// maintains one WebSocket per scope, reconnects with capped exponential
// backoff, routes inbound frames to topic subscribers, and provides typed
// helpers for common operations (chats, groups, AI chat, uploads).
package chatlink

import (
	"context"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/researchcopilot/chatlink-go-sdk/wire"
)

// Scope names one backend socket endpoint. Each scope gets its own
// connection and its own reconnect budget.
type Scope string

const (
	ScopeManagement Scope = wire.TopicManagement
	ScopeChat       Scope = wire.TopicChat
	ScopeGroup      Scope = wire.TopicGroup
	ScopeAIChat     Scope = wire.TopicAIChat
)

// Scopes lists every socket scope the manager can open.
func Scopes() []Scope {
	return []Scope{ScopeManagement, ScopeChat, ScopeGroup, ScopeAIChat}
}

// ConnState is the lifecycle state of one scope's connection.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Transport is one established socket. The default implementation wraps a
// gobwas/ws client connection; tests substitute in-memory fakes.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Transport to a socket URL.
type Dialer func(ctx context.Context, url string) (Transport, error)

type wsTransport struct {
	conn net.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	return wsutil.ReadServerText(t.conn)
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return wsutil.WriteClientText(t.conn, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func defaultDialer(ctx context.Context, url string) (Transport, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}
