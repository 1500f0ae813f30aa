package chatlink

import "errors"

var (
	// ErrNotConnected is returned by Send when the scope's connection is
	// closed or was never opened. Frames are only queued while a connect or
	// reconnect is in flight, never on a dead connection.
	ErrNotConnected = errors.New("chatlink: not connected")

	// ErrConnectionLost means the reconnect budget for a scope is exhausted.
	// The matching terminal event is published once on the connection_status
	// topic.
	ErrConnectionLost = errors.New("chatlink: connection lost")

	// ErrProtocolError wraps in-band "error" frames surfaced by typed
	// helpers.
	ErrProtocolError = errors.New("chatlink: protocol error")
)
