package chatlink

import (
	"reflect"
	"sync"

	"github.com/researchcopilot/chatlink-go-sdk/wire"
)

// Handler receives frames dispatched on a subscribed topic.
type Handler func(wire.Frame)

type handlerEntry struct {
	id int64
	fn Handler
}

// Mux routes decoded frames to topic subscribers. Dispatch is synchronous in
// registration order; the handler list is snapshotted before iterating so a
// handler may unsubscribe itself (or others) mid-dispatch without skipping
// anyone for the current frame.
type Mux struct {
	mu       sync.RWMutex
	nextID   int64
	handlers map[string][]handlerEntry
}

// NewMux creates an empty multiplexer.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string][]handlerEntry)}
}

// OnMessage subscribes a handler to a topic and returns its unsubscribe
// function. The returned function removes exactly this registration and is
// safe to call more than once.
func (m *Mux) OnMessage(topic string, h Handler) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[topic] = append(m.handlers[topic], handlerEntry{id: id, fn: h})
	m.mu.Unlock()

	return func() { m.removeByID(topic, id) }
}

// OffMessage removes the most recent registration of h on topic. Prefer the
// unsubscribe function returned by OnMessage; OffMessage exists for callers
// holding only the handler value.
func (m *Mux) OffMessage(topic string, h Handler) {
	ptr := reflect.ValueOf(h).Pointer()
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.handlers[topic]
	for i := len(entries) - 1; i >= 0; i-- {
		if reflect.ValueOf(entries[i].fn).Pointer() == ptr {
			m.handlers[topic] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func (m *Mux) removeByID(topic string, id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.handlers[topic]
	for i, e := range entries {
		if e.id == id {
			m.handlers[topic] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Dispatch delivers a frame to every handler subscribed to topic, in
// registration order.
func (m *Mux) Dispatch(topic string, f wire.Frame) {
	m.mu.RLock()
	entries := m.handlers[topic]
	snapshot := make([]handlerEntry, len(entries))
	copy(snapshot, entries)
	m.mu.RUnlock()

	for _, e := range snapshot {
		e.fn(f)
	}
}

// Subscribers reports the current handler count on a topic.
func (m *Mux) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[topic])
}
