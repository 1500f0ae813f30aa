// Package conversation keeps the client-side view of chats and groups: an
// append-ordered message sequence per conversation, id-based dedup, the
// membership set, and the rolling last-message projection used by list views.
// The store is mutated only by applying inbound frames; rendering code reads
// snapshots.
package conversation

import (
	"sort"
	"sync"
	"time"

	"github.com/researchcopilot/chatlink-go-sdk/wire"
)

// Conversation types.
const (
	TypePrivate = "private"
	TypeGroup   = "group"
	TypeAI      = "ai"
)

// AIConversationID is the synthetic id of the single assistant conversation.
// The AI scope has no server-side conversation object, so its messages are
// buffered under this local id.
const AIConversationID = "ai_chat"

// Member is one membership record inside a conversation.
type Member struct {
	User       wire.UserInfo
	IsAdmin    bool
	MutedUntil time.Time
	JoinedAt   time.Time
}

// UploadStatus values for transient placeholder entries.
const (
	UploadRunning = "uploading"
	UploadDone    = "done"
	UploadError   = "error"
)

// Message is one entry in a conversation's sequence. Transient entries are
// upload placeholders produced by the uploads tracker; they never enter the
// stored sequence and only exist in the render projection.
type Message struct {
	ID          string
	Sender      wire.UserInfo
	TextContent string
	ContentType wire.ContentType
	Content     *wire.Attachment
	Mentions    []wire.Mention
	Timestamp   time.Time
	IsRead      bool

	Transient    bool
	Progress     int
	UploadStatus string
	UploadErr    string
}

// FromWire converts a wire message into a store entry.
func FromWire(m wire.MessageInfo) Message {
	return Message{
		ID:          m.ID,
		Sender:      m.Sender,
		TextContent: m.TextContent,
		ContentType: m.ContentType,
		Content:     m.Content,
		Mentions:    m.Mentions,
		Timestamp:   m.Time(),
		IsRead:      m.IsRead,
	}
}

// Conversation is a private chat, group, or the assistant buffer.
type Conversation struct {
	ID          string
	Type        string
	Name        string
	Messages    []Message
	Members     map[string]Member
	LastMessage *Message

	seen map[string]struct{}
}

func newConversation(id, typ string) *Conversation {
	return &Conversation{
		ID:      id,
		Type:    typ,
		Members: make(map[string]Member),
		seen:    make(map[string]struct{}),
	}
}

func memberFromWire(m wire.MemberInfo) Member {
	mem := Member{User: m.User, IsAdmin: m.IsAdmin}
	if m.MutedUntil > 0 {
		mem.MutedUntil = time.UnixMilli(m.MutedUntil)
	}
	if m.JoinedAt > 0 {
		mem.JoinedAt = time.UnixMilli(m.JoinedAt)
	}
	return mem
}

// Store is the process-wide conversation registry.
type Store struct {
	mu    sync.RWMutex
	convs map[string]*Conversation
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{convs: make(map[string]*Conversation)}
}

// Ensure returns the conversation with the given id, creating it with the
// given type when absent. Joining a chat can race the chats_list reply, so
// message application must not depend on the summary having arrived first.
func (s *Store) Ensure(id, typ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		s.convs[id] = newConversation(id, typ)
	}
}

// Upsert creates or refreshes a conversation from a server summary. The
// stored message sequence is untouched; summaries only carry the projection.
func (s *Store) Upsert(summary wire.ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(summary)
}

func (s *Store) upsertLocked(summary wire.ConversationSummary) {
	c, ok := s.convs[summary.ID]
	if !ok {
		c = newConversation(summary.ID, summary.Type)
		s.convs[summary.ID] = c
	}
	if summary.Type != "" {
		c.Type = summary.Type
	}
	if summary.Name != "" {
		c.Name = summary.Name
	}
	if summary.Members != nil {
		c.Members = make(map[string]Member, len(summary.Members))
		for _, m := range summary.Members {
			c.Members[m.User.ID] = memberFromWire(m)
		}
	}
	if summary.LastMessage != nil {
		last := FromWire(*summary.LastMessage)
		c.LastMessage = &last
	}
}

// ApplyList replaces the registry with the authoritative chats_list result.
// Conversations absent from the list are dropped, except the local assistant
// buffer which the server does not know about.
func (s *Store) ApplyList(chats []wire.ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	listed := make(map[string]struct{}, len(chats))
	for _, summary := range chats {
		listed[summary.ID] = struct{}{}
		s.upsertLocked(summary)
	}
	for id, c := range s.convs {
		if _, ok := listed[id]; !ok && c.Type != TypeAI {
			delete(s.convs, id)
		}
	}
}

// ApplyIncoming appends a message to the conversation's sequence unless its
// id has been seen before. Append order is arrival order; the sequence is
// never re-sorted. Returns false when the message was a duplicate or the
// conversation does not exist.
func (s *Store) ApplyIncoming(convID string, msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[convID]
	if !ok {
		return false
	}
	if _, dup := c.seen[msg.ID]; dup {
		return false
	}
	c.seen[msg.ID] = struct{}{}
	c.Messages = append(c.Messages, msg)
	last := msg
	c.LastMessage = &last
	return true
}

// Remove drops a conversation. Called when a chat_deleted / group_deleted
// confirmation frame arrives; deletion is never applied optimistically.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return false
	}
	delete(s.convs, id)
	return true
}

// SetMembers replaces a conversation's membership from an authoritative
// summary (members_added / members_removed notifications carry one).
func (s *Store) SetMembers(id string, members []wire.MemberInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return
	}
	c.Members = make(map[string]Member, len(members))
	for _, m := range members {
		c.Members[m.User.ID] = memberFromWire(m)
	}
}

// RemoveMembers drops the given user ids from a conversation's membership.
func (s *Store) RemoveMembers(id string, userIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return
	}
	for _, uid := range userIDs {
		delete(c.Members, uid)
	}
}

// Messages returns a snapshot of the stored sequence, in append order.
func (s *Store) Messages(id string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil
	}
	out := make([]Message, len(c.Messages))
	copy(out, c.Messages)
	return out
}

// Members returns a snapshot of a conversation's membership.
func (s *Store) Members(id string) []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil
	}
	out := make([]Member, 0, len(c.Members))
	for _, m := range c.Members {
		out = append(out, m)
	}
	return out
}

// LastMessage returns the rolling last-message projection, or nil.
func (s *Store) LastMessage(id string) *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok || c.LastMessage == nil {
		return nil
	}
	last := *c.LastMessage
	return &last
}

// Summary is the list-view row for one conversation.
type Summary struct {
	ID          string
	Type        string
	Name        string
	LastMessage *Message
	MemberCount int
}

// List returns all conversations ordered most-recently-active first.
func (s *Store) List() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Summary, 0, len(s.convs))
	for _, c := range s.convs {
		row := Summary{ID: c.ID, Type: c.Type, Name: c.Name, MemberCount: len(c.Members)}
		if c.LastMessage != nil {
			last := *c.LastMessage
			row.LastMessage = &last
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := time.Time{}, time.Time{}
		if out[i].LastMessage != nil {
			ti = out[i].LastMessage.Timestamp
		}
		if out[j].LastMessage != nil {
			tj = out[j].LastMessage.Timestamp
		}
		if ti.Equal(tj) {
			return out[i].ID < out[j].ID
		}
		return ti.After(tj)
	})
	return out
}

// Has reports whether a conversation exists.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.convs[id]
	return ok
}

// RenderOrder merges the stored sequence with transient upload placeholders
// for display, sorted ascending by timestamp. This is a read-time projection;
// the stored sequence keeps its append order.
func RenderOrder(stored, transient []Message) []Message {
	merged := make([]Message, 0, len(stored)+len(transient))
	merged = append(merged, stored...)
	merged = append(merged, transient...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged
}
