// Package wire defines the JSON frame types exchanged with the ReSearch chat
// backend. Every frame is a single JSON object carrying a "type" field; the
// remaining fields depend on the type. The payload structs here are the
// single source of truth for the socket contract.
package wire

import (
	"encoding/json"
	"errors"
	"time"
)

// Inbound frame types (server -> client).
const (
	TypeChatsList      = "chats_list"
	TypeChatCreated    = "chat_created"
	TypeGroupCreated   = "group_created"
	TypeChatDeleted    = "chat_deleted"
	TypeGroupDeleted   = "group_deleted"
	TypeMembersAdded   = "members_added"
	TypeMembersRemoved = "members_removed"
	TypeMessage        = "message"
	TypeGroupUpdate    = "group_update"
	TypeError          = "error"
)

// Outbound frame types (client -> server).
const (
	TypeJoinChat      = "join_chat"
	TypeLeaveChat     = "leave_chat"
	TypeJoinGroup     = "join_group"
	TypeLeaveGroup    = "leave_group"
	TypeSendMessage   = "send_message"
	TypeListChats     = "list_chats"
	TypeCreateChat    = "create_chat"
	TypeCreateGroup   = "create_group"
	TypeDeleteChat    = "delete_chat"
	TypeDeleteGroup   = "delete_group"
	TypeAddMembers    = "add_members"
	TypeRemoveMembers = "remove_members"
)

// TypeConnectionStatus is a local-only frame type. Connection state
// transitions are published on the reserved "connection_status" topic; these
// frames never cross the wire.
const TypeConnectionStatus = "connection_status"

// Routing topics. A topic names the subscriber group an inbound frame is
// dispatched to; scope names double as topics for scope-bound frames.
const (
	TopicManagement       = "management"
	TopicChat             = "chat"
	TopicGroup            = "group"
	TopicAIChat           = "ai_chat"
	TopicConnectionStatus = "connection_status"
)

var (
	ErrMalformedFrame = errors.New("wire: malformed frame")
	ErrUnknownType    = errors.New("wire: unknown frame type")
)

// Frame is one decoded wire unit. Raw holds the complete frame body so typed
// payloads can be unmarshalled lazily by whichever handler wants them.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// Decode parses an inbound frame. The only structural requirement is a
// non-empty "type" field; payload validation is left to the typed Unmarshal.
func Decode(data []byte) (Frame, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, ErrMalformedFrame
	}
	if env.Type == "" {
		return Frame{}, ErrMalformedFrame
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Frame{Type: env.Type, Raw: raw}, nil
}

// Encode serialises an outbound payload struct. The struct carries its own
// "type" field.
func Encode(payload any) ([]byte, error) {
	return json.Marshal(payload)
}

// Unmarshal decodes the frame body into a typed payload struct.
func (f Frame) Unmarshal(dst any) error {
	if err := json.Unmarshal(f.Raw, dst); err != nil {
		return ErrMalformedFrame
	}
	return nil
}

// Route maps an inbound frame type to its dispatch topic. Chat-list and
// membership changes always route to the management topic regardless of
// which socket they arrived on; message and error frames route to the topic
// named after the arrival scope. Unknown types return ok=false and are
// dropped by the dispatcher.
func Route(frameType, scope string) (topic string, ok bool) {
	switch frameType {
	case TypeChatsList, TypeChatCreated, TypeGroupCreated,
		TypeChatDeleted, TypeGroupDeleted,
		TypeMembersAdded, TypeMembersRemoved:
		return TopicManagement, true
	case TypeMessage, TypeError:
		return scope, true
	case TypeGroupUpdate:
		return TopicGroup, true
	case TypeConnectionStatus:
		return TopicConnectionStatus, true
	}
	return "", false
}

// ContentType classifies a message body, mirroring the backend's message
// model.
type ContentType string

const (
	ContentText     ContentType = "TEXT"
	ContentImage    ContentType = "IMAGE"
	ContentVideo    ContentType = "VIDEO"
	ContentAudio    ContentType = "AUDIO"
	ContentDocument ContentType = "DOCUMENT"
	ContentLocation ContentType = "LOCATION"
	ContentContact  ContentType = "CONTACT"
	ContentSticker  ContentType = "STICKER"
	ContentSystem   ContentType = "SYSTEM"
)

// UserInfo identifies a message sender or member.
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// MemberInfo is one membership record inside a conversation summary.
type MemberInfo struct {
	User       UserInfo `json:"user"`
	IsAdmin    bool     `json:"is_admin,omitempty"`
	MutedUntil int64    `json:"muted_until,omitempty"` // unix ms, 0 = not muted
	JoinedAt   int64    `json:"joined_at,omitempty"`   // unix ms
}

// Attachment describes an uploaded resource referenced by a message. The
// "type" field is the upload service's content classification, not a frame
// type.
type Attachment struct {
	Kind string `json:"type"`
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// Mention references a member called out in a message body.
type Mention struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// MessageInfo is the serialised message carried by a "message" frame.
type MessageInfo struct {
	ID          string      `json:"id"`
	ChatID      string      `json:"chat_id,omitempty"`
	GroupID     string      `json:"group_id,omitempty"`
	Sender      UserInfo    `json:"sender"`
	TextContent string      `json:"text_content,omitempty"`
	ContentType ContentType `json:"content_type,omitempty"`
	Content     *Attachment `json:"content,omitempty"`
	Mentions    []Mention   `json:"mentions,omitempty"`
	Timestamp   int64       `json:"timestamp,omitempty"` // unix ms
	IsRead      bool        `json:"is_read,omitempty"`
}

// Time converts the millisecond timestamp to time.Time. A zero timestamp
// maps to the zero time.
func (m MessageInfo) Time() time.Time {
	if m.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Timestamp)
}

// ConversationSummary is the list-view projection of a chat or group.
type ConversationSummary struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"` // "private" | "group"
	Name        string       `json:"name,omitempty"`
	Members     []MemberInfo `json:"members,omitempty"`
	LastMessage *MessageInfo `json:"last_message,omitempty"`
}

// --- Inbound payloads ---

// ChatsListPayload answers a list_chats request on the management topic.
type ChatsListPayload struct {
	Type  string                `json:"type"`
	Chats []ConversationSummary `json:"chats"`
}

// ChatCreatedPayload announces a new private chat to its participants.
type ChatCreatedPayload struct {
	Type string              `json:"type"`
	Chat ConversationSummary `json:"chat"`
}

// GroupCreatedPayload announces a new group to its members.
type GroupCreatedPayload struct {
	Type  string              `json:"type"`
	Group ConversationSummary `json:"group"`
}

// ChatDeletedPayload confirms a chat deletion.
type ChatDeletedPayload struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// GroupDeletedPayload confirms a group deletion.
type GroupDeletedPayload struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id"`
}

// MembersChangedPayload carries both members_added and members_removed.
// Group, when present, is the authoritative post-change summary.
type MembersChangedPayload struct {
	Type      string               `json:"type"`
	GroupID   string               `json:"group_id"`
	MemberIDs []string             `json:"member_ids"`
	Group     *ConversationSummary `json:"group,omitempty"`
}

// MessageEventPayload wraps a delivered message.
type MessageEventPayload struct {
	Type    string      `json:"type"`
	Message MessageInfo `json:"message"`
}

// GroupUpdatePayload carries miscellaneous group metadata changes.
type GroupUpdatePayload struct {
	Type       string               `json:"type"`
	UpdateType string               `json:"update_type,omitempty"`
	Group      *ConversationSummary `json:"group,omitempty"`
}

// ErrorPayload is the server's in-band error report.
type ErrorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StatusPayload is published locally on the connection_status topic for every
// connection state transition. Terminal is set exactly once per connection
// lifetime, when the reconnect budget is exhausted.
type StatusPayload struct {
	Type     string `json:"type"`
	Scope    string `json:"scope"`
	State    string `json:"state"`
	Attempt  int    `json:"attempt,omitempty"`
	Terminal bool   `json:"terminal,omitempty"`
	Error    string `json:"error,omitempty"`
}

// --- Outbound payloads ---

// JoinPayload covers join_chat / leave_chat / join_group / leave_group.
type JoinPayload struct {
	Type    string `json:"type"`
	ChatID  string `json:"chat_id,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}

// SendMessagePayload is a send_message request. Exactly one of ChatID and
// GroupID is set for chat/group scopes; both are empty on the AI scope.
type SendMessagePayload struct {
	Type        string      `json:"type"`
	ChatID      string      `json:"chat_id,omitempty"`
	GroupID     string      `json:"group_id,omitempty"`
	TextContent string      `json:"text_content,omitempty"`
	ContentType ContentType `json:"content_type"`
	Content     *Attachment `json:"content,omitempty"`
	Mentions    []Mention   `json:"mentions,omitempty"`
}

// ListChatsPayload requests the authoritative chat list; the reply arrives
// asynchronously as a chats_list frame.
type ListChatsPayload struct {
	Type string `json:"type"`
}

// CreateChatPayload opens a private chat with another user.
type CreateChatPayload struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// CreateGroupPayload creates a group with an initial member set.
type CreateGroupPayload struct {
	Type      string   `json:"type"`
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

// DeleteChatPayload requests chat deletion; removal is confirmed by a
// chat_deleted frame.
type DeleteChatPayload struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// DeleteGroupPayload requests group deletion; removal is confirmed by a
// group_deleted frame.
type DeleteGroupPayload struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id"`
}

// MembersPayload covers add_members / remove_members.
type MembersPayload struct {
	Type      string   `json:"type"`
	GroupID   string   `json:"group_id"`
	MemberIDs []string `json:"member_ids"`
}
