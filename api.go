package chatlink

import (
	"context"
	"log/slog"
	"sync"

	"github.com/researchcopilot/chatlink-go-sdk/conversation"
	"github.com/researchcopilot/chatlink-go-sdk/wire"
)

// OutgoingMessage is the content of a send. ContentType defaults to TEXT.
type OutgoingMessage struct {
	Text        string
	ContentType wire.ContentType
	Attachment  *wire.Attachment
	Mentions    []wire.Mention
}

func (m OutgoingMessage) contentType() wire.ContentType {
	if m.ContentType == "" {
		return wire.ContentText
	}
	return m.ContentType
}

// ChatAPI is the typed facade over the connection manager. Joins and sends
// bring the scope's socket up first; leaves and deletes are fire-and-forget
// because their effect lands as an inbound confirmation frame. Sends are
// never echoed locally, so a message appears exactly once, when the server
// delivers it back.
type ChatAPI struct {
	mgr    *Manager
	logger *slog.Logger

	mu     sync.RWMutex
	joined map[Scope]map[string]struct{}
}

// NewChatAPI wraps a manager.
func NewChatAPI(mgr *Manager) *ChatAPI {
	return &ChatAPI{
		mgr:    mgr,
		logger: mgr.cfg.Logger,
		joined: make(map[Scope]map[string]struct{}),
	}
}

// --- Chat scope ---

// JoinChat subscribes to a private chat's message stream.
func (a *ChatAPI) JoinChat(ctx context.Context, chatID string) error {
	if err := a.mgr.Connect(ctx, ScopeChat); err != nil {
		return err
	}
	if err := a.mgr.Send(ScopeChat, wire.JoinPayload{Type: wire.TypeJoinChat, ChatID: chatID}); err != nil {
		return err
	}
	a.track(ScopeChat, chatID)
	return nil
}

// LeaveChat unsubscribes from a chat. Fire and forget.
func (a *ChatAPI) LeaveChat(chatID string) {
	a.untrack(ScopeChat, chatID)
	if err := a.mgr.Send(ScopeChat, wire.JoinPayload{Type: wire.TypeLeaveChat, ChatID: chatID}); err != nil {
		a.logger.Debug("leave_chat not sent", "chat_id", chatID, "error", err)
	}
}

// SendChatMessage sends a message into a private chat.
func (a *ChatAPI) SendChatMessage(ctx context.Context, chatID string, msg OutgoingMessage) error {
	if err := a.mgr.Connect(ctx, ScopeChat); err != nil {
		return err
	}
	return a.mgr.Send(ScopeChat, wire.SendMessagePayload{
		Type:        wire.TypeSendMessage,
		ChatID:      chatID,
		TextContent: msg.Text,
		ContentType: msg.contentType(),
		Content:     msg.Attachment,
		Mentions:    msg.Mentions,
	})
}

// --- Group scope ---

// JoinGroup subscribes to a group's message stream.
func (a *ChatAPI) JoinGroup(ctx context.Context, groupID string) error {
	if err := a.mgr.Connect(ctx, ScopeGroup); err != nil {
		return err
	}
	if err := a.mgr.Send(ScopeGroup, wire.JoinPayload{Type: wire.TypeJoinGroup, GroupID: groupID}); err != nil {
		return err
	}
	a.track(ScopeGroup, groupID)
	return nil
}

// LeaveGroup unsubscribes from a group. Fire and forget.
func (a *ChatAPI) LeaveGroup(groupID string) {
	a.untrack(ScopeGroup, groupID)
	if err := a.mgr.Send(ScopeGroup, wire.JoinPayload{Type: wire.TypeLeaveGroup, GroupID: groupID}); err != nil {
		a.logger.Debug("leave_group not sent", "group_id", groupID, "error", err)
	}
}

// SendGroupMessage sends a message into a group.
func (a *ChatAPI) SendGroupMessage(ctx context.Context, groupID string, msg OutgoingMessage) error {
	if err := a.mgr.Connect(ctx, ScopeGroup); err != nil {
		return err
	}
	return a.mgr.Send(ScopeGroup, wire.SendMessagePayload{
		Type:        wire.TypeSendMessage,
		GroupID:     groupID,
		TextContent: msg.Text,
		ContentType: msg.contentType(),
		Content:     msg.Attachment,
		Mentions:    msg.Mentions,
	})
}

// --- AI scope ---

// SendAIChatMessage sends a message to the assistant. The AI scope has no
// conversation ids.
func (a *ChatAPI) SendAIChatMessage(ctx context.Context, msg OutgoingMessage) error {
	if err := a.mgr.Connect(ctx, ScopeAIChat); err != nil {
		return err
	}
	return a.mgr.Send(ScopeAIChat, wire.SendMessagePayload{
		Type:        wire.TypeSendMessage,
		TextContent: msg.Text,
		ContentType: msg.contentType(),
		Content:     msg.Attachment,
		Mentions:    msg.Mentions,
	})
}

// --- Management scope ---

// ListAllChats requests the authoritative conversation list; the reply
// arrives as a chats_list frame on the management topic.
func (a *ChatAPI) ListAllChats(ctx context.Context) error {
	if err := a.mgr.Connect(ctx, ScopeManagement); err != nil {
		return err
	}
	return a.mgr.Send(ScopeManagement, wire.ListChatsPayload{Type: wire.TypeListChats})
}

// CreateChat opens a private chat with another user. The new chat is
// announced by a chat_created frame.
func (a *ChatAPI) CreateChat(ctx context.Context, userID string) error {
	if err := a.mgr.Connect(ctx, ScopeManagement); err != nil {
		return err
	}
	return a.mgr.Send(ScopeManagement, wire.CreateChatPayload{Type: wire.TypeCreateChat, UserID: userID})
}

// CreateGroup creates a group with an initial member set, announced by a
// group_created frame.
func (a *ChatAPI) CreateGroup(ctx context.Context, name string, memberIDs []string) error {
	if err := a.mgr.Connect(ctx, ScopeManagement); err != nil {
		return err
	}
	return a.mgr.Send(ScopeManagement, wire.CreateGroupPayload{
		Type:      wire.TypeCreateGroup,
		Name:      name,
		MemberIDs: memberIDs,
	})
}

// DeleteChat requests chat deletion. Fire and forget: removal happens when
// the chat_deleted confirmation arrives.
func (a *ChatAPI) DeleteChat(chatID string) {
	if err := a.mgr.Send(ScopeManagement, wire.DeleteChatPayload{Type: wire.TypeDeleteChat, ChatID: chatID}); err != nil {
		a.logger.Debug("delete_chat not sent", "chat_id", chatID, "error", err)
	}
}

// DeleteGroup requests group deletion. Fire and forget.
func (a *ChatAPI) DeleteGroup(groupID string) {
	if err := a.mgr.Send(ScopeManagement, wire.DeleteGroupPayload{Type: wire.TypeDeleteGroup, GroupID: groupID}); err != nil {
		a.logger.Debug("delete_group not sent", "group_id", groupID, "error", err)
	}
}

// AddMembers adds users to a group.
func (a *ChatAPI) AddMembers(ctx context.Context, groupID string, memberIDs []string) error {
	if err := a.mgr.Connect(ctx, ScopeManagement); err != nil {
		return err
	}
	return a.mgr.Send(ScopeManagement, wire.MembersPayload{
		Type:      wire.TypeAddMembers,
		GroupID:   groupID,
		MemberIDs: memberIDs,
	})
}

// RemoveMembers removes users from a group.
func (a *ChatAPI) RemoveMembers(ctx context.Context, groupID string, memberIDs []string) error {
	if err := a.mgr.Connect(ctx, ScopeManagement); err != nil {
		return err
	}
	return a.mgr.Send(ScopeManagement, wire.MembersPayload{
		Type:      wire.TypeRemoveMembers,
		GroupID:   groupID,
		MemberIDs: memberIDs,
	})
}

// --- Upload send hooks ---

// ChatAttachmentSender returns the hook an upload tracker calls once a file
// is stored, delivering the attachment into a chat. The upload only counts
// as done after this send succeeds.
func (a *ChatAPI) ChatAttachmentSender(chatID string) func(context.Context, wire.Attachment) error {
	return func(ctx context.Context, att wire.Attachment) error {
		return a.SendChatMessage(ctx, chatID, OutgoingMessage{
			ContentType: contentTypeForAttachment(att),
			Attachment:  &att,
		})
	}
}

// GroupAttachmentSender is ChatAttachmentSender for a group.
func (a *ChatAPI) GroupAttachmentSender(groupID string) func(context.Context, wire.Attachment) error {
	return func(ctx context.Context, att wire.Attachment) error {
		return a.SendGroupMessage(ctx, groupID, OutgoingMessage{
			ContentType: contentTypeForAttachment(att),
			Attachment:  &att,
		})
	}
}

func contentTypeForAttachment(att wire.Attachment) wire.ContentType {
	switch att.Kind {
	case "image":
		return wire.ContentImage
	case "video":
		return wire.ContentVideo
	case "audio":
		return wire.ContentAudio
	default:
		return wire.ContentDocument
	}
}

// --- Joined-conversation tracking ---

func (a *ChatAPI) track(scope Scope, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.joined[scope]
	if !ok {
		set = make(map[string]struct{})
		a.joined[scope] = set
	}
	set[id] = struct{}{}
}

func (a *ChatAPI) untrack(scope Scope, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.joined[scope], id)
}

// Joined returns the ids currently joined on a scope (snapshot).
func (a *ChatAPI) Joined(scope Scope) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.joined[scope]))
	for id := range a.joined[scope] {
		out = append(out, id)
	}
	return out
}

// resolveConversation maps a delivered message to its conversation id.
// Messages usually carry chat_id or group_id; older backends omit it, in
// which case a single joined conversation on the scope disambiguates.
func (a *ChatAPI) resolveConversation(scope Scope, m wire.MessageInfo) string {
	if m.ChatID != "" {
		return m.ChatID
	}
	if m.GroupID != "" {
		return m.GroupID
	}
	if scope == ScopeAIChat {
		return conversation.AIConversationID
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.joined[scope]) == 1 {
		for id := range a.joined[scope] {
			return id
		}
	}
	return ""
}

// --- Store binding ---

// AttachStore wires inbound frames into a conversation store: list and
// membership frames on the management topic, delivered messages on the chat,
// group and AI topics, deletion confirmations removing conversations. The
// returned function detaches everything.
func (a *ChatAPI) AttachStore(store *conversation.Store) func() {
	store.Ensure(conversation.AIConversationID, conversation.TypeAI)

	offMgmt := a.mgr.OnMessage(wire.TopicManagement, func(f wire.Frame) {
		a.applyManagement(store, f)
	})
	offChat := a.mgr.OnMessage(wire.TopicChat, func(f wire.Frame) {
		a.applyScoped(store, ScopeChat, conversation.TypePrivate, f)
	})
	offGroup := a.mgr.OnMessage(wire.TopicGroup, func(f wire.Frame) {
		a.applyScoped(store, ScopeGroup, conversation.TypeGroup, f)
	})
	offAI := a.mgr.OnMessage(wire.TopicAIChat, func(f wire.Frame) {
		a.applyScoped(store, ScopeAIChat, conversation.TypeAI, f)
	})

	return func() {
		offMgmt()
		offChat()
		offGroup()
		offAI()
	}
}

func (a *ChatAPI) applyManagement(store *conversation.Store, f wire.Frame) {
	switch f.Type {
	case wire.TypeChatsList:
		var p wire.ChatsListPayload
		if f.Unmarshal(&p) == nil {
			store.ApplyList(p.Chats)
		}
	case wire.TypeChatCreated:
		var p wire.ChatCreatedPayload
		if f.Unmarshal(&p) == nil {
			store.Upsert(p.Chat)
		}
	case wire.TypeGroupCreated:
		var p wire.GroupCreatedPayload
		if f.Unmarshal(&p) == nil {
			store.Upsert(p.Group)
		}
	case wire.TypeChatDeleted:
		var p wire.ChatDeletedPayload
		if f.Unmarshal(&p) == nil {
			store.Remove(p.ChatID)
			a.untrack(ScopeChat, p.ChatID)
		}
	case wire.TypeGroupDeleted:
		var p wire.GroupDeletedPayload
		if f.Unmarshal(&p) == nil {
			store.Remove(p.GroupID)
			a.untrack(ScopeGroup, p.GroupID)
		}
	case wire.TypeMembersAdded, wire.TypeMembersRemoved:
		var p wire.MembersChangedPayload
		if f.Unmarshal(&p) != nil {
			return
		}
		if p.Group != nil {
			store.Upsert(*p.Group)
			return
		}
		if f.Type == wire.TypeMembersRemoved {
			store.RemoveMembers(p.GroupID, p.MemberIDs)
		}
	}
}

func (a *ChatAPI) applyScoped(store *conversation.Store, scope Scope, typ string, f wire.Frame) {
	switch f.Type {
	case wire.TypeMessage:
		var p wire.MessageEventPayload
		if f.Unmarshal(&p) != nil {
			return
		}
		convID := a.resolveConversation(scope, p.Message)
		if convID == "" {
			a.logger.Warn("message without conversation dropped", "scope", string(scope), "message_id", p.Message.ID)
			return
		}
		store.Ensure(convID, typ)
		store.ApplyIncoming(convID, conversation.FromWire(p.Message))
	case wire.TypeGroupUpdate:
		var p wire.GroupUpdatePayload
		if f.Unmarshal(&p) == nil && p.Group != nil {
			store.Upsert(*p.Group)
		}
	case wire.TypeError:
		var p wire.ErrorPayload
		if f.Unmarshal(&p) == nil {
			a.logger.Warn("server error", "scope", string(scope), "message", p.Message)
		}
	}
}
