package chatlink

import (
	"context"
	"testing"

	"github.com/researchcopilot/chatlink-go-sdk/conversation"
	"github.com/researchcopilot/chatlink-go-sdk/wire"
)

// scopedDialer hands out one fakeTransport per socket URL so each scope's
// traffic can be inspected separately.
type scopedDialer struct {
	transports map[string]*fakeTransport
}

func newScopedDialer() *scopedDialer {
	return &scopedDialer{transports: make(map[string]*fakeTransport)}
}

func (d *scopedDialer) dial(ctx context.Context, url string) (Transport, error) {
	t := newFakeTransport()
	d.transports[url] = t
	return t, nil
}

func (d *scopedDialer) forScope(cfg *Config, scope Scope) *fakeTransport {
	return d.transports[cfg.socketURL(scope)]
}

func newTestAPI(t *testing.T) (*ChatAPI, *conversation.Store, *scopedDialer, *Config) {
	t.Helper()
	d := newScopedDialer()
	cfg := testConfig(&fakeDialer{})
	cfg.Dialer = d.dial
	mgr := NewManager(cfg)
	t.Cleanup(mgr.Shutdown)
	api := NewChatAPI(mgr)
	store := conversation.NewStore()
	detach := api.AttachStore(store)
	t.Cleanup(detach)
	return api, store, d, &mgr.cfg
}

func TestSendAppearsOnceOnEcho(t *testing.T) {
	api, store, d, cfg := newTestAPI(t)
	ctx := context.Background()

	if err := api.JoinChat(ctx, "c1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := api.SendChatMessage(ctx, "c1", OutgoingMessage{Text: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	tr := d.forScope(cfg, ScopeChat)
	if got := tr.writtenTypes(t); len(got) != 2 || got[0] != "join_chat" || got[1] != "send_message" {
		t.Fatalf("outbound frames = %v", got)
	}

	// Nothing is appended optimistically; the message exists only once the
	// server delivers it back.
	if msgs := store.Messages("c1"); len(msgs) != 0 {
		t.Fatalf("messages before echo = %d, want 0", len(msgs))
	}

	echo := []byte(`{"type":"message","message":{"id":"m1","chat_id":"c1","sender":{"id":"u2","username":"bea"},"text_content":"hello","timestamp":1700000000000}}`)
	tr.in <- echo
	waitFor(t, "echo applied", func() bool { return len(store.Messages("c1")) == 1 })

	// A duplicate delivery of the same id changes nothing.
	tr.in <- echo
	tr.in <- []byte(`{"type":"message","message":{"id":"m2","chat_id":"c1","sender":{"id":"u2"},"text_content":"again","timestamp":1700000000001}}`)
	waitFor(t, "second message", func() bool { return len(store.Messages("c1")) == 2 })

	msgs := store.Messages("c1")
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("message ids = %q, %q", msgs[0].ID, msgs[1].ID)
	}
}

func TestMessageWithoutConversationIDUsesJoined(t *testing.T) {
	api, store, d, cfg := newTestAPI(t)
	ctx := context.Background()

	if err := api.JoinChat(ctx, "c7"); err != nil {
		t.Fatalf("join: %v", err)
	}
	tr := d.forScope(cfg, ScopeChat)
	tr.in <- []byte(`{"type":"message","message":{"id":"m1","sender":{"id":"u2"},"text_content":"hi","timestamp":1}}`)
	waitFor(t, "message routed to joined chat", func() bool { return len(store.Messages("c7")) == 1 })
}

func TestAIMessagesLandInAIConversation(t *testing.T) {
	api, store, d, cfg := newTestAPI(t)
	ctx := context.Background()

	if err := api.SendAIChatMessage(ctx, OutgoingMessage{Text: "explain this"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	tr := d.forScope(cfg, ScopeAIChat)
	tr.in <- []byte(`{"type":"message","message":{"id":"a1","sender":{"id":"assistant"},"text_content":"sure","timestamp":2}}`)
	waitFor(t, "ai reply stored", func() bool {
		return len(store.Messages(conversation.AIConversationID)) == 1
	})
}

func TestManagementFramesDriveStore(t *testing.T) {
	api, store, d, cfg := newTestAPI(t)
	ctx := context.Background()

	if err := api.ListAllChats(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	tr := d.forScope(cfg, ScopeManagement)
	if got := tr.writtenTypes(t); len(got) != 1 || got[0] != "list_chats" {
		t.Fatalf("outbound frames = %v", got)
	}

	tr.in <- []byte(`{"type":"chats_list","chats":[
		{"id":"c1","type":"private"},
		{"id":"g1","type":"group","name":"lab"}
	]}`)
	waitFor(t, "list applied", func() bool { return store.Has("c1") && store.Has("g1") })

	tr.in <- []byte(`{"type":"group_created","group":{"id":"g2","type":"group","name":"field"}}`)
	waitFor(t, "group created", func() bool { return store.Has("g2") })

	// Deletion is confirmation gated: the conversation goes away only when
	// the deleted frame arrives.
	api.DeleteChat("c1")
	if !store.Has("c1") {
		t.Fatal("chat removed before confirmation")
	}
	tr.in <- []byte(`{"type":"chat_deleted","chat_id":"c1"}`)
	waitFor(t, "chat removed", func() bool { return !store.Has("c1") })
}

func TestGroupUpdateRefreshesSummary(t *testing.T) {
	api, store, d, cfg := newTestAPI(t)
	ctx := context.Background()

	if err := api.JoinGroup(ctx, "g1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	tr := d.forScope(cfg, ScopeGroup)
	tr.in <- []byte(`{"type":"group_update","update_type":"renamed","group":{"id":"g1","type":"group","name":"renamed lab"}}`)
	waitFor(t, "group upserted", func() bool {
		for _, s := range store.List() {
			if s.ID == "g1" && s.Name == "renamed lab" {
				return true
			}
		}
		return false
	})
}

func TestConnectionStatusTopic(t *testing.T) {
	api, _, _, _ := newTestAPI(t)
	ctx := context.Background()

	rec := &statusRecorder{}
	off := api.mgr.OnMessage(wire.TopicConnectionStatus, func(f wire.Frame) {
		var p wire.StatusPayload
		if f.Unmarshal(&p) == nil {
			rec.record(p)
		}
	})
	defer off()

	if err := api.JoinChat(ctx, "c1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	waitFor(t, "status events", func() bool { return len(rec.snapshot()) >= 2 })
	events := rec.snapshot()
	if events[0].State != "connecting" || events[0].Scope != string(ScopeChat) {
		t.Fatalf("first event = %+v, want connecting on chat", events[0])
	}
	if events[1].State != "open" {
		t.Fatalf("second event = %+v, want open", events[1])
	}
}

func TestSendMentionsOnWire(t *testing.T) {
	api, _, d, cfg := newTestAPI(t)
	ctx := context.Background()

	members := []conversation.Member{
		{User: wire.UserInfo{ID: "u9", Username: "bea"}},
	}
	text := "ping " + conversation.FormatMention("bea", "u9")
	mentions := conversation.ParseMentions(text, members)
	if err := api.SendGroupMessage(ctx, "g1", OutgoingMessage{Text: text, Mentions: mentions}); err != nil {
		t.Fatalf("send: %v", err)
	}

	tr := d.forScope(cfg, ScopeGroup)
	writes := tr.written()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	var sent wire.SendMessagePayload
	if err := (wire.Frame{Type: wire.TypeSendMessage, Raw: writes[0]}).Unmarshal(&sent); err != nil {
		t.Fatalf("decode outbound: %v", err)
	}
	if sent.GroupID != "g1" || len(sent.Mentions) != 1 || sent.Mentions[0].ID != "u9" {
		t.Fatalf("outbound payload = %+v", sent)
	}
}
