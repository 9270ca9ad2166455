package internal

import (
	"errors"
	"path/filepath"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"pulsechat/internal/realtime"
)

func newChatModel(t *testing.T) *TUIModel {
	t.Helper()
	model := NewTUIModel(ClientOptions{ServerURL: "http://localhost:8080"})
	model.token = "tok"
	model.user = userDTO{ID: "u-alice", Username: "alice"}
	model.setConversations([]conversationDTO{
		{ID: "c-1", Participants: []participantDTO{{ID: "u-alice", Username: "alice"}, {ID: "u-bob", Username: "bob"}}},
		{ID: "c-2", Participants: []participantDTO{{ID: "u-alice", Username: "alice"}, {ID: "u-carol", Username: "carol", Online: true}}},
	})
	_ = model.openConversation(model.conversations[0])
	model.isConnected = true
	return model
}

func mustFrame(t *testing.T, event string, ack uint64, data any) realtime.Frame {
	t.Helper()
	raw, err := realtime.EncodeAck(event, ack, data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame, err := realtime.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return frame
}

func TestBuildWebsocketURL(t *testing.T) {
	cases := []struct {
		base, path, token, want string
	}{
		{"http://localhost:8080", "/ws", "", "ws://localhost:8080/ws?userId=u+1"},
		{"https://chat.example.com/", "/realtime", "", "wss://chat.example.com/realtime?userId=u+1"},
		{"http://localhost:8080", "/ws", "t0k", "ws://localhost:8080/ws?token=t0k&userId=u+1"},
	}
	for _, tc := range cases {
		got, err := buildWebsocketURL(tc.base, tc.path, "u 1", tc.token)
		if err != nil {
			t.Fatalf("buildWebsocketURL(%q): %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("buildWebsocketURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
	if _, err := buildWebsocketURL("ftp://x", "/ws", "u", ""); !errors.Is(err, errWrongScheme) {
		t.Fatalf("expected errWrongScheme, got %v", err)
	}
}

func TestNewTUIModelRestoresSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if model := NewTUIModel(ClientOptions{SessionPath: path}); model.mode != modeAuthMenu {
		t.Fatalf("expected auth menu without a session, got %v", model.mode)
	}
	if err := saveSessionToDisk(path, sessionFile{UserID: "u-1", Username: "alice", Token: "tok"}); err != nil {
		t.Fatalf("saveSessionToDisk: %v", err)
	}
	model := NewTUIModel(ClientOptions{SessionPath: path})
	if model.mode != modeConversations || model.token != "tok" || model.user.ID != "u-1" {
		t.Fatalf("session not restored: mode=%v token=%q user=%+v", model.mode, model.token, model.user)
	}
	if err := deleteSessionFile(path); err != nil {
		t.Fatalf("deleteSessionFile: %v", err)
	}
	if _, err := loadSessionFromDisk(path); err == nil {
		t.Fatalf("session file should be gone")
	}
}

func TestSendChatConfirmedByAckAndEcho(t *testing.T) {
	model := newChatModel(t)
	model.sendChatCmd("hello")
	if len(model.messages) != 1 || !model.messages[0].Pending {
		t.Fatalf("expected one pending line, got %+v", model.messages)
	}
	localID := model.messages[0].LocalID

	model.handleFrame(mustFrame(t, realtime.EventReceiveMessage, 0, realtime.Envelope{
		ID: "m-1", ConversationID: "c-1", Sender: "u-alice", Content: "hello", LocalID: localID,
	}))
	if len(model.messages) != 1 {
		t.Fatalf("echo should not duplicate the line, got %d", len(model.messages))
	}
	if model.messages[0].Pending {
		t.Fatalf("echo should confirm the pending line")
	}

	model.handleFrame(mustFrame(t, realtime.EventAck, 1, realtime.Ack{Success: true}))
	if len(model.pendingAcks) != 0 {
		t.Fatalf("ack not consumed: %v", model.pendingAcks)
	}
}

func TestFailedAckMarksLine(t *testing.T) {
	model := newChatModel(t)
	model.sendChatCmd("too fast")
	model.handleFrame(mustFrame(t, realtime.EventAck, 1, realtime.Ack{Error: "sending too fast, slow down"}))
	if !model.messages[0].Failed || model.messages[0].Pending {
		t.Fatalf("line should be failed: %+v", model.messages[0])
	}
	if len(model.notices) != 1 {
		t.Fatalf("expected a notice, got %v", model.notices)
	}
}

func TestReceiveForOtherConversationCountsUnread(t *testing.T) {
	model := newChatModel(t)
	model.handleFrame(mustFrame(t, realtime.EventReceiveMessage, 0, realtime.Envelope{
		ID: "m-9", ConversationID: "c-2", Sender: "u-carol", Content: "psst",
	}))
	if len(model.messages) != 0 {
		t.Fatalf("message for another conversation leaked into the open one")
	}
	if model.unread["c-2"] != 1 {
		t.Fatalf("unread = %d, want 1", model.unread["c-2"])
	}
	if model.conversations[0].ID != "c-2" {
		t.Fatalf("active conversation should move to the top, got %s", model.conversations[0].ID)
	}
}

func TestTouchConversationKeepsOpenConversation(t *testing.T) {
	model := newChatModel(t)
	model.touchConversation("c-2")
	if model.current == nil || model.current.ID != "c-1" {
		t.Fatalf("open conversation changed after reorder: %+v", model.current)
	}
	if model.conversations[0].ID != "c-2" || model.conversations[1].ID != "c-1" {
		t.Fatalf("unexpected order %s, %s", model.conversations[0].ID, model.conversations[1].ID)
	}
}

func TestPresenceAndTypingFrames(t *testing.T) {
	model := newChatModel(t)
	model.handleFrame(mustFrame(t, realtime.EventUpdateUserStatus, 0, realtime.StatusPayload{UserID: "u-bob", Status: "online"}))
	if !model.online["u-bob"] || !model.anyPeerOnline(*model.current) {
		t.Fatalf("bob should be online")
	}
	model.handleFrame(mustFrame(t, realtime.EventUserTyping, 0, realtime.TypingPayload{UserID: "u-bob", ConversationID: "c-1", IsTyping: true}))
	if _, ok := model.typing["u-bob"]; !ok {
		t.Fatalf("bob should be typing")
	}
	if got := model.renderTyping(); got == "" {
		t.Fatalf("typing indicator not rendered")
	}
	model.handleFrame(mustFrame(t, realtime.EventUpdateUserStatus, 0, realtime.StatusPayload{UserID: "u-bob", Status: "offline"}))
	if model.online["u-bob"] {
		t.Fatalf("bob should be offline")
	}
	if _, ok := model.typing["u-bob"]; ok {
		t.Fatalf("offline user should stop typing")
	}
}

func TestStaleConnectionEventsIgnored(t *testing.T) {
	model := newChatModel(t)
	model.heartbeatGen = 2
	_, cmd := model.Update(heartbeatMsg{gen: 1})
	if cmd != nil {
		t.Fatalf("stale heartbeat should not reschedule")
	}
	_, cmd = model.Update(disconnectedMsg{err: errNotConnected})
	if cmd != nil || !model.isConnected {
		t.Fatalf("disconnect of an unknown conn should be ignored")
	}
}

func TestEscLeavesConversation(t *testing.T) {
	model := newChatModel(t)
	model.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if model.mode != modeConversations || model.current != nil {
		t.Fatalf("expected conversation list, mode=%v current=%v", model.mode, model.current)
	}
}

func TestClientAPIAgainstServer(t *testing.T) {
	env := newTestEnv(t)
	base := env.server.URL
	if err := apiSignup(base, "dana@example.com", "dana", "correct-horse"); err != nil {
		t.Fatalf("apiSignup: %v", err)
	}
	env.signupAndLogin(t, "erin")

	if _, err := apiLogin(base, "dana@example.com", "wrong-horse"); !errors.Is(err, errUnauthorized) {
		t.Fatalf("expected errUnauthorized, got %v", err)
	}
	login, err := apiLogin(base, "dana@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("apiLogin: %v", err)
	}

	users, err := apiSearchUsers(base, login.Token, "eri")
	if err != nil || len(users) != 1 || users[0].Username != "erin" {
		t.Fatalf("apiSearchUsers = %+v, %v", users, err)
	}
	conv, err := apiCreateConversation(base, login.Token, users[0].ID)
	if err != nil {
		t.Fatalf("apiCreateConversation: %v", err)
	}
	convs, err := apiListConversations(base, login.Token)
	if err != nil || len(convs) != 1 || convs[0].ID != conv.ID {
		t.Fatalf("apiListConversations = %+v, %v", convs, err)
	}
	msgs, err := apiListMessages(base, login.Token, conv.ID)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("apiListMessages = %+v, %v", msgs, err)
	}
	if err := apiMarkSeen(base, login.Token, conv.ID); err != nil {
		t.Fatalf("apiMarkSeen: %v", err)
	}
	if err := apiLogout(base, login.Token); err != nil {
		t.Fatalf("apiLogout: %v", err)
	}
	if _, err := apiListConversations(base, login.Token); !errors.Is(err, errUnauthorized) {
		t.Fatalf("token should be revoked, got %v", err)
	}
}
