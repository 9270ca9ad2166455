package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestUserLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "alice", "Alice@Example.com", []byte("hash"))
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.ID == "" {
		t.Fatalf("expected generated id")
	}
	if _, err := store.CreateUser(ctx, "alice", "other@example.com", []byte("hash2")); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists for duplicate username, got %v", err)
	}
	if _, err := store.CreateUser(ctx, "alice2", "alice@example.com", []byte("hash2")); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists for duplicate email, got %v", err)
	}

	byEmail, err := store.GetUserByEmail(ctx, "ALICE@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if byEmail == nil || byEmail.ID != user.ID {
		t.Fatalf("unexpected user: %+v", byEmail)
	}
	byID, err := store.FindUser(ctx, user.ID)
	if err != nil || byID == nil || byID.Username != "alice" {
		t.Fatalf("FindUser: %+v, err=%v", byID, err)
	}
	missing, err := store.FindUser(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected (nil, nil) for missing user, got %+v, %v", missing, err)
	}
}

func TestSearchUsers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, store, "alice")
	mustUser(t, store, "alicia")
	mustUser(t, store, "bob")

	users, err := store.SearchUsers(ctx, "ALI", alice.ID, 10)
	if err != nil {
		t.Fatalf("SearchUsers: %v", err)
	}
	if len(users) != 1 || users[0].Username != "alicia" {
		t.Fatalf("unexpected search result: %+v", users)
	}
	users, err = store.SearchUsers(ctx, "%", "", 10)
	if err != nil {
		t.Fatalf("SearchUsers wildcard: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expected literal match on %%, got %+v", users)
	}
}

func TestSessionLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, WithClock(clock))
	ctx := context.Background()
	user := mustUser(t, store, "bob")

	if err := store.CreateSession(ctx, user.ID, "token123", clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	session, err := store.GetSession(ctx, "token123")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session == nil || session.UserID != user.ID {
		t.Fatalf("unexpected session: %+v", session)
	}
	if !session.ExpiresAt.Equal(clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", session.ExpiresAt)
	}

	if n, err := store.DeleteExpiredSessions(ctx); err != nil || n != 0 {
		t.Fatalf("DeleteExpiredSessions before expiry: n=%d err=%v", n, err)
	}
	clock.Advance(2 * time.Hour)
	if n, err := store.DeleteExpiredSessions(ctx); err != nil || n != 1 {
		t.Fatalf("DeleteExpiredSessions after expiry: n=%d err=%v", n, err)
	}
	session, err = store.GetSession(ctx, "token123")
	if err != nil {
		t.Fatalf("GetSession after purge: %v", err)
	}
	if session != nil {
		t.Fatalf("expected nil session after purge")
	}
}

func TestUpdatePassword(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, store, "alice")
	if err := store.UpdatePassword(ctx, alice.ID, []byte("hash2")); err != nil {
		t.Fatalf("UpdatePassword: %v", err)
	}
	user, _ := store.GetUserByUsername(ctx, "alice")
	if string(user.PasswordHash) != "hash2" {
		t.Fatalf("expected updated hash, got %s", string(user.PasswordHash))
	}
	if err := store.UpdatePassword(ctx, "missing", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateConversationValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, store, "alice")

	if _, err := store.CreateConversation(ctx, []string{alice.ID, alice.ID}); !errors.Is(err, ErrTooFewParticipants) {
		t.Fatalf("expected ErrTooFewParticipants, got %v", err)
	}
	if _, err := store.CreateConversation(ctx, []string{alice.ID, "ghost"}); !errors.Is(err, ErrUnknownParticipant) {
		t.Fatalf("expected ErrUnknownParticipant, got %v", err)
	}
	convs, err := store.ListUserConversations(ctx, alice.ID)
	if err != nil {
		t.Fatalf("ListUserConversations: %v", err)
	}
	if len(convs) != 0 {
		t.Fatalf("rejected conversations must not be stored: %+v", convs)
	}
}

func TestConversationOrderingAndMessages(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, WithClock(clock))
	ctx := context.Background()
	alice := mustUser(t, store, "alice")
	bob := mustUser(t, store, "bob")
	carol := mustUser(t, store, "carol")

	first, err := store.CreateConversation(ctx, []string{alice.ID, bob.ID})
	if err != nil {
		t.Fatalf("CreateConversation first: %v", err)
	}
	clock.Advance(time.Second)
	second, err := store.CreateConversation(ctx, []string{alice.ID, carol.ID})
	if err != nil {
		t.Fatalf("CreateConversation second: %v", err)
	}

	clock.Advance(time.Second)
	msg, err := store.CreateMessage(ctx, first.ID, alice.ID, "hello")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if err := store.UpdateLastMessage(ctx, first.ID, msg.ID); err != nil {
		t.Fatalf("UpdateLastMessage: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := store.CreateMessage(ctx, first.ID, bob.ID, "hi alice"); err != nil {
		t.Fatalf("CreateMessage reply: %v", err)
	}

	convs, err := store.ListUserConversations(ctx, alice.ID)
	if err != nil {
		t.Fatalf("ListUserConversations: %v", err)
	}
	if len(convs) != 2 || convs[0].ID != first.ID || convs[1].ID != second.ID {
		t.Fatalf("unexpected ordering: %+v", convs)
	}
	if convs[0].LastMessageID != msg.ID {
		t.Fatalf("expected last message %s, got %s", msg.ID, convs[0].LastMessageID)
	}
	if len(convs[0].Participants) != 2 || !convs[0].HasParticipant(bob.ID) {
		t.Fatalf("unexpected participants: %+v", convs[0].Participants)
	}

	msgs, err := store.ListMessages(ctx, first.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Content != "hi alice" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	latest, err := store.ListMessages(ctx, first.ID, 1)
	if err != nil || len(latest) != 1 || latest[0].Content != "hi alice" {
		t.Fatalf("expected only the newest message, got %+v err=%v", latest, err)
	}

	n, err := store.MarkSeen(ctx, first.ID, alice.ID)
	if err != nil || n != 1 {
		t.Fatalf("MarkSeen: n=%d err=%v", n, err)
	}
	msgs, _ = store.ListMessages(ctx, first.ID, 0)
	if msgs[0].Seen || !msgs[1].Seen {
		t.Fatalf("only bob's message should be seen: %+v", msgs)
	}

	if err := store.UpdateLastMessage(ctx, "missing", msg.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAddParticipant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, store, "alice")
	bob := mustUser(t, store, "bob")
	carol := mustUser(t, store, "carol")
	conv, err := store.CreateConversation(ctx, []string{alice.ID, bob.ID})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := store.AddParticipant(ctx, conv.ID, carol.ID); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if err := store.AddParticipant(ctx, conv.ID, carol.ID); err != nil {
		t.Fatalf("AddParticipant idempotent: %v", err)
	}
	found, err := store.FindConversation(ctx, conv.ID)
	if err != nil || found == nil {
		t.Fatalf("FindConversation: %+v err=%v", found, err)
	}
	if len(found.Participants) != 3 || !found.HasParticipant(carol.ID) {
		t.Fatalf("unexpected participants: %+v", found.Participants)
	}
	if err := store.AddParticipant(ctx, "missing", carol.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.AddParticipant(ctx, conv.ID, "ghost"); !errors.Is(err, ErrUnknownParticipant) {
		t.Fatalf("expected ErrUnknownParticipant, got %v", err)
	}
}

func mustUser(t *testing.T, store *Store, name string) *User {
	t.Helper()
	user, err := store.CreateUser(context.Background(), name, name+"@example.com", []byte("hash"))
	if err != nil {
		t.Fatalf("CreateUser %s: %v", name, err)
	}
	return user
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := "sqlite://file:" + t.Name() + "?mode=memory&cache=shared"
	store, err := NewStore(path, opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}
