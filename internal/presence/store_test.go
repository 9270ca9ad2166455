package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	mu   sync.Mutex
	seen []Transition
}

func (r *recorder) observe(t Transition) {
	r.mu.Lock()
	r.seen = append(r.seen, t)
	r.mu.Unlock()
}

func (r *recorder) all() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.seen...)
}

func newTestStore(t *testing.T) (*Store, *clockwork.FakeClock, *recorder) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := NewStore(Options{Clock: clock, Timeout: 30 * time.Second, Logger: zaptest.NewLogger(t)})
	rec := &recorder{}
	store.Subscribe(rec.observe)
	return store, clock, rec
}

func TestMultipleConnectionsSingleTransition(t *testing.T) {
	store, _, rec := newTestStore(t)

	store.RegisterConnection("alice", "c1")
	store.RegisterConnection("alice", "c2")
	store.RegisterConnection("alice", "c2")
	if got := rec.all(); len(got) != 1 || got[0].Status != StatusOnline || got[0].UserID != "alice" {
		t.Fatalf("expected one online transition, got %+v", got)
	}
	if conns := store.Connections("alice"); len(conns) != 2 {
		t.Fatalf("expected 2 connections, got %v", conns)
	}

	store.UnregisterConnection("alice", "c1")
	if len(rec.all()) != 1 {
		t.Fatalf("closing one of two connections must not emit, got %+v", rec.all())
	}
	if !store.IsOnline("alice") {
		t.Fatalf("alice should stay online with one connection left")
	}

	store.UnregisterConnection("alice", "c2")
	got := rec.all()
	if len(got) != 2 || got[1].Status != StatusOffline {
		t.Fatalf("expected offline after last connection closed, got %+v", got)
	}
	if store.IsOnline("alice") {
		t.Fatalf("alice should be offline")
	}

	store.UnregisterConnection("alice", "c2")
	if len(rec.all()) != 2 {
		t.Fatalf("unregistering twice must be a no-op, got %+v", rec.all())
	}
}

func TestHeartbeatWithoutConnection(t *testing.T) {
	store, _, rec := newTestStore(t)
	if store.RecordHeartbeat("ghost") {
		t.Fatalf("heartbeat for unknown user should report false")
	}
	if store.IsOnline("ghost") || len(rec.all()) != 0 {
		t.Fatalf("heartbeat must not create presence")
	}
}

func TestIsOnlineHonoursTimeoutBeforeSweep(t *testing.T) {
	store, clock, rec := newTestStore(t)
	store.RegisterConnection("alice", "c1")

	clock.Advance(30 * time.Second)
	if !store.IsOnline("alice") {
		t.Fatalf("heartbeat age equal to the timeout is still online")
	}
	clock.Advance(time.Second)
	if store.IsOnline("alice") {
		t.Fatalf("stale heartbeat must read as offline even before the sweep")
	}
	if len(rec.all()) != 1 {
		t.Fatalf("no offline transition before the sweep, got %+v", rec.all())
	}
	if users := store.OnlineUsers(); len(users) != 0 {
		t.Fatalf("expected no online users, got %v", users)
	}
}

func TestSweepExpiredEmitsOnce(t *testing.T) {
	store, clock, rec := newTestStore(t)
	store.RegisterConnection("alice", "c1")
	store.RegisterConnection("bob", "c2")

	clock.Advance(20 * time.Second)
	if !store.RecordHeartbeat("bob") {
		t.Fatalf("bob heartbeat should be recorded")
	}
	clock.Advance(15 * time.Second)

	swept := store.SweepExpired(clock.Now(), 30*time.Second)
	if len(swept) != 1 || swept[0].UserID != "alice" || swept[0].Status != StatusOffline {
		t.Fatalf("expected alice swept offline, got %+v", swept)
	}
	if len(swept[0].Evicted) != 1 || swept[0].Evicted[0] != "c1" {
		t.Fatalf("expected c1 evicted, got %v", swept[0].Evicted)
	}
	if again := store.SweepExpired(clock.Now(), 30*time.Second); len(again) != 0 {
		t.Fatalf("second sweep must not emit again, got %+v", again)
	}

	store.UnregisterConnection("alice", "c1")
	offline := 0
	for _, tr := range rec.all() {
		if tr.UserID == "alice" && tr.Status == StatusOffline {
			offline++
		}
	}
	if offline != 1 {
		t.Fatalf("expected exactly one offline notification for alice, got %d", offline)
	}
	if !store.IsOnline("bob") {
		t.Fatalf("bob heartbeated and should be online")
	}

	store.RegisterConnection("alice", "c3")
	last := rec.all()[len(rec.all())-1]
	if last.UserID != "alice" || last.Status != StatusOnline {
		t.Fatalf("reconnect should emit online, got %+v", last)
	}
}

func TestObserversSeeMutationOrder(t *testing.T) {
	store, _, _ := newTestStore(t)
	var order []string
	store.Subscribe(func(tr Transition) {
		order = append(order, tr.UserID+":"+string(tr.Status))
		if tr.UserID == "alice" && tr.Status == StatusOnline {
			store.RegisterConnection("bob", "b1")
		}
	})
	store.RegisterConnection("alice", "a1")
	if len(order) != 2 || order[0] != "alice:online" || order[1] != "bob:online" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestPanickingObserverDoesNotStopOthers(t *testing.T) {
	store, _, rec := newTestStore(t)
	store.Subscribe(func(Transition) { panic("boom") })
	second := &recorder{}
	store.Subscribe(second.observe)

	store.RegisterConnection("alice", "c1")
	if len(rec.all()) != 1 || len(second.all()) != 1 {
		t.Fatalf("all observers should be notified, got %d and %d", len(rec.all()), len(second.all()))
	}
}

func TestUnsubscribe(t *testing.T) {
	store, _, _ := newTestStore(t)
	other := &recorder{}
	cancel := store.Subscribe(other.observe)
	store.RegisterConnection("alice", "c1")
	cancel()
	store.UnregisterConnection("alice", "c1")
	if len(other.all()) != 1 {
		t.Fatalf("unsubscribed observer should only see the first transition, got %+v", other.all())
	}
}
