package realtime

import (
	"sync"
	"testing"
	"time"
)

type stubSubscriber struct {
	id     string
	accept bool

	mu       sync.Mutex
	payloads [][]byte
	closed   chan error
}

func newStub(id string, accept bool) *stubSubscriber {
	return &stubSubscriber{id: id, accept: accept, closed: make(chan error, 1)}
}

func (s *stubSubscriber) ID() string { return s.id }

func (s *stubSubscriber) Deliver(p []byte) bool {
	if !s.accept {
		return false
	}
	s.mu.Lock()
	s.payloads = append(s.payloads, p)
	s.mu.Unlock()
	return true
}

func (s *stubSubscriber) Close(reason error) { s.closed <- reason }

func (s *stubSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func TestRoomsJoinLeave(t *testing.T) {
	rooms := NewRooms(nil)
	a := newStub("a", true)
	b := newStub("b", true)
	rooms.Join("r1", a)
	rooms.Join("r1", a)
	rooms.Join("r1", b)
	rooms.Join("r2", a)

	if got := rooms.Members("r1"); len(got) != 2 {
		t.Fatalf("expected 2 members, got %v", got)
	}
	if got := rooms.Broadcast("r1", []byte("hi"), "b"); got != 1 || a.count() != 1 || b.count() != 0 {
		t.Fatalf("excluded subscriber must be skipped, delivered=%d", got)
	}

	rooms.Leave("r1", "b")
	left := rooms.LeaveAll("a")
	if len(left) != 2 || left[0] != "r1" || left[1] != "r2" {
		t.Fatalf("unexpected rooms left %v", left)
	}
	if rooms.Size() != 0 {
		t.Fatalf("empty rooms should be dropped, size=%d", rooms.Size())
	}
	if got := rooms.Broadcast("r1", []byte("hi"), ""); got != 0 {
		t.Fatalf("broadcast to an empty room delivered %d", got)
	}
}

func TestRoomsDropFailingSubscriber(t *testing.T) {
	var dropped []string
	rooms := NewRooms(func(s Subscriber) { dropped = append(dropped, s.ID()) })
	good := newStub("good", true)
	bad := newStub("bad", false)
	rooms.Join("r1", good)
	rooms.Join("r1", bad)
	rooms.Join("r2", bad)

	if got := rooms.Broadcast("r1", []byte("hi"), ""); got != 1 {
		t.Fatalf("expected one delivery, got %d", got)
	}
	select {
	case reason := <-bad.closed:
		if reason != ErrSlowConsumer {
			t.Fatalf("unexpected close reason %v", reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("failing subscriber was not closed")
	}
	if joined := rooms.RoomsOf("bad"); len(joined) != 0 {
		t.Fatalf("failing subscriber should leave every room, still in %v", joined)
	}
	if len(dropped) != 1 || dropped[0] != "bad" {
		t.Fatalf("unexpected drop callback %v", dropped)
	}
	if got := rooms.Members("r1"); len(got) != 1 || got[0] != "good" {
		t.Fatalf("good subscriber must stay, got %v", got)
	}
}
