package presence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap/zaptest"
)

func newTestMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisMirror(client, MirrorOptions{Prefix: "test:", Logger: zaptest.NewLogger(t)}), mr
}

func TestRedisMirrorFollowsStore(t *testing.T) {
	mirror, mr := newTestMirror(t)
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	store := NewStore(Options{Clock: clock, Mirror: mirror})
	ctx := context.Background()

	store.RegisterConnection("alice", "c1")
	store.RegisterConnection("alice", "c2")
	mirror.Flush(ctx)

	members, err := mr.SMembers("test:user:alice:sockets")
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 sockets, got %v", members)
	}
	if v, _ := mr.Get("test:user:alice:online"); v != "true" {
		t.Fatalf("expected online=true, got %q", v)
	}
	if v, _ := mr.Get("test:user:alice:lastHeartbeat"); v != "1700000000000" {
		t.Fatalf("unexpected heartbeat %q", v)
	}

	snap, err := mirror.Lookup(ctx, "alice")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !snap.Online || len(snap.Connections) != 2 || snap.LastHeartbeat.UnixMilli() != 1_700_000_000_000 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	store.UnregisterConnection("alice", "c1")
	store.UnregisterConnection("alice", "c2")
	mirror.Flush(ctx)
	for _, key := range []string{"test:user:alice:sockets", "test:user:alice:online", "test:user:alice:lastHeartbeat"} {
		if mr.Exists(key) {
			t.Fatalf("expected %s to be removed", key)
		}
	}
}

func TestRedisMirrorReset(t *testing.T) {
	mirror, mr := newTestMirror(t)
	_ = mr.Set("test:user:a:online", "true")
	_ = mr.Set("test:user:b:lastHeartbeat", "1")
	_ = mr.Set("unrelated", "keep")

	removed, err := mirror.Reset(context.Background())
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 keys removed, got %d", removed)
	}
	if !mr.Exists("unrelated") {
		t.Fatalf("keys outside the prefix must survive")
	}
}

func TestRedisMirrorQueueOverflow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mirror := NewRedisMirror(client, MirrorOptions{QueueSize: 1})

	mirror.Publish(Snapshot{UserID: "a"})
	mirror.Publish(Snapshot{UserID: "b"})
	if mirror.Dropped() != 1 {
		t.Fatalf("expected one dropped snapshot, got %d", mirror.Dropped())
	}
}

func TestRedisMirrorBreakerOpensWhenRedisIsDown(t *testing.T) {
	mirror, mr := newTestMirror(t)
	mr.Close()

	for i := 0; i < 6; i++ {
		mirror.Publish(Snapshot{UserID: "alice", Connections: []string{"c1"}, Online: true})
	}
	if n := mirror.Flush(context.Background()); n != 6 {
		t.Fatalf("expected 6 snapshots handled, got %d", n)
	}
	if state := mirror.breaker.State(); state != gobreaker.StateOpen {
		t.Fatalf("expected breaker to be open, got %s", state)
	}
}

func TestRedisMirrorServeStopsOnCancel(t *testing.T) {
	mirror, mr := newTestMirror(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mirror.Serve(ctx) }()

	mirror.Publish(Snapshot{UserID: "alice", Connections: []string{"c1"}, Online: true, LastHeartbeat: time.UnixMilli(5)})
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Serve did not return")
	}
	if !mr.Exists("test:user:alice:sockets") {
		t.Fatalf("queued snapshot should be written before Serve returns")
	}
}

func TestRedisMirrorServeWritesQueueAfterCancel(t *testing.T) {
	mirror, mr := newTestMirror(t)
	for i := 0; i < 20; i++ {
		user := fmt.Sprintf("user%d", i)
		mirror.Publish(Snapshot{UserID: user, Connections: []string{"c1"}, Online: true})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := mirror.Serve(ctx); err != nil {
			t.Fatalf("Serve: %v", err)
		}
		if !mr.Exists("test:user:" + user + ":sockets") {
			t.Fatalf("iteration %d: snapshot lost on shutdown", i)
		}
	}
	if state := mirror.breaker.State(); state != gobreaker.StateClosed {
		t.Fatalf("shutdown writes must not trip the breaker, got %s", state)
	}
}
