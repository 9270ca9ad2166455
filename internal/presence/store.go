// Package presence tracks which users are connected and whether they are online.
//
// A user is online while they hold at least one registered connection and have
// heartbeated within the offline timeout. Every online/offline change is reported
// once to each subscribed observer, in the order the changes happened.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Status is the externally visible presence of a user.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Transition is emitted when a user goes online or offline.
type Transition struct {
	UserID string
	Status Status
	At     time.Time
	// Evicted lists the connection ids a timeout sweep discarded. The transport
	// is expected to close them.
	Evicted []string
}

// Observer receives transitions. It runs outside the store lock and must not block.
type Observer func(Transition)

// Options configures a Store.
type Options struct {
	Clock   clockwork.Clock
	Timeout time.Duration
	Mirror  Mirror
	Logger  *zap.Logger
}

type record struct {
	conns         map[string]struct{}
	online        bool
	lastHeartbeat time.Time
}

type subscription struct {
	id int
	fn Observer
}

// Store is the in-memory presence table.
type Store struct {
	clock   clockwork.Clock
	timeout time.Duration
	mirror  Mirror
	logger  *zap.Logger

	mu          sync.Mutex
	records     map[string]*record
	observers   []subscription
	nextID      int
	pending     []Transition
	dispatching bool
}

// NewStore builds a Store. Zero options fall back to the real clock, the default
// offline timeout and a no-op mirror.
func NewStore(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOfflineTimeout
	}
	if opts.Mirror == nil {
		opts.Mirror = noopMirror{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		clock:   opts.Clock,
		timeout: opts.Timeout,
		mirror:  opts.Mirror,
		logger:  opts.Logger,
		records: make(map[string]*record),
	}
}

// Timeout reports the offline timeout applied by IsOnline.
func (s *Store) Timeout() time.Duration {
	return s.timeout
}

// Subscribe registers an observer and returns a function that removes it.
func (s *Store) Subscribe(fn Observer) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.observers = append(s.observers, subscription{id: id, fn: fn})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.observers {
			if sub.id == id {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

// RegisterConnection adds connID to the user's connection set and counts as a
// heartbeat. The first connection of an offline user emits an online transition;
// registering a connection that is already present changes nothing else.
func (s *Store) RegisterConnection(userID, connID string) {
	now := s.clock.Now()
	s.mu.Lock()
	rec, ok := s.records[userID]
	if !ok {
		rec = &record{conns: make(map[string]struct{})}
		s.records[userID] = rec
	}
	rec.conns[connID] = struct{}{}
	rec.lastHeartbeat = now
	if !rec.online {
		rec.online = true
		s.pending = append(s.pending, Transition{UserID: userID, Status: StatusOnline, At: now})
	}
	s.publishLocked(userID, rec)
	s.mu.Unlock()
	s.flush()
}

// UnregisterConnection removes connID. Removing the last connection emits an
// offline transition immediately. Unknown users or connections are ignored.
func (s *Store) UnregisterConnection(userID, connID string) {
	now := s.clock.Now()
	s.mu.Lock()
	rec, ok := s.records[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, ok := rec.conns[connID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(rec.conns, connID)
	if len(rec.conns) == 0 {
		delete(s.records, userID)
		if rec.online {
			rec.online = false
			s.pending = append(s.pending, Transition{UserID: userID, Status: StatusOffline, At: now})
		}
	}
	s.publishLocked(userID, rec)
	s.mu.Unlock()
	s.flush()
}

// RecordHeartbeat refreshes the user's last-heartbeat time. It reports false when
// the user has no registered connection, in which case nothing changes.
func (s *Store) RecordHeartbeat(userID string) bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok || len(rec.conns) == 0 {
		s.logger.Debug("heartbeat for user without connections", zap.String("user_id", userID))
		return false
	}
	rec.lastHeartbeat = now
	s.publishLocked(userID, rec)
	return true
}

// IsOnline reports whether the user holds a connection, is flagged online and has
// heartbeated within the offline timeout.
func (s *Store) IsOnline(userID string) bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlineLocked(s.records[userID], now)
}

func (s *Store) onlineLocked(rec *record, now time.Time) bool {
	if rec == nil || len(rec.conns) == 0 || !rec.online {
		return false
	}
	return now.Sub(rec.lastHeartbeat) <= s.timeout
}

// SweepExpired marks every online user whose last heartbeat is older than timeout
// as offline. Their stale connection entries are discarded and reported in the
// transition so a later UnregisterConnection for them is a no-op.
func (s *Store) SweepExpired(now time.Time, timeout time.Duration) []Transition {
	s.mu.Lock()
	var expired []string
	for userID, rec := range s.records {
		if rec.online && now.Sub(rec.lastHeartbeat) > timeout {
			expired = append(expired, userID)
		}
	}
	sort.Strings(expired)
	out := make([]Transition, 0, len(expired))
	for _, userID := range expired {
		rec := s.records[userID]
		evicted := sortedKeys(rec.conns)
		delete(s.records, userID)
		rec.online = false
		rec.conns = map[string]struct{}{}
		t := Transition{UserID: userID, Status: StatusOffline, At: now, Evicted: evicted}
		s.pending = append(s.pending, t)
		s.publishLocked(userID, rec)
		out = append(out, t)
	}
	s.mu.Unlock()
	s.flush()
	return out
}

// Connections returns the user's registered connection ids, sorted.
func (s *Store) Connections(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return nil
	}
	return sortedKeys(rec.conns)
}

// LastHeartbeat returns the user's last heartbeat time, if the user is tracked.
func (s *Store) LastHeartbeat(userID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return time.Time{}, false
	}
	return rec.lastHeartbeat, true
}

// OnlineUsers lists the users IsOnline would report as online, sorted.
func (s *Store) OnlineUsers() []string {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var users []string
	for userID, rec := range s.records {
		if s.onlineLocked(rec, now) {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users
}

func (s *Store) publishLocked(userID string, rec *record) {
	s.mirror.Publish(Snapshot{
		UserID:        userID,
		Connections:   sortedKeys(rec.conns),
		Online:        rec.online,
		LastHeartbeat: rec.lastHeartbeat,
	})
}

// flush drains pending transitions to observers outside the lock. Only one
// goroutine dispatches at a time; others leave their transitions for it, which
// keeps delivery in mutation order.
func (s *Store) flush() {
	s.mu.Lock()
	if s.dispatching {
		s.mu.Unlock()
		return
	}
	s.dispatching = true
	for {
		batch := s.pending
		s.pending = nil
		if len(batch) == 0 {
			s.dispatching = false
			s.mu.Unlock()
			return
		}
		observers := append([]subscription(nil), s.observers...)
		s.mu.Unlock()
		for _, t := range batch {
			for _, sub := range observers {
				s.notify(sub.fn, t)
			}
		}
		s.mu.Lock()
	}
}

func (s *Store) notify(fn Observer, t Transition) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("presence observer panicked",
				zap.String("user_id", t.UserID),
				zap.Any("panic", r),
			)
		}
	}()
	fn(t)
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
