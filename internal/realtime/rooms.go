package realtime

import (
	"errors"
	"sort"
	"sync"
)

// ErrSlowConsumer is the close reason for a subscriber that could not accept a delivery.
var ErrSlowConsumer = errors.New("subscriber could not keep up")

// Subscriber is a connection that can receive room traffic.
type Subscriber interface {
	ID() string
	// Deliver hands payload to the connection without blocking. It reports false
	// when the connection is closed or its buffer is full.
	Deliver(payload []byte) bool
	Close(reason error)
}

// Rooms maps conversation ids to the connections subscribed to them.
type Rooms struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]Subscriber
	memberships map[string]map[string]struct{}
	onDrop      func(Subscriber)
}

// NewRooms builds an empty registry. onDrop, if set, is called for every
// subscriber removed because a delivery failed.
func NewRooms(onDrop func(Subscriber)) *Rooms {
	return &Rooms{
		rooms:       make(map[string]map[string]Subscriber),
		memberships: make(map[string]map[string]struct{}),
		onDrop:      onDrop,
	}
}

// Join subscribes sub to roomID. Joining twice is a no-op.
func (r *Rooms) Join(roomID string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]Subscriber)
		r.rooms[roomID] = members
	}
	members[sub.ID()] = sub
	joined, ok := r.memberships[sub.ID()]
	if !ok {
		joined = make(map[string]struct{})
		r.memberships[sub.ID()] = joined
	}
	joined[roomID] = struct{}{}
}

// Leave unsubscribes connID from roomID. Empty rooms are dropped.
func (r *Rooms) Leave(roomID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(roomID, connID)
}

// LeaveAll unsubscribes connID from every room and returns the rooms it left.
func (r *Rooms) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveAllLocked(connID)
}

func (r *Rooms) leaveAllLocked(connID string) []string {
	joined := r.memberships[connID]
	left := make([]string, 0, len(joined))
	for roomID := range joined {
		left = append(left, roomID)
	}
	for _, roomID := range left {
		r.leaveLocked(roomID, connID)
	}
	sort.Strings(left)
	return left
}

func (r *Rooms) leaveLocked(roomID, connID string) {
	if members, ok := r.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	if joined, ok := r.memberships[connID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(r.memberships, connID)
		}
	}
}

// Broadcast delivers payload to every subscriber of roomID except excludeID and
// returns how many accepted it. Subscribers that fail are removed from every
// room and closed in the background. Broadcast never blocks on a subscriber.
func (r *Rooms) Broadcast(roomID string, payload []byte, excludeID string) int {
	r.mu.RLock()
	targets := make([]Subscriber, 0, len(r.rooms[roomID]))
	for id, sub := range r.rooms[roomID] {
		if id != excludeID {
			targets = append(targets, sub)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	var failed []Subscriber
	for _, sub := range targets {
		if sub.Deliver(payload) {
			delivered++
			continue
		}
		failed = append(failed, sub)
	}
	if len(failed) == 0 {
		return delivered
	}
	r.mu.Lock()
	for _, sub := range failed {
		r.leaveAllLocked(sub.ID())
	}
	r.mu.Unlock()
	for _, sub := range failed {
		if r.onDrop != nil {
			r.onDrop(sub)
		}
		go sub.Close(ErrSlowConsumer)
	}
	return delivered
}

// Members returns the connection ids subscribed to roomID, sorted.
func (r *Rooms) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.rooms[roomID]))
	for id := range r.rooms[roomID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RoomsOf returns the rooms connID has joined, sorted.
func (r *Rooms) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.memberships[connID]))
	for id := range r.memberships[connID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Size reports how many rooms have at least one subscriber.
func (r *Rooms) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
