package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pulsechat/internal/metrics"
	"pulsechat/internal/presence"
)

var (
	ErrMissingUserID   = errors.New("userId is required")
	ErrUnknownUser     = errors.New("unknown user")
	ErrAuthUnavailable = errors.New("user lookup unavailable")
	ErrSessionClosed   = errors.New("session closed")
)

// IsAuthError reports whether err rejects the handshake because of the client's identity.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingUserID) || errors.Is(err, ErrUnknownUser)
}

const (
	defaultSendBuffer   = 256
	defaultMessageRate  = 5
	defaultMessageBurst = 10
)

// HubConfig tunes session behaviour.
type HubConfig struct {
	SendBuffer   int
	MessageRate  float64
	MessageBurst int
	Clock        clockwork.Clock
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Hub owns the live sessions, the room registry and the relay. It forwards every
// presence transition to all connected sessions.
type Hub struct {
	store    Store
	presence *presence.Store
	rooms    *Rooms
	relay    *Relay
	cfg      HubConfig
	clock    clockwork.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu          sync.RWMutex
	sessions    map[string]*Session
	closed      bool
	unsubscribe func()
}

func NewHub(store Store, pres *presence.Store, cfg HubConfig) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.MessageRate == 0 {
		cfg.MessageRate = defaultMessageRate
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = defaultMessageBurst
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		store:    store,
		presence: pres,
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		sessions: make(map[string]*Session),
	}
	h.rooms = NewRooms(func(Subscriber) { h.metrics.DeliveryDropped() })
	h.relay = NewRelay(store, h.rooms, cfg.Logger.Named("relay"), cfg.Metrics)
	h.unsubscribe = pres.Subscribe(h.onPresence)
	return h
}

func (h *Hub) Rooms() *Rooms { return h.rooms }

func (h *Hub) Relay() *Relay { return h.relay }

// Open authenticates userID and returns an active session registered in presence.
// A missing or unknown user yields an auth error; a failing lookup yields
// ErrAuthUnavailable. A rejected session never becomes active.
func (h *Hub) Open(ctx context.Context, userID string) (*Session, error) {
	s := h.newSession(userID)
	if userID == "" {
		s.state.Store(int32(StateClosed))
		return nil, ErrMissingUserID
	}
	user, err := h.store.FindUser(ctx, userID)
	if err != nil {
		s.state.Store(int32(StateClosed))
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	if user == nil {
		s.state.Store(int32(StateClosed))
		return nil, ErrUnknownUser
	}
	s.state.Store(int32(StateAuthenticated))

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.state.Store(int32(StateClosed))
		return nil, ErrHubClosed
	}
	h.sessions[s.id] = s
	h.mu.Unlock()

	// a Shutdown may close s before it is activated
	if err := s.activate(); err != nil {
		return nil, err
	}
	s.logger.Info("session opened")
	return s, nil
}

func (h *Hub) newSession(userID string) *Session {
	limit := rate.Limit(h.cfg.MessageRate)
	if h.cfg.MessageRate < 0 {
		limit = rate.Inf
	}
	id := uuid.NewString()
	s := &Session{
		id:      id,
		userID:  userID,
		hub:     h,
		send:    make(chan []byte, h.cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limit, h.cfg.MessageBurst),
		logger:  h.logger.With(zap.String("conn_id", id), zap.String("user_id", userID)),
	}
	s.touch()
	return s
}

// Session looks up a live session by connection id.
func (h *Hub) Session(connID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[connID]
	return s, ok
}

// SessionCount reports how many sessions are attached.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) detach(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
}

func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// broadcastAll delivers payload to every session without blocking.
func (h *Hub) broadcastAll(payload []byte) {
	for _, s := range h.snapshot() {
		if !s.Deliver(payload) {
			h.metrics.DeliveryDropped()
			go s.Close(ErrSlowConsumer)
		}
	}
}

func (h *Hub) onPresence(t presence.Transition) {
	payload, err := Encode(EventUpdateUserStatus, StatusPayload{UserID: t.UserID, Status: string(t.Status)})
	if err != nil {
		h.logger.Error("encode status", zap.Error(err))
		return
	}
	h.broadcastAll(payload)
	h.metrics.PresenceTransition(string(t.Status))
	h.metrics.SetOnlineUsers(len(h.presence.OnlineUsers()))
	for _, connID := range t.Evicted {
		if s, ok := h.Session(connID); ok {
			go s.Close(ErrEvicted)
		}
	}
	h.logger.Debug("presence changed",
		zap.String("user_id", t.UserID),
		zap.String("status", string(t.Status)),
		zap.Int("evicted", len(t.Evicted)),
	)
}

// Shutdown closes every session and stops accepting new ones.
func (h *Hub) Shutdown(reason error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	for _, s := range h.snapshot() {
		s.Close(reason)
	}
	h.unsubscribe()
}
