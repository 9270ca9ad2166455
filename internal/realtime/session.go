package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrRateLimited    = errors.New("sending too fast, slow down")
	ErrSenderMismatch = errors.New("sender does not match the connected user")
	ErrEvicted        = errors.New("presence timed out")
	ErrHubClosed      = errors.New("server is shutting down")
)

const ackSendFailed = "failed to send message"

// Session is one authenticated realtime connection of a user. The transport feeds
// inbound frames to HandleFrame and writes everything read from Outbound.
type Session struct {
	id     string
	userID string
	hub    *Hub
	logger *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	reason    error

	state      atomic.Int32
	regMu      sync.Mutex
	registered bool
	lastSeen   atomic.Int64
	limiter    *rate.Limiter
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }
func (s *Session) State() State   { return State(s.state.Load()) }

// Outbound yields the frames the transport must write to the client.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session closed, or nil while it is open.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.reason
	default:
		return nil
	}
}

// LastSeen is the time of the most recent inbound frame.
func (s *Session) LastSeen() time.Time {
	return time.UnixMilli(s.lastSeen.Load())
}

func (s *Session) touch() {
	s.lastSeen.Store(s.hub.clock.Now().UnixMilli())
}

// Deliver queues payload without blocking.
func (s *Session) Deliver(payload []byte) bool {
	if s.State() == StateClosed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// reply queues a direct response, waiting for buffer space unless the session closes.
func (s *Session) reply(payload []byte) {
	select {
	case s.send <- payload:
	case <-s.done:
	}
}

// Heartbeat refreshes the user's presence.
func (s *Session) Heartbeat() bool {
	s.touch()
	return s.hub.presence.RecordHeartbeat(s.userID)
}

// JoinRoom subscribes the session to a conversation's room.
func (s *Session) JoinRoom(conversationID string) error {
	if conversationID == "" {
		return ErrInvalidEnvelope
	}
	if s.State() != StateActive {
		return ErrSessionClosed
	}
	s.hub.rooms.Join(conversationID, s)
	s.logger.Debug("joined conversation", zap.String("conversation_id", conversationID))
	return nil
}

// LeaveRoom unsubscribes the session from a conversation's room.
func (s *Session) LeaveRoom(conversationID string) {
	s.hub.rooms.Leave(conversationID, s.id)
}

// Typing tells the other subscribers of the room that this user is or stopped typing.
func (s *Session) Typing(conversationID string, isTyping bool) error {
	if conversationID == "" {
		return ErrInvalidEnvelope
	}
	payload, err := Encode(EventUserTyping, TypingPayload{
		UserID:         s.userID,
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
	if err != nil {
		return err
	}
	s.hub.rooms.Broadcast(conversationID, payload, s.id)
	return nil
}

// SendMessage relays a message on behalf of the session's user and returns the
// acknowledgement for the client. An empty sender is taken to be the connected user.
// The relay is not cancelled when ctx is, so a send whose connection drops
// mid-flight is still stored and broadcast.
func (s *Session) SendMessage(ctx context.Context, p SendMessagePayload) Ack {
	if !s.limiter.Allow() {
		s.hub.metrics.RelayFailed("rate_limited")
		return Ack{Error: ErrRateLimited.Error()}
	}
	sender := p.Sender
	if sender == "" {
		sender = s.userID
	}
	if sender != s.userID {
		s.hub.metrics.RelayFailed("sender_mismatch")
		return Ack{Error: ErrSenderMismatch.Error()}
	}
	out, err := s.hub.relay.Relay(context.WithoutCancel(ctx), Envelope{
		ConversationID: p.ConversationID,
		Sender:         sender,
		Content:        p.Content,
		LocalID:        p.LocalID,
	})
	switch {
	case err == nil:
		return Ack{Success: true, Message: &out}
	case errors.Is(err, ErrInvalidEnvelope), errors.Is(err, ErrConversationNotFound):
		return Ack{Error: err.Error()}
	default:
		s.logger.Error("relay failed", zap.String("conversation_id", p.ConversationID), zap.Error(err))
		return Ack{Error: ackSendFailed}
	}
}

// HandleFrame decodes and dispatches one inbound frame. Replies (acks and error
// frames) are queued on Outbound.
func (s *Session) HandleFrame(ctx context.Context, raw []byte) {
	if s.State() != StateActive {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("frame handler panicked", zap.Any("panic", r))
			s.replyError("internal error")
		}
	}()
	s.touch()
	frame, err := Decode(raw)
	if err != nil || frame.Event == "" {
		s.replyError("malformed frame")
		return
	}
	switch frame.Event {
	case EventHeartbeat:
		s.Heartbeat()
		if frame.Ack != 0 {
			s.replyAck(frame.Ack, Ack{Success: true})
		}
	case EventJoinConversation:
		var p JoinPayload
		if !s.decodeData(frame, &p) {
			return
		}
		if err := s.JoinRoom(p.ConversationID); err != nil {
			s.replyError(err.Error())
		}
	case EventLeaveConversation:
		var p JoinPayload
		if !s.decodeData(frame, &p) {
			return
		}
		s.LeaveRoom(p.ConversationID)
	case EventTyping:
		var p TypingPayload
		if !s.decodeData(frame, &p) {
			return
		}
		if err := s.Typing(p.ConversationID, p.IsTyping); err != nil {
			s.replyError(err.Error())
		}
	case EventSendMessage:
		var p SendMessagePayload
		if !s.decodeData(frame, &p) {
			if frame.Ack != 0 {
				s.replyAck(frame.Ack, Ack{Error: ackSendFailed})
			}
			return
		}
		ack := s.SendMessage(ctx, p)
		switch {
		case frame.Ack != 0:
			s.replyAck(frame.Ack, ack)
		case ack.Error != "":
			s.replyError(ack.Error)
		}
	default:
		s.replyError("unknown event " + frame.Event)
	}
}

func (s *Session) decodeData(frame Frame, target any) bool {
	if len(frame.Data) == 0 {
		s.replyError(frame.Event + ": missing data")
		return false
	}
	if err := json.Unmarshal(frame.Data, target); err != nil {
		s.replyError(frame.Event + ": invalid data")
		return false
	}
	return true
}

func (s *Session) replyAck(id uint64, ack Ack) {
	payload, err := EncodeAck(EventAck, id, ack)
	if err != nil {
		s.logger.Error("encode ack", zap.Error(err))
		return
	}
	s.reply(payload)
}

func (s *Session) replyError(msg string) {
	payload, err := Encode(EventError, ErrorPayload{Error: msg})
	if err != nil {
		return
	}
	s.reply(payload)
}

// activate moves an authenticated session to Active and registers it in presence.
// It fails when the session was closed first.
func (s *Session) activate() error {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	if !s.state.CompareAndSwap(int32(StateAuthenticated), int32(StateActive)) {
		return ErrSessionClosed
	}
	s.registered = true
	s.hub.presence.RegisterConnection(s.userID, s.id)
	s.hub.metrics.IncConn()
	return nil
}

// Close ends the session: it leaves every room, unregisters from presence and
// detaches from the hub. Only the first call has any effect.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		s.reason = reason
		s.state.Store(int32(StateClosed))
		s.hub.rooms.LeaveAll(s.id)
		s.hub.detach(s)
		s.regMu.Lock()
		registered := s.registered
		s.regMu.Unlock()
		if registered {
			s.hub.presence.UnregisterConnection(s.userID, s.id)
			s.hub.metrics.DecConn()
		}
		close(s.done)
		s.logger.Debug("session closed", zap.NamedError("reason", reason))
	})
}
