package realtime

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"pulsechat/internal/metrics"
	"pulsechat/internal/storage"
)

var (
	ErrInvalidEnvelope      = errors.New("conversationId and sender are required")
	ErrConversationNotFound = errors.New("conversation not found")
)

// Store is the persistence the realtime layer needs. *storage.Store satisfies it.
// Lookups return (nil, nil) when the row does not exist.
type Store interface {
	FindUser(ctx context.Context, id string) (*storage.User, error)
	FindConversation(ctx context.Context, id string) (*storage.Conversation, error)
	CreateMessage(ctx context.Context, conversationID, senderID, content string) (*storage.Message, error)
	UpdateLastMessage(ctx context.Context, conversationID, messageID string) error
}

const relayStripes = 64

// Relay persists outgoing messages and fans them out to the conversation's room.
// Messages for the same conversation are persisted and broadcast one at a time,
// so subscribers see them in commit order.
type Relay struct {
	store   Store
	rooms   *Rooms
	logger  *zap.Logger
	metrics *metrics.Metrics
	stripes [relayStripes]sync.Mutex
}

func NewRelay(store Store, rooms *Rooms, logger *zap.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{store: store, rooms: rooms, logger: logger, metrics: m}
}

// Relay validates env, stores it and broadcasts the stored copy as receiveMessage.
// Nothing is broadcast when validation or persistence fails. A failure to update
// the conversation's last-message pointer is logged and does not fail the send.
func (r *Relay) Relay(ctx context.Context, env Envelope) (Envelope, error) {
	if env.ConversationID == "" || env.Sender == "" {
		r.metrics.RelayFailed("invalid")
		return Envelope{}, ErrInvalidEnvelope
	}

	mu := r.stripe(env.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := r.store.FindConversation(ctx, env.ConversationID)
	if err != nil {
		r.metrics.RelayFailed("lookup")
		return Envelope{}, fmt.Errorf("find conversation: %w", err)
	}
	if conv == nil {
		r.metrics.RelayFailed("not_found")
		return Envelope{}, ErrConversationNotFound
	}

	msg, err := r.store.CreateMessage(ctx, conv.ID, env.Sender, env.Content)
	if err != nil {
		r.metrics.RelayFailed("persist")
		return Envelope{}, fmt.Errorf("persist message: %w", err)
	}
	if err := r.store.UpdateLastMessage(ctx, conv.ID, msg.ID); err != nil {
		r.logger.Warn("failed to update last message",
			zap.String("conversation_id", conv.ID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}

	out := Envelope{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Sender:         msg.SenderID,
		Content:        msg.Content,
		Timestamp:      msg.CreatedAt.UnixMilli(),
		Seen:           msg.Seen,
		LocalID:        env.LocalID,
	}
	payload, err := Encode(EventReceiveMessage, out)
	if err != nil {
		r.metrics.RelayFailed("encode")
		return Envelope{}, fmt.Errorf("encode message: %w", err)
	}
	delivered := r.rooms.Broadcast(conv.ID, payload, "")
	r.metrics.MessageRelayed()
	r.logger.Debug("message relayed",
		zap.String("conversation_id", conv.ID),
		zap.String("message_id", msg.ID),
		zap.Int("delivered", delivered),
	)
	return out, nil
}

func (r *Relay) stripe(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return &r.stripes[h.Sum32()%relayStripes]
}
