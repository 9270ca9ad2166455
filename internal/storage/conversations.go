package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Conversation is a chat room with its participant ids.
type Conversation struct {
	ID            string
	Participants  []string
	LastMessageID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// Message is a persisted chat message.
type Message struct {
	Seq            int64
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      time.Time
	Seen           bool
}

// CreateConversation inserts a conversation for the given participants. Duplicate ids are
// collapsed; fewer than two distinct participants is rejected with ErrTooFewParticipants.
func (s *Store) CreateConversation(ctx context.Context, participantIDs []string) (*Conversation, error) {
	members := uniqueIDs(participantIDs)
	if len(members) < 2 {
		return nil, ErrTooFewParticipants
	}
	now := s.now()
	conv := &Conversation{
		ID:           uuid.NewString(),
		Participants: members,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, id := range members {
		var count int
		if err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE id = ?`, id).Scan(&count); err != nil {
			return nil, err
		}
		if count == 0 {
			err = ErrUnknownParticipant
			return nil, err
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO conversations(id, created_at, updated_at) VALUES(?, ?, ?)`,
		conv.ID, toUnix(now), toUnix(now)); err != nil {
		return nil, err
	}
	for _, id := range members {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO conversation_participants(conversation_id, user_id, joined_at) VALUES(?, ?, ?)`,
			conv.ID, id, toUnix(now)); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return conv, nil
}

// FindConversation fetches a conversation with its participants. A missing row yields (nil, nil).
func (s *Store) FindConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, last_message_id, created_at, updated_at FROM conversations WHERE id = ?`, id)
	var (
		conv               Conversation
		createdAt, updated int64
	)
	if err := row.Scan(&conv.ID, &conv.LastMessageID, &createdAt, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	conv.CreatedAt = fromUnix(createdAt)
	conv.UpdatedAt = fromUnix(updated)
	participants, err := s.participants(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	conv.Participants = participants
	return &conv, nil
}

// ListUserConversations returns the conversations userID participates in, most recently
// updated first.
func (s *Store) ListUserConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.last_message_id, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.updated_at DESC, c.id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	var convs []Conversation
	for rows.Next() {
		var (
			conv               Conversation
			createdAt, updated int64
		)
		if err := rows.Scan(&conv.ID, &conv.LastMessageID, &createdAt, &updated); err != nil {
			rows.Close()
			return nil, err
		}
		conv.CreatedAt = fromUnix(createdAt)
		conv.UpdatedAt = fromUnix(updated)
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	// The single connection is released before the participant lookups run.
	for i := range convs {
		participants, err := s.participants(ctx, convs[i].ID)
		if err != nil {
			return nil, err
		}
		convs[i].Participants = participants
	}
	return convs, nil
}

// AddParticipant adds userID to a conversation. Adding an existing member is a no-op.
func (s *Store) AddParticipant(ctx context.Context, conversationID, userID string) error {
	conv, err := s.FindConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return ErrNotFound
	}
	user, err := s.FindUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUnknownParticipant
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversation_participants(conversation_id, user_id, joined_at) VALUES(?, ?, ?)`,
		conversationID, userID, toUnix(s.now()))
	return err
}

// CreateMessage persists a message and returns the stored row.
func (s *Store) CreateMessage(ctx context.Context, conversationID, senderID, content string) (*Message, error) {
	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      s.now(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(id, conversation_id, sender_id, content, created_at) VALUES(?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, toUnix(msg.CreatedAt))
	if err != nil {
		if isConstraintError(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if msg.Seq, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return msg, nil
}

// UpdateLastMessage points the conversation at messageID and bumps its updated time.
func (s *Store) UpdateLastMessage(ctx context.Context, conversationID, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_id = ?, updated_at = ? WHERE id = ?`,
		messageID, toUnix(s.now()), conversationID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ListMessages returns up to limit of the most recent messages in ascending order.
// A non-positive limit returns the full history.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, conversation_id, sender_id, content, created_at, seen FROM (
			SELECT seq, id, conversation_id, sender_id, content, created_at, seen
			FROM messages
			WHERE conversation_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []Message
	for rows.Next() {
		var (
			msg       Message
			createdAt int64
		)
		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &createdAt, &msg.Seen); err != nil {
			return nil, err
		}
		msg.CreatedAt = fromUnix(createdAt)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// MarkSeen flags every message in the conversation not sent by readerID as seen.
func (s *Store) MarkSeen(ctx context.Context, conversationID, readerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET seen = 1 WHERE conversation_id = ? AND sender_id != ? AND seen = 0`,
		conversationID, readerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) participants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY joined_at ASC, user_id ASC`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
