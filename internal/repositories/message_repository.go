package repositories

import (
	"context"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"farm-chat-service/internal/models"
)

var ErrEmptyBody = errors.New("message body is empty")

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	AppendMessage(ctx context.Context, conversationID int, senderID int, body string) (models.Message, error)
	ListMessages(ctx context.Context, conversationID int, userID int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db            *sqlx.DB
	conversations ConversationRepository
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB, conversations ConversationRepository) *MessageRepo {
	return &MessageRepo{db: db, conversations: conversations}
}

// AppendMessage stores a message after validating the sender's membership.
// Each call creates a new row; retry deduplication belongs to callers.
func (r *MessageRepo) AppendMessage(ctx context.Context, conversationID int, senderID int, body string) (models.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return models.Message{}, ErrEmptyBody
	}

	if err := r.requireParticipant(ctx, conversationID, senderID); err != nil {
		return models.Message{}, err
	}

	var msg models.Message
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO messages (conversation_id, sender_id, body) VALUES ($1, $2, $3)
         RETURNING id, conversation_id, sender_id, body, created_at`,
		conversationID, senderID, body).
		Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Body, &msg.CreatedAt)
	return msg, err
}

// ListMessages returns conversation messages in append order.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID int, userID int) ([]models.Message, error) {
	if err := r.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs,
		`SELECT id, conversation_id, sender_id, body, created_at
         FROM messages
         WHERE conversation_id=$1
         ORDER BY created_at ASC, id ASC`,
		conversationID)
	return msgs, err
}

func (r *MessageRepo) requireParticipant(ctx context.Context, conversationID int, userID int) error {
	if _, err := r.conversations.GetConversation(ctx, conversationID); err != nil {
		return err
	}
	member, err := r.conversations.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotParticipant
	}
	return nil
}
