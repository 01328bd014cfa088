package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"farm-chat-service/internal/models"
)

var (
	ErrInvalidParticipants  = errors.New("conversation needs at least two distinct participants")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("user is not a conversation participant")
)

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	CreateOrGetConversation(ctx context.Context, participantIDs []int) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID int) (models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error)
	Participants(ctx context.Context, conversationID int) ([]int, error)
	ListConversationsForUser(ctx context.Context, userID int) ([]models.ConversationSummary, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// CreateOrGetConversation returns the conversation holding exactly this
// participant set, creating it on first use. The sorted-id hash carries a
// unique constraint, so concurrent first messages converge on one row.
func (r *ConversationRepo) CreateOrGetConversation(ctx context.Context, participantIDs []int) (models.Conversation, error) {
	ids, err := normalizeParticipants(participantIDs)
	if err != nil {
		return models.Conversation{}, err
	}
	hash := participantHash(ids)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (participant_hash) VALUES ($1) ON CONFLICT (participant_hash) DO NOTHING`,
		hash); err != nil {
		return models.Conversation{}, err
	}

	var conv models.Conversation
	if err := tx.GetContext(ctx, &conv,
		`SELECT id, created_at FROM conversations WHERE participant_hash=$1`, hash); err != nil {
		return models.Conversation{}, err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			conv.ID, id); err != nil {
			return models.Conversation{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Conversation{}, err
	}

	conv.ParticipantIDs = ids
	return conv, nil
}

// GetConversation fetches a conversation with its participant set.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID int) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv,
		`SELECT id, created_at FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}

	conv.ParticipantIDs, err = r.Participants(ctx, conversationID)
	return conv, err
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM conversation_members WHERE conversation_id=$1 AND user_id=$2)`,
		conversationID, userID)
	return exists, err
}

// Participants returns the member ids of a conversation in ascending order.
func (r *ConversationRepo) Participants(ctx context.Context, conversationID int) ([]int, error) {
	var ids []int
	err := r.db.SelectContext(ctx, &ids,
		`SELECT user_id FROM conversation_members WHERE conversation_id=$1 ORDER BY user_id`,
		conversationID)
	return ids, err
}

// ListConversationsForUser returns the user's conversations ordered by the
// time of their most recent message, newest first. Conversations without
// messages fall back to their creation time.
func (r *ConversationRepo) ListConversationsForUser(ctx context.Context, userID int) ([]models.ConversationSummary, error) {
	query := `SELECT c.id, c.created_at, COALESCE(MAX(m.created_at), c.created_at) AS last_message_at
        FROM conversations c
        JOIN conversation_members cm ON cm.conversation_id = c.id AND cm.user_id = $1
        LEFT JOIN messages m ON m.conversation_id = c.id
        GROUP BY c.id, c.created_at
        ORDER BY last_message_at DESC`
	var summaries []models.ConversationSummary
	if err := r.db.SelectContext(ctx, &summaries, query, userID); err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return summaries, nil
	}

	convIDs := make([]int64, 0, len(summaries))
	for _, s := range summaries {
		convIDs = append(convIDs, int64(s.ConversationID))
	}

	rows, err := r.db.QueryxContext(ctx,
		`SELECT conversation_id, user_id FROM conversation_members WHERE conversation_id = ANY($1) ORDER BY user_id`,
		pq.Array(convIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	membersByConv := make(map[int][]int, len(summaries))
	for rows.Next() {
		var convID, memberID int
		if err := rows.Scan(&convID, &memberID); err != nil {
			return nil, err
		}
		membersByConv[convID] = append(membersByConv[convID], memberID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range summaries {
		summaries[i].ParticipantIDs = membersByConv[summaries[i].ConversationID]
	}
	return summaries, nil
}

func normalizeParticipants(participantIDs []int) ([]int, error) {
	seen := make(map[int]struct{}, len(participantIDs))
	ids := make([]int, 0, len(participantIDs))
	for _, id := range participantIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) < 2 {
		return nil, ErrInvalidParticipants
	}
	sort.Ints(ids)
	return ids, nil
}

func participantHash(sortedIDs []int) string {
	parts := make([]string, len(sortedIDs))
	for i, id := range sortedIDs {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ":")
}
