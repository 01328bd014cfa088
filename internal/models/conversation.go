package models

import "time"

// Conversation is a set of at least two participants exchanging messages.
type Conversation struct {
	ID             int       `db:"id" json:"id"`
	ParticipantIDs []int     `json:"participant_ids"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// ConversationSummary is the API-facing view used by conversation listings.
type ConversationSummary struct {
	ConversationID int       `db:"id" json:"conversation_id"`
	ParticipantIDs []int     `json:"participant_ids"`
	LastMessageAt  time.Time `db:"last_message_at" json:"last_message_at"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
