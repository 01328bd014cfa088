package models

import "time"

// Message is an immutable entry in a conversation. Ordering within a
// conversation follows created_at with the serial id breaking ties.
type Message struct {
	ID             int       `db:"id" json:"id"`
	ConversationID int       `db:"conversation_id" json:"conversation_id"`
	SenderID       int       `db:"sender_id" json:"sender_id"`
	Body           string    `db:"body" json:"body"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Event types carried on the websocket channel.
const (
	EventAuthenticate    = "authenticate"
	EventSend            = "send"
	EventMessageReceived = "message_received"
	EventAuthError       = "auth_error"
	EventSendError       = "send_error"
)

// ClientEvent is a frame sent by a connected client.
type ClientEvent struct {
	Type           string `json:"type"`
	Token          string `json:"token,omitempty"`
	ConversationID int    `json:"conversation_id,omitempty"`
	Body           string `json:"body,omitempty"`
}

// ServerEvent is a frame pushed to connected clients.
type ServerEvent struct {
	Type    string   `json:"type"`
	Message *Message `json:"message,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}
