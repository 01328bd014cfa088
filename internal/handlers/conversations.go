package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"farm-chat-service/internal/models"
	"farm-chat-service/internal/observability"
	"farm-chat-service/internal/presence"
	"farm-chat-service/internal/repositories"
	"farm-chat-service/internal/ws"
)

// ConversationHandler manages the REST surface for conversations and their
// message backfill; live delivery runs through the websocket gateway.
type ConversationHandler struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	presence      presence.Registry
	hub           *ws.Hub
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(conversations repositories.ConversationRepository, messages repositories.MessageRepository, registry presence.Registry, hub *ws.Hub) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		messages:      messages,
		presence:      registry,
		hub:           hub,
	}
}

// StartConversation creates or returns the conversation for a participant set.
// The caller is always part of the set.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req struct {
		ParticipantIDs []int `json:"participant_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetInt("userID")
	ids := append([]int{userID}, req.ParticipantIDs...)

	conv, err := h.conversations.CreateOrGetConversation(c.Request.Context(), ids)
	if err != nil {
		if errors.Is(err, repositories.ErrInvalidParticipants) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "at least two distinct participants required"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create conversation"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": conv.ID,
		"participant_ids": conv.ParticipantIDs,
		"created_at":      conv.CreatedAt,
	})
}

// ListConversations returns the caller's conversations ordered by recency,
// decorated with each participant's presence.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID := c.GetInt("userID")

	summaries, err := h.conversations.ListConversationsForUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}

	memberSet := map[int]struct{}{}
	memberIDs := make([]int, 0)
	for _, summary := range summaries {
		for _, id := range summary.ParticipantIDs {
			if _, ok := memberSet[id]; !ok {
				memberSet[id] = struct{}{}
				memberIDs = append(memberIDs, id)
			}
		}
	}

	online, err := h.presence.Online(c.Request.Context(), memberIDs)
	if err != nil {
		// Presence is a decoration; the listing must survive registry faults.
		online = map[int]bool{}
	}

	type participantResponse struct {
		UserID int  `json:"user_id"`
		Online bool `json:"online"`
	}
	type conversationResponse struct {
		ConversationID int                   `json:"conversation_id"`
		Participants   []participantResponse `json:"participants"`
		LastMessageAt  time.Time             `json:"last_message_at"`
		CreatedAt      time.Time             `json:"created_at"`
	}

	responses := make([]conversationResponse, 0, len(summaries))
	for _, summary := range summaries {
		participants := make([]participantResponse, 0, len(summary.ParticipantIDs))
		for _, id := range summary.ParticipantIDs {
			participants = append(participants, participantResponse{UserID: id, Online: online[id]})
		}
		responses = append(responses, conversationResponse{
			ConversationID: summary.ConversationID,
			Participants:   participants,
			LastMessageAt:  summary.LastMessageAt,
			CreatedAt:      summary.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"conversations": responses})
}

// GetMessages returns a conversation's messages in append order.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	conversationID, err := strconv.Atoi(c.Param("conversation_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	userID := c.GetInt("userID")
	msgs, err := h.messages.ListMessages(c.Request.Context(), conversationID, userID)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage appends a message over REST and fans it out to every open
// channel of the conversation's participants.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	conversationID, err := strconv.Atoi(c.Param("conversation_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	var req struct {
		Body string `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetInt("userID")
	msg, err := h.messages.AppendMessage(c.Request.Context(), conversationID, userID, req.Body)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}

	observability.IncMessageAppended("rest")

	participants, err := h.conversations.Participants(c.Request.Context(), msg.ConversationID)
	if err == nil {
		h.hub.BroadcastMessage(participants, msg, nil)
	}

	_ = observability.PublishEvent(c.Request.Context(), "messages.created", observability.EventEnvelope{
		EventType: "messages",
		EventName: "message_created",
		Payload: map[string]interface{}{
			"message": msg,
			"via":     "rest",
		},
	}, observability.BuildHeaders(requestIDFromContext(c), ""))

	c.JSON(http.StatusCreated, msg)
}

func (h *ConversationHandler) writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repositories.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, repositories.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation participant"})
	case errors.Is(err, repositories.ErrEmptyBody):
		c.JSON(http.StatusBadRequest, gin.H{"error": "message body is empty"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store operation failed"})
	}
}
