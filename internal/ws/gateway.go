package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"farm-chat-service/internal/auth"
	"farm-chat-service/internal/models"
	"farm-chat-service/internal/observability"
	"farm-chat-service/internal/presence"
	"farm-chat-service/internal/repositories"
)

const (
	authWait = 10 * time.Second
	pongWait = 60 * time.Second

	routingKeyWSEvents = "ws_events.conversations"
	routingKeyMessages = "messages.created"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// GatewayHandler owns the websocket endpoint. A channel authenticates with
// its first frame, then exchanges send/message_received frames until either
// side closes it.
type GatewayHandler struct {
	hub           *Hub
	verifier      *auth.Verifier
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	presence      presence.Registry
}

// NewGatewayHandler constructs a GatewayHandler.
func NewGatewayHandler(hub *Hub, verifier *auth.Verifier, conversations repositories.ConversationRepository, messages repositories.MessageRepository, registry presence.Registry) *GatewayHandler {
	return &GatewayHandler{
		hub:           hub,
		verifier:      verifier,
		conversations: conversations,
		messages:      messages,
		presence:      registry,
	}
}

// Handle upgrades the connection, authenticates the first frame and hands the
// channel to its read loop.
func (h *GatewayHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("farm-chat-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	socket, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	userID, ok := h.authenticate(socket)
	if !ok {
		observability.IncWSEvent("auth_failed")
		_ = socket.Close()
		return
	}

	conn := NewConnection(userID, socket)
	conn.DeviceID = observability.DeviceIDFromRequest(c.Request)
	conn.IP = observability.IPFromRequest(c.Request)
	conn.RequestID = observability.RequestIDFromRequest(c.Request)
	conn.TraceID = span.SpanContext().TraceID().String()
	conn.Start()

	h.hub.Add(conn)
	if err := h.presence.Connect(ctx, userID, conn.ID); err != nil {
		log.Printf("presence connect failed user=%d: %v", userID, err)
	}

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	h.publishWSEvent(ctx, conn, "ws_connect", "")

	_ = socket.SetReadDeadline(time.Now().Add(pongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	go h.readLoop(socket, conn)
}

// authenticate enforces the sole transition into the connected state: the
// first inbound frame must carry a valid token. On failure an auth_error
// frame is written and the caller closes the socket.
func (h *GatewayHandler) authenticate(socket *websocket.Conn) (int, bool) {
	_ = socket.SetReadDeadline(time.Now().Add(authWait))

	_, raw, err := socket.ReadMessage()
	if err != nil {
		return 0, false
	}

	var ev models.ClientEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Type != models.EventAuthenticate {
		writeDirect(socket, models.ServerEvent{Type: models.EventAuthError, Reason: "expected authenticate event"})
		return 0, false
	}

	userID, err := h.verifier.Verify(ev.Token)
	if err != nil {
		writeDirect(socket, models.ServerEvent{Type: models.EventAuthError, Reason: "invalid token"})
		return 0, false
	}
	return userID, true
}

func (h *GatewayHandler) readLoop(socket *websocket.Conn, conn *Connection) {
	// Store calls made on behalf of this channel stop when the channel goes.
	ctx, cancel := context.WithCancel(context.Background())

	// The channel can be closed away from this loop, on buffer overflow or a
	// failed broadcast write. Closing the socket unblocks the pending read so
	// teardown does not wait out the pong deadline.
	go func() {
		<-conn.Done()
		_ = socket.Close()
	}()

	var closeReason string
	defer func() {
		cancel()
		h.hub.Remove(conn)
		if err := h.presence.Disconnect(context.Background(), conn.UserID, conn.ID); err != nil {
			log.Printf("presence disconnect failed user=%d: %v", conn.UserID, err)
		}
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		h.publishWSEvent(context.Background(), conn, "ws_disconnect", closeReason)
		conn.Close(websocket.CloseNormalClosure, "")
	}()

	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
				h.publishWSEvent(context.Background(), conn, "ws_error", closeReason)
			}
			return
		}

		var ev models.ClientEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			_ = conn.SendEvent(models.ServerEvent{Type: models.EventSendError, Reason: "malformed event"})
			continue
		}

		switch ev.Type {
		case models.EventSend:
			h.handleSend(ctx, conn, ev)
		case models.EventAuthenticate:
			// Channel is already bound; re-authentication is a no-op.
		default:
			_ = conn.SendEvent(models.ServerEvent{Type: models.EventSendError, Reason: "unknown event type"})
		}
	}
}

// handleSend persists the message and fans it out to the other open channels
// of every participant. Store errors go back to the sending channel only.
func (h *GatewayHandler) handleSend(ctx context.Context, conn *Connection, ev models.ClientEvent) {
	msg, err := h.messages.AppendMessage(ctx, ev.ConversationID, conn.UserID, ev.Body)
	if err != nil {
		observability.IncWSEvent("send_error")
		_ = conn.SendEvent(models.ServerEvent{Type: models.EventSendError, Reason: sendErrorReason(err)})
		return
	}

	observability.IncMessageAppended("ws")

	participants, err := h.conversations.Participants(ctx, msg.ConversationID)
	if err != nil {
		// The write is durable; fan-out is best effort from here.
		log.Printf("participants lookup failed conversation=%d: %v", msg.ConversationID, err)
		return
	}

	h.hub.BroadcastMessage(participants, msg, conn)

	_ = observability.PublishEvent(ctx, routingKeyMessages, observability.EventEnvelope{
		EventType: "messages",
		EventName: "message_created",
		Payload: map[string]interface{}{
			"message": msg,
			"via":     "ws",
		},
	}, observability.BuildHeaders(conn.RequestID, conn.TraceID))
}

func (h *GatewayHandler) publishWSEvent(ctx context.Context, conn *Connection, event, reason string) {
	_ = observability.PublishEvent(ctx, routingKeyWSEvents, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"event":       event,
				"conn_id":     conn.ID,
				"duration_ms": time.Since(conn.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   conn.UserID,
				"device_id": conn.DeviceID,
				"ip":        conn.IP,
			},
		},
	}, observability.BuildHeaders(conn.RequestID, conn.TraceID))
}

func writeDirect(socket *websocket.Conn, event models.ServerEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = socket.SetWriteDeadline(time.Now().Add(writeWait))
	_ = socket.WriteMessage(websocket.TextMessage, payload)
}

func sendErrorReason(err error) string {
	switch {
	case errors.Is(err, repositories.ErrConversationNotFound):
		return "conversation_not_found"
	case errors.Is(err, repositories.ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, repositories.ErrEmptyBody):
		return "empty_body"
	default:
		return "internal_error"
	}
}
