package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"farm-chat-service/internal/auth"
	"farm-chat-service/internal/mocks"
	"farm-chat-service/internal/models"
	"farm-chat-service/internal/presence"
	"farm-chat-service/internal/repositories"
)

const testSecret = "test-secret"

func newGatewayServer(t *testing.T, convRepo *mocks.ConversationRepositoryMock, msgRepo *mocks.MessageRepositoryMock) (*httptest.Server, *Hub, *presence.MemoryRegistry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub()
	registry := presence.NewMemoryRegistry()
	gateway := NewGatewayHandler(hub, auth.NewVerifier(testSecret), convRepo, msgRepo, registry)

	router := gin.New()
	router.GET("/ws", gateway.Handle)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, hub, registry
}

func dialGateway(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func authenticateAs(t *testing.T, conn *websocket.Conn, userID int) {
	t.Helper()
	token, err := auth.Sign(testSecret, userID, time.Minute)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(models.ClientEvent{Type: models.EventAuthenticate, Token: token}))
}

func readEvent(t *testing.T, conn *websocket.Conn) models.ServerEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var event models.ServerEvent
	require.NoError(t, json.Unmarshal(raw, &event))
	return event
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func waitForChannels(t *testing.T, hub *Hub, userID, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.ConnectionCount(userID) == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayRejectsBadToken(t *testing.T) {
	srv, hub, _ := newGatewayServer(t, new(mocks.ConversationRepositoryMock), new(mocks.MessageRepositoryMock))

	conn := dialGateway(t, srv)
	require.NoError(t, conn.WriteJSON(models.ClientEvent{Type: models.EventAuthenticate, Token: "garbage"}))

	event := readEvent(t, conn)
	assert.Equal(t, models.EventAuthError, event.Type)

	// The channel is closed after the auth_error frame.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.Equal(t, 0, hub.ConnectionCount(0))
}

func TestGatewayRejectsNonAuthFirstFrame(t *testing.T) {
	srv, _, _ := newGatewayServer(t, new(mocks.ConversationRepositoryMock), new(mocks.MessageRepositoryMock))

	conn := dialGateway(t, srv)
	require.NoError(t, conn.WriteJSON(models.ClientEvent{Type: models.EventSend, ConversationID: 1, Body: "hi"}))

	event := readEvent(t, conn)
	assert.Equal(t, models.EventAuthError, event.Type)
}

func TestGatewayDeliversToPeerChannels(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := new(mocks.MessageRepositoryMock)
	srv, hub, registry := newGatewayServer(t, convRepo, msgRepo)

	sender := dialGateway(t, srv)
	authenticateAs(t, sender, 1)
	waitForChannels(t, hub, 1, 1)

	peer := dialGateway(t, srv)
	authenticateAs(t, peer, 2)
	waitForChannels(t, hub, 2, 1)

	outsider := dialGateway(t, srv)
	authenticateAs(t, outsider, 3)
	waitForChannels(t, hub, 3, 1)

	online, err := registry.Online(context.Background(), []int{1, 2, 3})
	require.NoError(t, err)
	assert.True(t, online[1] && online[2] && online[3])

	stored := models.Message{ID: 7, ConversationID: 5, SenderID: 1, Body: "hello", CreatedAt: time.Now().UTC()}
	msgRepo.On("AppendMessage", mock.Anything, 5, 1, "hello").Return(stored, nil).Once()
	convRepo.On("Participants", mock.Anything, 5).Return([]int{1, 2}, nil).Once()

	require.NoError(t, sender.WriteJSON(models.ClientEvent{Type: models.EventSend, ConversationID: 5, Body: "hello"}))

	event := readEvent(t, peer)
	assert.Equal(t, models.EventMessageReceived, event.Type)
	require.NotNil(t, event.Message)
	assert.Equal(t, 7, event.Message.ID)
	assert.Equal(t, "hello", event.Message.Body)

	// The sending channel and the non-participant hear nothing.
	expectSilence(t, sender)
	expectSilence(t, outsider)

	msgRepo.AssertExpectations(t)
	convRepo.AssertExpectations(t)
}

func TestGatewaySendErrorReachesSenderOnly(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := new(mocks.MessageRepositoryMock)
	srv, hub, _ := newGatewayServer(t, convRepo, msgRepo)

	sender := dialGateway(t, srv)
	authenticateAs(t, sender, 3)
	waitForChannels(t, hub, 3, 1)

	peer := dialGateway(t, srv)
	authenticateAs(t, peer, 2)
	waitForChannels(t, hub, 2, 1)

	msgRepo.On("AppendMessage", mock.Anything, 5, 3, "hi").
		Return(models.Message{}, repositories.ErrNotParticipant).Once()

	require.NoError(t, sender.WriteJSON(models.ClientEvent{Type: models.EventSend, ConversationID: 5, Body: "hi"}))

	event := readEvent(t, sender)
	assert.Equal(t, models.EventSendError, event.Type)
	assert.Equal(t, "not_participant", event.Reason)

	expectSilence(t, peer)
	msgRepo.AssertExpectations(t)
}

func TestGatewayDisconnectClearsPresence(t *testing.T) {
	srv, hub, registry := newGatewayServer(t, new(mocks.ConversationRepositoryMock), new(mocks.MessageRepositoryMock))

	conn := dialGateway(t, srv)
	authenticateAs(t, conn, 1)
	waitForChannels(t, hub, 1, 1)

	require.NoError(t, conn.Close())
	waitForChannels(t, hub, 1, 0)

	require.Eventually(t, func() bool {
		online, err := registry.Online(context.Background(), []int{1})
		return err == nil && !online[1]
	}, 2*time.Second, 10*time.Millisecond)
}
