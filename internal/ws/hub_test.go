package ws

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farm-chat-service/internal/models"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeTransport) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeTransport) SetWriteDeadline(time.Time) error          { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) lastFrame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

func newTestConnection(userID int) (*Connection, *fakeTransport) {
	transport := &fakeTransport{}
	conn := NewConnection(userID, transport)
	conn.Start()
	return conn, transport
}

func TestHubAddAndRemove(t *testing.T) {
	hub := NewHub()
	conn, _ := newTestConnection(1)

	hub.Add(conn)
	require.Equal(t, 1, hub.ConnectionCount(1))

	hub.Remove(conn)
	require.Equal(t, 0, hub.ConnectionCount(1))
}

func TestHubMultiDevice(t *testing.T) {
	hub := NewHub()
	first, _ := newTestConnection(1)
	second, _ := newTestConnection(1)

	hub.Add(first)
	hub.Add(second)
	require.Equal(t, 2, hub.ConnectionCount(1))

	hub.Remove(first)
	require.Equal(t, 1, hub.ConnectionCount(1))
}

func TestBroadcastDeliversOncePerChannel(t *testing.T) {
	hub := NewHub()

	sender, senderTransport := newTestConnection(1)
	senderSecond, senderSecondTransport := newTestConnection(1)
	peer, peerTransport := newTestConnection(2)
	outsider, outsiderTransport := newTestConnection(3)

	hub.Add(sender)
	hub.Add(senderSecond)
	hub.Add(peer)
	hub.Add(outsider)

	msg := models.Message{ID: 7, ConversationID: 5, SenderID: 1, Body: "hello"}
	hub.BroadcastMessage([]int{1, 2}, msg, sender)

	require.Eventually(t, func() bool {
		return peerTransport.frameCount() == 1 && senderSecondTransport.frameCount() == 1
	}, time.Second, 10*time.Millisecond)

	var event models.ServerEvent
	require.NoError(t, json.Unmarshal(peerTransport.lastFrame(), &event))
	assert.Equal(t, models.EventMessageReceived, event.Type)
	require.NotNil(t, event.Message)
	assert.Equal(t, "hello", event.Message.Body)
	assert.Equal(t, 7, event.Message.ID)

	// The sending channel and non-participants see nothing.
	assert.Equal(t, 0, senderTransport.frameCount())
	assert.Equal(t, 0, outsiderTransport.frameCount())
}

func TestBroadcastSkipsOfflineParticipant(t *testing.T) {
	hub := NewHub()
	peer, peerTransport := newTestConnection(2)
	hub.Add(peer)

	// Participant 9 has no open channels; delivery to the connected peer
	// proceeds and nobody else is affected.
	hub.BroadcastMessage([]int{2, 9}, models.Message{ID: 1, ConversationID: 5, SenderID: 9, Body: "late"}, nil)

	require.Eventually(t, func() bool {
		return peerTransport.frameCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestConnectionSendAfterClose(t *testing.T) {
	conn, transport := newTestConnection(1)
	conn.Close(websocket.CloseNormalClosure, "bye")

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection did not report teardown")
	}

	// The send buffer stays writable after the write loop exits, so every
	// post-close Send must still fail rather than queue into the void.
	for i := 0; i < 64; i++ {
		require.ErrorIs(t, conn.Send([]byte("x")), ErrConnectionClosed)
	}
	assert.True(t, transport.closed)
}
