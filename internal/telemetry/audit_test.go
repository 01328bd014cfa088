package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"farm-chat-service/internal/mocks"
)

func TestAuditEmitterPublishesEnvelope(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	emitter := NewAuditEmitter(publisher, "audit.farm_chat", "farm-chat-service", "test")

	publisher.On("Publish", mock.Anything, "audit.farm_chat", mock.MatchedBy(func(event any) bool {
		envelope, ok := event.(AuditEnvelope)
		if !ok {
			return false
		}
		return envelope.EventType == "audit_log" &&
			envelope.Service == "farm-chat-service" &&
			envelope.RequestID == "req-1" &&
			envelope.UserID != nil && *envelope.UserID == "42" &&
			envelope.Payload.Level == "INFO"
	}), mock.Anything).Return(nil).Once()

	userID := 42
	emitter.Emit(context.Background(), "INFO", "hello", "req-1", &userID)

	publisher.AssertExpectations(t)
}

func TestAuditEmitterNilPublisherIsNoop(t *testing.T) {
	var emitter *AuditEmitter
	require.NotPanics(t, func() {
		emitter.Emit(context.Background(), "INFO", "hello", "req-1", nil)
	})

	emitter = NewAuditEmitter(nil, "k", "s", "e")
	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "INFO", "hello", "req-1", nil)
	})
}
