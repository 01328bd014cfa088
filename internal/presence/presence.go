package presence

import (
	"context"
	"sync"
)

// Registry tracks which users currently hold at least one open channel.
// The gateway is the only writer; read paths decorate conversation listings.
// A user with multiple devices appears online until the last channel closes.
type Registry interface {
	Connect(ctx context.Context, userID int, connID string) error
	Disconnect(ctx context.Context, userID int, connID string) error
	Online(ctx context.Context, userIDs []int) (map[int]bool, error)
}

// MemoryRegistry is the single-process implementation.
type MemoryRegistry struct {
	mu    sync.RWMutex
	conns map[int]map[string]struct{}
}

// NewMemoryRegistry constructs an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{conns: make(map[int]map[string]struct{})}
}

func (r *MemoryRegistry) Connect(_ context.Context, userID int, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[userID]; !ok {
		r.conns[userID] = make(map[string]struct{})
	}
	r.conns[userID][connID] = struct{}{}
	return nil
}

func (r *MemoryRegistry) Disconnect(_ context.Context, userID int, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conns, ok := r.conns[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.conns, userID)
		}
	}
	return nil
}

func (r *MemoryRegistry) Online(_ context.Context, userIDs []int) (map[int]bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	online := make(map[int]bool, len(userIDs))
	for _, id := range userIDs {
		online[id] = len(r.conns[id]) > 0
	}
	return online, nil
}
