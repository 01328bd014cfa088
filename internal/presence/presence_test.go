package presence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	registry := NewMemoryRegistry()

	online, err := registry.Online(ctx, []int{1})
	require.NoError(t, err)
	assert.False(t, online[1])

	require.NoError(t, registry.Connect(ctx, 1, "conn-a"))
	online, err = registry.Online(ctx, []int{1, 2})
	require.NoError(t, err)
	assert.True(t, online[1])
	assert.False(t, online[2])

	require.NoError(t, registry.Disconnect(ctx, 1, "conn-a"))
	online, err = registry.Online(ctx, []int{1})
	require.NoError(t, err)
	assert.False(t, online[1])
}

func TestMemoryRegistryMultiDevice(t *testing.T) {
	ctx := context.Background()
	registry := NewMemoryRegistry()

	require.NoError(t, registry.Connect(ctx, 1, "conn-a"))
	require.NoError(t, registry.Connect(ctx, 1, "conn-b"))

	// Dropping one device keeps the user online until the last one goes.
	require.NoError(t, registry.Disconnect(ctx, 1, "conn-a"))
	online, err := registry.Online(ctx, []int{1})
	require.NoError(t, err)
	assert.True(t, online[1])

	require.NoError(t, registry.Disconnect(ctx, 1, "conn-b"))
	online, err = registry.Online(ctx, []int{1})
	require.NoError(t, err)
	assert.False(t, online[1])
}

func TestMemoryRegistryDisconnectUnknown(t *testing.T) {
	ctx := context.Background()
	registry := NewMemoryRegistry()

	require.NoError(t, registry.Disconnect(ctx, 1, "never-connected"))
}
