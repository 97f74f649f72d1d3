package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nzbcore/nzbcore/internal/config"
)

func TestGate_StreamingDrawsReservedSlotFirst(t *testing.T) {
	g := newGate(config.ProviderConfig{MaxConnections: 10, StreamingReserveFraction: 0.5})
	assert.Equal(t, 5, cap(g.reserved))
	assert.Equal(t, 5, cap(g.shared))

	ctx := context.Background()
	release, err := g.acquire(ctx, UsageStreaming)
	require.NoError(t, err)
	assert.Len(t, g.reserved, 4)
	assert.Len(t, g.shared, 5)
	release()
	assert.Len(t, g.reserved, 5)
}

func TestGate_QueueNeverDrawsReservedSlot(t *testing.T) {
	g := newGate(config.ProviderConfig{MaxConnections: 3, StreamingReserveFraction: 0.3})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	release, err := g.acquire(context.Background(), UsageQueue)
	require.NoError(t, err)
	defer release()

	// Only one shared slot exists once one is held; Queue must not spill
	// into the reserved pool even though it's idle.
	_, err = g.acquire(ctx, UsageQueue)
	require.NoError(t, err)

	_, err = g.acquire(ctx, UsageQueue)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGate_StreamingFallsBackToSharedWhenReservedExhausted(t *testing.T) {
	g := newGate(config.ProviderConfig{MaxConnections: 2, StreamingReserveFraction: 0.5})
	ctx := context.Background()

	release1, err := g.acquire(ctx, UsageStreaming)
	require.NoError(t, err)
	defer release1()

	release2, err := g.acquire(ctx, UsageStreaming)
	require.NoError(t, err)
	defer release2()

	assert.Len(t, g.reserved, 0)
	assert.Len(t, g.shared, 0)
}
