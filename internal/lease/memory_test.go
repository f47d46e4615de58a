package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_Acquire(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	l, err := m.Acquire(ctx, "draft-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "draft-1", l.Key())

	_, err = m.Acquire(ctx, "draft-1", time.Minute)
	require.ErrorIs(t, err, ErrHeld)

	other, err := m.Acquire(ctx, "draft-2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))

	_, err = m.Acquire(ctx, "draft-1", time.Minute)
	require.NoError(t, err)
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }

	stale, err := m.Acquire(ctx, "draft-1", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	fresh, err := m.Acquire(ctx, "draft-1", time.Minute)
	require.NoError(t, err)

	// Releasing the expired lease must not drop the new holder.
	require.NoError(t, stale.Release(ctx))
	_, err = m.Acquire(ctx, "draft-1", time.Minute)
	require.ErrorIs(t, err, ErrHeld)

	require.NoError(t, fresh.Release(ctx))
	_, err = m.Acquire(ctx, "draft-1", time.Minute)
	require.NoError(t, err)
}
