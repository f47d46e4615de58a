package window

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/pos-checkout/internal/domain/payment"
)

func TestRegistry_Open(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(2)

	s, err := r.Open(ctx, "o1", "https://pay.example/o1")
	require.NoError(t, err)
	assert.False(t, s.Closed())

	w, ok := r.Get("o1")
	require.True(t, ok)
	assert.Equal(t, "https://pay.example/o1", w.URL)

	_, err = r.Open(ctx, "o1", "https://pay.example/o1")
	require.ErrorIs(t, err, payment.ErrSurfaceBlocked)

	_, err = r.Open(ctx, "o2", "https://pay.example/o2")
	require.NoError(t, err)

	_, err = r.Open(ctx, "o3", "https://pay.example/o3")
	require.ErrorIs(t, err, payment.ErrSurfaceBlocked)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_MarkClosed(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(0)

	s, err := r.Open(ctx, "o1", "u")
	require.NoError(t, err)

	require.NoError(t, r.MarkClosed("o1"))
	assert.True(t, s.Closed())
	assert.Equal(t, 0, r.Len())

	require.ErrorIs(t, r.MarkClosed("o1"), ErrNotFound)
	require.ErrorIs(t, r.MarkClosed("missing"), ErrNotFound)

	// A closed window frees the order for a new one.
	_, err = r.Open(ctx, "o1", "u")
	require.NoError(t, err)
}

func TestRegistry_ForcedClose(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(1)

	s, err := r.Open(ctx, "o1", "u")
	require.NoError(t, err)

	s.Close()
	s.Close()
	assert.False(t, s.Closed(), "forced close is not a user close")
	assert.Equal(t, 0, r.Len())

	require.ErrorIs(t, r.MarkClosed("o1"), ErrNotFound)
	assert.False(t, s.Closed())
}
