package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Set(ctx, "k", []byte("v"), 0)
	require.NoError(t, err)

	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	_, err := store.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(time.Minute + time.Second)
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreSetNX(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "k", []byte("first"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "k", []byte("second"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), val)
}

func TestMemoryStoreSetNXAfterExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	ok, err := store.SetNX(ctx, "k", []byte("first"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = store.SetNX(ctx, "k", []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, store.Delete(ctx, "k"))

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent key is fine.
	assert.NoError(t, store.Delete(ctx, "k"))
}
