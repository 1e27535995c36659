package grant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStore_SetIfAbsent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.SetIfAbsent(ctx, "k", []byte("first"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetIfAbsent(ctx, "k", []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), value)
}

func TestBadgerStore_GetAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.SetIfAbsent(ctx, "k", []byte("v"), time.Minute)
	require.NoError(t, err)

	value, err := store.GetAndDelete(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	_, err = store.GetAndDelete(ctx, "k")
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	_, err = store.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestBadgerStore_DeleteMissingKey(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Delete(context.Background(), "missing"))
}

func TestBadgerStore_CancelledContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Get(ctx, "k")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestBadgerStore_Ping(t *testing.T) {
	store, err := NewBadgerStore(BadgerOptions{InMemory: true})
	require.NoError(t, err)

	assert.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())
	assert.Error(t, store.Ping(context.Background()))
}
