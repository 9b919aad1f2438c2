package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "services.users")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "services.users", []byte("a")))
	require.NoError(t, s.Put(ctx, "other.x", []byte("b")))

	v, err := s.Get(ctx, "services.users")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v)

	all, err := s.GetAllByPrefix(ctx, "services.")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.Delete(ctx, "services.users"))
	assert.ErrorIs(t, s.Delete(ctx, "services.users"), ErrNotFound)
}

func TestMemoryStore_WatchPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	w, err := s.WatchPrefix(ctx, "services.")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "other.x", []byte("ignored")))
	require.NoError(t, s.Put(ctx, "services.users", []byte("a")))
	require.NoError(t, s.Delete(ctx, "services.users"))

	assert.Equal(t, Event{Key: "services.users", Op: EventPut}, <-w.Events())
	assert.Equal(t, Event{Key: "services.users", Op: EventDelete}, <-w.Events())

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	_, ok := <-w.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, s.WatcherCount())
}

func TestMemoryStore_WatchEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemoryStore()

	w, err := s.WatchPrefix(ctx, "services.")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-w.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watcher not closed")
	}
}

func TestMemoryStore_Failure(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	boom := assert.AnError

	s.SetFailure(boom)
	assert.ErrorIs(t, s.Put(ctx, "k", nil), boom)
	_, err := s.GetAllByPrefix(ctx, "")
	assert.ErrorIs(t, err, boom)
	_, err = s.WatchPrefix(ctx, "")
	assert.ErrorIs(t, err, boom)

	s.SetFailure(nil)
	assert.NoError(t, s.Put(ctx, "k", nil))
}
