//go:build integration

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedgate/natsclient"
)

func TestKVStore_RegistryIntegration(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	store, err := OpenKVStore(ctx, tc.Client, "")
	require.NoError(t, err)

	r, err := New(store, Config{Seed: []ServiceDescriptor{{Name: "users", URL: "http://users:4001"}}})
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx))
	defer func() { _ = r.Stop(5 * time.Second) }()

	assert.Equal(t, []string{"users"}, r.ListAll().Names())

	ch, cancel := r.Watch(ctx)
	defer cancel()

	// A second writer sharing the bucket; the registry learns of it through the KV watch.
	other := NewKVStore(mustKV(t, tc))
	require.NoError(t, other.Put(ctx, "services.orders", []byte(`{"name":"orders","url":"http://orders:4002"}`)))

	snap := awaitSnapshot(t, ch, func(s *Snapshot) bool { return s.Len() == 2 })
	assert.Equal(t, []string{"orders", "users"}, snap.Names())

	require.NoError(t, other.Delete(ctx, "services.users"))
	snap = awaitSnapshot(t, ch, func(s *Snapshot) bool { return s.Len() == 1 })
	assert.Equal(t, []string{"orders"}, snap.Names())

	assert.ErrorIs(t, other.Delete(ctx, "services.users"), ErrNotFound)
}

func mustKV(t *testing.T, tc *natsclient.TestClient) *natsclient.KVStore {
	t.Helper()
	bucket, err := tc.Client.GetKeyValueBucket(context.Background(), DefaultBucket)
	require.NoError(t, err)
	return tc.Client.NewKVStore(bucket)
}
