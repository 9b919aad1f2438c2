//go:build integration

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedgate/natsclient"
)

func TestKVCounterStore_Integration(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	store, err := OpenKVCounterStore(ctx, tc.Client, "", time.Minute)
	require.NoError(t, err)

	n, err := store.Increment(ctx, Key("a:users", 1), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Increment(ctx, Key("a:users", 1), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestLimiter_ReplicasShareCountersIntegration(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()
	cfg := Config{Window: time.Hour, MaxRequests: 10}

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		store, err := OpenKVCounterStore(ctx, tc.Client, "", cfg.Window)
		require.NoError(t, err)
		l, err := New(cfg, store)
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if ok, err := l.Allow(ctx, "shared-client"); err == nil && ok {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), admitted.Load())
}
