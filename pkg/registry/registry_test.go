package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/peerbook/pkg/storage"
)

func startRegistry(t *testing.T, store storage.KeyValueStore) *Registry {
	t.Helper()
	r := New(store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	t.Cleanup(cancel)
	return r
}

func TestEmptyStoreHasNoTargets(t *testing.T) {
	r := New(storage.NewMemStore(), nil)
	targets, err := r.ListTargets()
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestAnnounceRevoke(t *testing.T) {
	ctx := context.Background()
	r := startRegistry(t, storage.NewMemStore())

	require.NoError(t, r.Announce(ctx, "sock-1", "key-a"))
	require.NoError(t, r.Announce(ctx, "sock-2", "key-b"))
	require.NoError(t, r.Announce(ctx, "sock-1", "key-a"))

	targets, err := r.ListTargets()
	require.NoError(t, err)
	assert.Equal(t, []string{"key-a", "key-b"}, targets)

	require.NoError(t, r.Revoke(ctx, "sock-1"))
	targets, err = r.ListTargets()
	require.NoError(t, err)
	assert.Equal(t, []string{"key-b"}, targets)

	// revoking an unknown identity is harmless
	require.NoError(t, r.Revoke(ctx, "sock-9"))
}

func TestSharedRPCKeyListedOnce(t *testing.T) {
	ctx := context.Background()
	r := startRegistry(t, storage.NewMemStore())

	require.NoError(t, r.Announce(ctx, "sock-1", "key-a"))
	require.NoError(t, r.Announce(ctx, "sock-2", "key-a"))
	targets, _ := r.ListTargets()
	assert.Equal(t, []string{"key-a"}, targets)

	require.NoError(t, r.Revoke(ctx, "sock-1"))
	targets, _ = r.ListTargets()
	assert.Equal(t, []string{"key-a"}, targets, "key still reachable via sock-2")
}

func TestPersistedFormat(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	r := startRegistry(t, store)

	require.NoError(t, r.Announce(ctx, "b", "k2"))
	require.NoError(t, r.Announce(ctx, "a", "k1"))

	raw, ok, err := store.Get(storage.KeyConnections)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[["a","k1"],["b","k2"]]`, string(raw))

	// a second registry over the same store sees the same set
	again := New(store, nil)
	snap, err := again.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "k1", "b": "k2"}, snap)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	r := startRegistry(t, storage.NewMemStore())
	require.NoError(t, r.Announce(ctx, "a", "k1"))
	require.NoError(t, r.Clear(ctx))
	targets, _ := r.ListTargets()
	assert.Empty(t, targets)
}

func TestConcurrentMutationsNotLost(t *testing.T) {
	ctx := context.Background()
	r := startRegistry(t, storage.NewMemStore())

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("sock-%02d", i)
			assert.NoError(t, r.Announce(ctx, id, "key-"+id))
			if i%2 == 0 {
				assert.NoError(t, r.Revoke(ctx, id))
			}
		}(i)
	}
	wg.Wait()

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Len(t, snap, n/2)
	for i := 1; i < n; i += 2 {
		assert.Contains(t, snap, fmt.Sprintf("sock-%02d", i))
	}
}

type brokenStore struct{ storage.KeyValueStore }

func (brokenStore) Put(string, []byte) error { return errors.New("read-only") }

func TestStorageErrorReturned(t *testing.T) {
	r := startRegistry(t, brokenStore{storage.NewMemStore()})
	assert.Error(t, r.Announce(context.Background(), "a", "k"))
}

func TestStoppedRegistry(t *testing.T) {
	r := New(storage.NewMemStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() { r.Run(ctx); close(stopped) }()
	cancel()
	<-stopped

	assert.ErrorIs(t, r.Announce(context.Background(), "a", "k"), ErrStopped)
}
