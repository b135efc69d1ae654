package store

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memBackingStore struct {
	mu     sync.Mutex
	values map[BlobKey][]byte
	gets   int
}

func newMemBackingStore() *memBackingStore {
	return &memBackingStore{values: make(map[BlobKey][]byte)}
}

func (m *memBackingStore) Get(keys []BlobKey) (map[BlobKey][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	out := make(map[BlobKey][]byte)
	for _, k := range keys {
		if v, ok := m.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memBackingStore) Set(values map[BlobKey][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

func TestCache_ReadThroughAndBatching(t *testing.T) {
	backing := newMemBackingStore()
	backing.values[BlobKey{"session", "a"}] = []byte("sa")
	backing.values[BlobKey{"session", "b"}] = []byte("sb")
	cache := NewCache(backing)

	res, err := cache.Get([]BlobKey{{"session", "a"}, {"session", "b"}})
	require.NoError(t, err)
	require.Equal(t, []byte("sa"), res[BlobKey{"session", "a"}])
	require.Equal(t, 1, backing.gets)

	// second read should be served from cache, no new backing Get call
	_, err = cache.Get([]BlobKey{{"session", "a"}})
	require.NoError(t, err)
	require.Equal(t, 1, backing.gets)
}

func TestCache_SetWritesThrough(t *testing.T) {
	backing := newMemBackingStore()
	cache := NewCache(backing)
	err := cache.Set(map[BlobKey][]byte{{"identity", "x"}: []byte("id")})
	require.NoError(t, err)
	require.Equal(t, []byte("id"), backing.values[BlobKey{"identity", "x"}])

	res, err := cache.Get([]BlobKey{{"identity", "x"}})
	require.NoError(t, err)
	require.Equal(t, []byte("id"), res[BlobKey{"identity", "x"}])
	require.Zero(t, backing.gets, "value should have come from cache populated by Set")
}

func TestTransaction_IsolatedUntilCommit(t *testing.T) {
	backing := newMemBackingStore()
	tx := NewTransactionalStore(NewCache(backing))

	err := tx.Transaction(func() error {
		require.NoError(t, tx.Set(map[BlobKey][]byte{{"session", "a"}: []byte("v1")}))
		res, err := tx.Get([]BlobKey{{"session", "a"}})
		require.NoError(t, err)
		require.Equal(t, []byte("v1"), res[BlobKey{"session", "a"}])
		_, committed := backing.values[BlobKey{"session", "a"}]
		require.False(t, committed, "write must not reach the backing store before commit")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), backing.values[BlobKey{"session", "a"}])
}

func TestTransaction_RollsBackOnError(t *testing.T) {
	backing := newMemBackingStore()
	tx := NewTransactionalStore(NewCache(backing))

	boom := errors.New("boom")
	err := tx.Transaction(func() error {
		require.NoError(t, tx.Set(map[BlobKey][]byte{{"session", "a"}: []byte("v1")}))
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, exists := backing.values[BlobKey{"session", "a"}]
	require.False(t, exists)
}

func TestTransaction_NestedOnlyOutermostCommits(t *testing.T) {
	backing := newMemBackingStore()
	tx := NewTransactionalStore(NewCache(backing))

	err := tx.Transaction(func() error {
		return tx.Transaction(func() error {
			return tx.Set(map[BlobKey][]byte{{"sender-key", "g"}: []byte("sk")})
		})
	})
	require.NoError(t, err)
	require.Equal(t, []byte("sk"), backing.values[BlobKey{"sender-key", "g"}])
}
