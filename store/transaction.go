package store

import (
	"fmt"
	"sync"
	"time"
)

const (
	maxCommitRetries    = 10
	delayBetweenTriesMs = 100
)

// TransactionalStore wraps a Cache with the write-behind transaction
// semantics of spec §4.C: reads inside a transaction see that
// transaction's own uncommitted writes but nothing else does, and nested
// transactions share one set of pending mutations with only the
// outermost commit actually reaching the backing store.
type TransactionalStore struct {
	cache *Cache

	mu               sync.Mutex
	depth            int
	transactionCache map[BlobKey][]byte
	mutations        map[BlobKey][]byte
}

func NewTransactionalStore(cache *Cache) *TransactionalStore {
	return &TransactionalStore{cache: cache}
}

// InTransaction reports whether a transaction is currently open on this
// goroutine's call stack. Callers use this to decide whether they need to
// open their own transaction or can rely on an ambient one.
func (t *TransactionalStore) InTransaction() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.depth > 0
}

// Transaction runs work with transactional get/set semantics. If work
// returns an error, pending mutations are discarded without being
// committed. Nested calls reuse the enclosing transaction's pending state
// and only the outermost call commits.
func (t *TransactionalStore) Transaction(work func() error) error {
	t.mu.Lock()
	if t.depth == 0 {
		t.transactionCache = make(map[BlobKey][]byte)
		t.mutations = make(map[BlobKey][]byte)
	}
	t.depth++
	outermost := t.depth == 1
	t.mu.Unlock()

	workErr := work()

	t.mu.Lock()
	t.depth--
	if !outermost {
		t.mu.Unlock()
		return workErr
	}
	mutations := t.mutations
	t.mu.Unlock()

	if workErr != nil {
		t.mu.Lock()
		t.transactionCache, t.mutations = nil, nil
		t.mu.Unlock()
		return workErr
	}

	if len(mutations) > 0 {
		if err := t.commitWithRetry(mutations); err != nil {
			t.mu.Lock()
			t.transactionCache, t.mutations = nil, nil
			t.mu.Unlock()
			return fmt.Errorf("store: transaction commit failed: %w", err)
		}
	}

	t.mu.Lock()
	t.transactionCache, t.mutations = nil, nil
	t.mu.Unlock()
	return nil
}

func (t *TransactionalStore) commitWithRetry(mutations map[BlobKey][]byte) error {
	var lastErr error
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		if err := t.cache.Set(mutations); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(delayBetweenTriesMs * time.Millisecond)
	}
	return lastErr
}

// Get reads keys with transactional visibility: inside a transaction,
// values already written this transaction are served from
// transactionCache, and the remainder are merged in from the underlying
// read-through cache. Outside a transaction it falls straight through to
// the cache.
func (t *TransactionalStore) Get(keys []BlobKey) (map[BlobKey][]byte, error) {
	t.mu.Lock()
	inTx := t.depth > 0
	result := make(map[BlobKey][]byte, len(keys))
	var misses []BlobKey
	if inTx {
		for _, k := range keys {
			if v, ok := t.transactionCache[k]; ok {
				result[k] = v
			} else {
				misses = append(misses, k)
			}
		}
	} else {
		misses = keys
	}
	t.mu.Unlock()

	if len(misses) == 0 {
		return result, nil
	}

	fetched, err := t.cache.Get(misses)
	if err != nil {
		return nil, err
	}

	if inTx {
		t.mu.Lock()
		for k, v := range fetched {
			t.transactionCache[k] = v
		}
		t.mu.Unlock()
	}
	for k, v := range fetched {
		result[k] = v
	}
	return result, nil
}

// Set writes values. Inside a transaction this only touches
// transactionCache and mutations; outside one it writes straight through
// the underlying cache.
func (t *TransactionalStore) Set(values map[BlobKey][]byte) error {
	t.mu.Lock()
	inTx := t.depth > 0
	if inTx {
		for k, v := range values {
			t.transactionCache[k] = v
			t.mutations[k] = v
		}
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.cache.Set(values)
}
