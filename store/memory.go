package store

import (
	"context"
	"sync"
)

type memoryTxnKey struct{}

// memoryTxn buffers writes made inside a WithTransaction call so that a
// failing fn leaves the store untouched, matching dbutil's rollback-on-error
// behavior.
type memoryTxn struct {
	mu      sync.Mutex
	pending map[Category]map[string][]byte
}

// MemoryStore is an in-process KeyStore backed by a map of maps, useful for
// tests and for short-lived processes that don't need persistence.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[Category]map[string][]byte
}

// NewMemoryStore builds an empty in-memory KeyStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[Category]map[string][]byte{}}
}

func (s *MemoryStore) Get(ctx context.Context, category Category, ids []string) (map[string][]byte, error) {
	if !IsAllowedCategory(category) {
		return nil, ErrUnknownCategory
	}
	if txn, ok := ctx.Value(memoryTxnKey{}).(*memoryTxn); ok {
		return s.getWithOverlay(category, ids, txn)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(category, ids), nil
}

func (s *MemoryStore) ListIDs(ctx context.Context, category Category) ([]string, error) {
	if !IsAllowedCategory(category) {
		return nil, ErrUnknownCategory
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.data[category]
	out := make([]string, 0, len(bucket))
	for id := range bucket {
		out = append(out, id)
	}
	return out, nil
}

// getLocked reads category under s.mu. An empty ids means "all records in
// the category", per spec.md §4.B.
func (s *MemoryStore) getLocked(category Category, ids []string) map[string][]byte {
	bucket := s.data[category]
	if len(ids) == 0 {
		out := make(map[string][]byte, len(bucket))
		for id, v := range bucket {
			out[id] = v
		}
		return out
	}
	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		if v, ok := bucket[id]; ok {
			out[id] = v
		}
	}
	return out
}

func (s *MemoryStore) getWithOverlay(category Category, ids []string, txn *memoryTxn) (map[string][]byte, error) {
	s.mu.RLock()
	base := s.getLocked(category, ids)
	s.mu.RUnlock()

	txn.mu.Lock()
	defer txn.mu.Unlock()
	overlay := txn.pending[category]
	keys := ids
	if len(keys) == 0 {
		keys = make([]string, 0, len(overlay))
		for id := range overlay {
			keys = append(keys, id)
		}
	}
	for _, id := range keys {
		v, written := overlay[id]
		if !written {
			continue
		}
		if v == nil {
			delete(base, id)
		} else {
			base[id] = v
		}
	}
	return base, nil
}

func (s *MemoryStore) Set(ctx context.Context, data map[Category]map[string][]byte) error {
	if err := validateCategories(data); err != nil {
		return err
	}
	if txn, ok := ctx.Value(memoryTxnKey{}).(*memoryTxn); ok {
		txn.mu.Lock()
		defer txn.mu.Unlock()
		for category, ids := range data {
			bucket := txn.pending[category]
			if bucket == nil {
				bucket = map[string][]byte{}
				txn.pending[category] = bucket
			}
			for id, v := range ids {
				bucket[id] = v
			}
		}
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(data)
	return nil
}

func (s *MemoryStore) applyLocked(data map[Category]map[string][]byte) {
	for category, ids := range data {
		bucket := s.data[category]
		if bucket == nil {
			bucket = map[string][]byte{}
			s.data[category] = bucket
		}
		for id, v := range ids {
			if v == nil {
				delete(bucket, id)
			} else {
				bucket[id] = v
			}
		}
	}
}

func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, already := ctx.Value(memoryTxnKey{}).(*memoryTxn); already {
		return fn(ctx)
	}
	txn := &memoryTxn{pending: map[Category]map[string][]byte{}}
	txnCtx := context.WithValue(ctx, memoryTxnKey{}, txn)
	if err := fn(txnCtx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(txn.pending)
	return nil
}

var (
	_ KeyStore  = (*MemoryStore)(nil)
	_ KeyLister = (*MemoryStore)(nil)
)
