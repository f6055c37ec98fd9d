package record

import (
	"context"
	"errors"
	"iter"
	"maps"
	"slices"
	"sync"
)

// Memory is an in-process Backend. It is safe for concurrent use and is
// mostly useful in tests.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

// Put implements Backend.
func (m *Memory) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = slices.Clone(data)
	return nil
}

// Get implements Backend.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(data), nil
}

// Delete implements Backend.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, key)
	return nil
}

// Scan implements Backend. It iterates a snapshot of the keys taken when
// iteration starts.
func (m *Memory) Scan(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		m.mu.RLock()
		keys := slices.Sorted(maps.Keys(m.docs))
		m.mu.RUnlock()
		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			data, err := m.Get(ctx, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if !yield(data, err) {
				return
			}
		}
	}
}

// Len returns the number of stored documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Close implements Backend.
func (m *Memory) Close() error {
	return nil
}
