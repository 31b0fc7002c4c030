package store

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"dircopy-go/internal/codec"
	"dircopy-go/internal/dc"
	"dircopy-go/internal/digest"
)

// MemoryStore is an in-memory implementation of dc.Store, useful for tests
// and for throwaway runs. It is safe for concurrent use.
type MemoryStore struct {
	name   string
	blocks map[digest.Key][]byte
	mu     sync.RWMutex

	writeErr error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{
		name:   name,
		blocks: make(map[digest.Key][]byte),
	}
}

// Name returns the configured name of the store.
func (m *MemoryStore) Name() string { return m.name }

func (m *MemoryStore) Is(_ context.Context, id digest.Key) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[id]
	return ok, nil
}

func (m *MemoryStore) Read(_ context.Context, id digest.Key) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dc.ErrNotFound, id)
	}
	return bytes.Clone(data), nil
}

// Write stores a copy of data. The first write of an id wins.
func (m *MemoryStore) Write(_ context.Context, id digest.Key, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	if _, ok := m.blocks[id]; !ok {
		m.blocks[id] = bytes.Clone(data)
	}
	return nil
}

func (m *MemoryStore) Many(_ context.Context, ids []digest.Key) (uint64, error) {
	if err := checkBatch(ids); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var bitmap uint64
	for i, id := range ids {
		if _, ok := m.blocks[id]; ok {
			bitmap |= 1 << uint(i)
		}
	}
	return bitmap, nil
}

func (m *MemoryStore) Validate(_ context.Context, id digest.Key) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blocks[id]
	return ok && codec.Wellformed(data), nil
}

// Len returns the number of stored blocks.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}

// IDs returns every stored id.
func (m *MemoryStore) IDs() []digest.Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]digest.Key, 0, len(m.blocks))
	for id := range m.blocks {
		ids = append(ids, id)
	}
	return ids
}

// Corrupt flips one bit of a stored block in place, simulating bit rot.
func (m *MemoryStore) Corrupt(id digest.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blocks[id]
	if !ok || len(data) == 0 {
		return false
	}
	data[len(data)-1] ^= 0x01
	return true
}

// Delete removes a block, simulating loss.
func (m *MemoryStore) Delete(id digest.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, id)
}

// checkBatch enforces the Many batch limit.
func checkBatch(ids []digest.Key) error {
	if len(ids) > dc.MaxBatch {
		return fmt.Errorf("batch of %d ids exceeds limit of %d", len(ids), dc.MaxBatch)
	}
	return nil
}

var _ dc.Store = (*MemoryStore)(nil)

// FailWrites makes every later Write return err. A nil err clears it.
func (m *MemoryStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}
