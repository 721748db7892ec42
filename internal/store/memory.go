package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is the Backend used where no shared filesystem engine is available.
// It implements the same keyed-record contract as SQLite over an in-process
// map, so every call site stays backend-agnostic. It is also the backend of
// choice for tests.
type Memory struct {
	mu    sync.RWMutex
	open  bool
	items map[string]Item
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{}
}

// Open initializes the backing map. Idempotent.
func (m *Memory) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		return nil
	}
	if m.items == nil {
		m.items = make(map[string]Item)
	}
	m.open = true
	return nil
}

// Close marks the backend closed. Records survive until the process exits,
// matching a keyed object store that persists across page loads.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

// CheckIntegrity always passes; there is no file to corrupt.
func (m *Memory) CheckIntegrity(ctx context.Context) error {
	return nil
}

// Checkpoint is a no-op; there is no write-ahead log.
func (m *Memory) Checkpoint(ctx context.Context) error {
	return nil
}

// IsBusy always reports false; in-process maps have no cross-process locks.
func (m *Memory) IsBusy(err error) bool {
	return false
}

func (m *Memory) ensureOpen() error {
	if !m.open {
		return fmt.Errorf("memory backend is closed")
	}
	return nil
}

// ListItems returns all structurally valid records, dropping invalid ones.
func (m *Memory) ListItems(ctx context.Context) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpen(); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(m.items))
	for key, it := range m.items {
		if err := it.Validate(); err != nil {
			delete(m.items, key)
			continue
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

// GetItem returns the record for key, or ErrNotFound.
func (m *Memory) GetItem(ctx context.Context, key string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpen(); err != nil {
		return nil, err
	}

	it, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	if err := it.Validate(); err != nil {
		delete(m.items, key)
		return nil, ErrNotFound
	}
	copied := it
	return &copied, nil
}

// PutItems writes records with replace-by-key semantics.
func (m *Memory) PutItems(ctx context.Context, items []Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpen(); err != nil {
		return err
	}
	for _, it := range items {
		m.items[it.Key] = it
	}
	return nil
}

// DeleteItem removes the record for key. Deleting an absent key is a no-op.
func (m *Memory) DeleteItem(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpen(); err != nil {
		return err
	}
	delete(m.items, key)
	return nil
}

// ClearItems removes all records.
func (m *Memory) ClearItems(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpen(); err != nil {
		return err
	}
	m.items = make(map[string]Item)
	return nil
}
