package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps entries in process memory.
type MemoryBackend struct {
	mu     sync.RWMutex
	tables map[TableName]map[string]Entry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tables: make(map[TableName]map[string]Entry)}
}

func (m *MemoryBackend) Get(_ context.Context, table TableName, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tables[table][key]
	return e, ok, nil
}

func (m *MemoryBackend) Put(_ context.Context, table TableName, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		t = make(map[string]Entry)
		m.tables[table] = t
	}
	t[e.Key] = e
	return nil
}

func (m *MemoryBackend) Purge(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.tables {
		for k, e := range t {
			if !now.Before(e.ExpiresAt) {
				delete(t, k)
				n++
			}
		}
	}
	return n, nil
}

// Len returns the number of entries in a table, expired or not.
func (m *MemoryBackend) Len(table TableName) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tables[table])
}
