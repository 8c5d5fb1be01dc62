package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// Memory is a non-durable Store kept in process memory. It satisfies the
// contract for ephemeral runs and tests; data is lost on restart.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, collection, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return wrap("put", collection, key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return wrap("put", collection, key, ErrClosed)
	}
	c, ok := m.data[collection]
	if !ok {
		c = make(map[string][]byte)
		m.data[collection] = c
	}
	c[key] = bytes.Clone(value)
	return nil
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, collection, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("get", collection, key, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, wrap("get", collection, key, ErrClosed)
	}
	v, ok := m.data[collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

// GetAll implements Store.
func (m *Memory) GetAll(ctx context.Context, collection string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("get_all", collection, "", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, wrap("get_all", collection, "", ErrClosed)
	}
	c := m.data[collection]
	entries := make([]Entry, 0, len(c))
	for k, v := range c {
		entries = append(entries, Entry{Key: k, Value: bytes.Clone(v)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return wrap("delete", collection, key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return wrap("delete", collection, key, ErrClosed)
	}
	delete(m.data[collection], key)
	return nil
}

// Collections implements Store.
func (m *Memory) Collections(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("collections", "", "", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, wrap("collections", "", "", ErrClosed)
	}
	names := make([]string, 0, len(m.data))
	for name, c := range m.data {
		if len(c) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
