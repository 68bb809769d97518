package blobstore

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
)

// MemoryStore keeps payloads in process memory. It backs tests and the
// ephemeral "memory" deployment where tiles need not outlive the process.
//
// Names are stored in canonical form, so "a//b.bin" and "a/b.bin" refer to
// the same payload.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	bytes int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Open(ctx context.Context, name string) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean, err := CleanName(name)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	data, ok := m.blobs[clean]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	// Stored slices are never written again, so readers share them.
	return &bytesBlob{data: data}, nil
}

// Put stores a private copy of data.
func (m *MemoryStore) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clean, err := CleanName(name)
	if err != nil {
		return err
	}
	data = slices.Clone(data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes += int64(len(data)) - int64(len(m.blobs[clean]))
	m.blobs[clean] = data
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, name string) error {
	clean, err := CleanName(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes -= int64(len(m.blobs[clean]))
	delete(m.blobs, clean)
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := slices.DeleteFunc(slices.Collect(maps.Keys(m.blobs)), func(name string) bool {
		return !strings.HasPrefix(name, prefix)
	})
	slices.Sort(names)
	return names, nil
}

// Len returns the number of stored payloads.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Bytes returns the total size of all stored payloads.
func (m *MemoryStore) Bytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}
