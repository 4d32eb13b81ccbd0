// Package store persists the session snapshot.
//
// Storage is write-through and whole-blob: every writer rewrites the entire
// snapshot under its key, and readers other than process-start restoration
// never touch it. The Memory store backs tests; the File store is the
// production analogue of browser local storage.
package store

import "sync"

// Store is a keyed blob store for session state.
type Store interface {
	// Load returns the blob stored under key. ok is false when absent.
	Load(key string) (data []byte, ok bool, err error)

	// Save overwrites the blob stored under key.
	Save(key string, data []byte) error

	// Clear removes the blob stored under key. Clearing an absent key is
	// not an error.
	Clear(key string) error
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Load returns the blob stored under key.
func (m *Memory) Load(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, true, nil
}

// Save overwrites the blob stored under key.
func (m *Memory) Save(key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	m.blobs[key] = cp
	m.mu.Unlock()
	return nil
}

// Clear removes the blob stored under key.
func (m *Memory) Clear(key string) error {
	m.mu.Lock()
	delete(m.blobs, key)
	m.mu.Unlock()
	return nil
}
