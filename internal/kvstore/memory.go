package kvstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps the tree in process. Transactions hold the store mutex
// for their whole duration, so they are linearizable.
type MemoryStore struct {
	mu    sync.Mutex
	nodes map[string][]byte
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[string][]byte)}
}

// Get reads a path.
func (m *MemoryStore) Get(_ context.Context, path string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.nodes[path]
	return copyBytes(v), ok, nil
}

// Set writes a path.
func (m *MemoryStore) Set(_ context.Context, path string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(path, value)
	return nil
}

// Delete removes a path.
func (m *MemoryStore) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, path)
	return nil
}

// Transact applies fn atomically to path.
func (m *MemoryStore) Transact(_ context.Context, path string, fn TxFunc) (TxResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := copyBytes(m.nodes[path])
	d := fn(current)
	switch d.op {
	case opWrite:
		m.put(path, d.value)
		return TxResult{Committed: true, Value: copyBytes(d.value)}, nil
	case opRemove:
		delete(m.nodes, path)
		return TxResult{Committed: true}, nil
	default:
		return TxResult{Committed: false, Value: current}, nil
	}
}

// CombinedUpdate applies all updates under one lock acquisition.
func (m *MemoryStore) CombinedUpdate(_ context.Context, updates map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, value := range updates {
		if value == nil {
			delete(m.nodes, path)
			continue
		}
		m.put(path, value)
	}
	return nil
}

// Query scans the direct children of prefix.
func (m *MemoryStore) Query(_ context.Context, prefix, field, value string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := childPrefix(prefix)
	out := make(map[string][]byte)
	for path, raw := range m.nodes {
		if !strings.HasPrefix(path, base) {
			continue
		}
		name := strings.TrimPrefix(path, base)
		if strings.Contains(name, "/") || !fieldEquals(raw, field, value) {
			continue
		}
		out[name] = copyBytes(raw)
	}
	return out, nil
}

// List returns all leaves below prefix.
func (m *MemoryStore) List(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := childPrefix(prefix)
	out := make(map[string][]byte)
	for path, raw := range m.nodes {
		if strings.HasPrefix(path, base) {
			out[strings.TrimPrefix(path, base)] = copyBytes(raw)
		}
	}
	return out, nil
}

// GenerateID returns a UUIDv7 string.
func (m *MemoryStore) GenerateID(_ context.Context) (string, error) {
	return newID()
}

// Len returns the number of stored paths (for tests).
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}

func (m *MemoryStore) put(path string, value []byte) {
	m.nodes[path] = copyBytes(value)
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func fieldEquals(raw []byte, field, value string) bool {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}
	got, ok := doc[field].(string)
	return ok && got == value
}
