package media

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"worktrace/internal/wt"
)

// MemoryStore keeps uploaded media in memory. It is safe for concurrent use
// and mostly useful in tests.
type MemoryStore struct {
	baseURL string

	mu      sync.RWMutex
	objects map[string][]byte
	meta    map[string]wt.MediaObject
}

// NewMemoryStore creates an empty store. Returned remote paths are keys
// joined to baseURL.
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		objects: make(map[string][]byte),
		meta:    make(map[string]wt.MediaObject),
	}
}

// Put stores the object, replacing any previous upload under the same key.
func (m *MemoryStore) Put(ctx context.Context, obj wt.MediaObject, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read media: %w", err)
	}
	if int64(len(data)) != obj.Size {
		return "", fmt.Errorf("size mismatch: expected %d bytes, got %d", obj.Size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[obj.Key] = data
	m.meta[obj.Key] = obj
	return m.baseURL + "/" + obj.Key, nil
}

// Get returns the stored bytes for key.
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}

// Object returns the metadata recorded with key.
func (m *MemoryStore) Object(key string) (wt.MediaObject, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.meta[key]
	return obj, ok
}

// Keys returns all stored keys in sorted order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ wt.MediaStore = (*MemoryStore)(nil)
