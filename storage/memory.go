package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type object struct {
	body        []byte
	contentType string
}

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]object)}
}

func (m *MemoryStore) Put(_ context.Context, key string, body []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(body))
	copy(buf, body)
	m.objects[key] = object{body: buf, contentType: contentType}
	return nil
}

func (m *MemoryStore) Fetch(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("storage: no object %s", key)
	}
	buf := make([]byte, len(obj.body))
	copy(buf, obj.body)
	return buf, nil
}

func (m *MemoryStore) DeleteByPrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
		}
	}
	return nil
}

func (m *MemoryStore) PresignGet(key string, expires time.Duration) (string, error) {
	return fmt.Sprintf("memory://%s?expires=%d", key, int(expires.Seconds())), nil
}

func (m *MemoryStore) PresignPut(key, contentType string, expires time.Duration) (string, error) {
	return fmt.Sprintf("memory://%s?upload=1&expires=%d", key, int(expires.Seconds())), nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Len reports the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
