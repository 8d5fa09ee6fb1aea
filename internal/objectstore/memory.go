package objectstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type memoryStore struct {
	mu      sync.RWMutex
	prefix  string
	limit   int64
	objects map[string]Image
}

func newMemoryStore(prefix string, limit int64) *memoryStore {
	return &memoryStore{prefix: prefix, limit: limit, objects: make(map[string]Image)}
}

func (m *memoryStore) Put(_ context.Context, key string, data []byte, contentType string) (Image, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Image{}, err
	}
	if int64(len(data)) > m.limit {
		return Image{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(data), m.limit)
	}
	img := Image{
		Key:         key,
		Data:        append([]byte(nil), data...),
		ContentType: strings.TrimSpace(contentType),
		SHA256:      Digest(data),
	}

	m.mu.Lock()
	m.objects[withPrefix(m.prefix, key)] = img
	m.mu.Unlock()

	img.Data = append([]byte(nil), data...)
	return img, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (Image, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Image{}, err
	}

	m.mu.RLock()
	img, ok := m.objects[withPrefix(m.prefix, key)]
	m.mu.RUnlock()
	if !ok {
		return Image{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	img.Data = append([]byte(nil), img.Data...)
	return img, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, withPrefix(m.prefix, key))
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	_, ok := m.objects[withPrefix(m.prefix, key)]
	m.mu.RUnlock()
	return ok, nil
}
