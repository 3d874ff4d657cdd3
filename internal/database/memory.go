package database

import (
	"sync"
	"time"
)

type entry struct {
	data    string
	expires time.Time
}

// Memory keeps keys in process. Used when no redis endpoint is configured.
type Memory struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]entry), now: time.Now}
}

func (m *Memory) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]

	if !ok {
		return "", ErrNotFound
	}

	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.data, key)
		return "", ErrNotFound
	}

	return e.data, nil
}

func (m *Memory) Set(key string, data string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := entry{data: data}

	if expiration > 0 {
		e.expires = m.now().Add(expiration)
	}

	m.data[key] = e
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}
