package kv

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"
)

func sprintf(f string, v ...any) string { return fmt.Sprintf(f, v...) }

// Memory is an in-memory Store implementation for tests. TTLs are
// honored lazily: expired entries read as absent.
type Memory struct {
	mu      sync.RWMutex
	data    map[string][]byte
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:    make(map[string][]byte),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *Memory) expired(k string) bool {
	exp, ok := m.expires[k]
	return ok && m.now().After(exp)
}

func (m *Memory) Get(_ context.Context, key Key) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k := key.String()
	v, ok := m.data[k]
	if !ok || m.expired(k) {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *Memory) Set(ctx context.Context, key Key, value []byte) error {
	return m.SetTTL(ctx, key, value, 0)
}

func (m *Memory) SetTTL(_ context.Context, key Key, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key.String()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[k] = cp
	if ttl > 0 {
		m.expires[k] = m.now().Add(ttl)
	} else {
		delete(m.expires, k)
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key.String()
	delete(m.data, k)
	delete(m.expires, k)
	return nil
}

func (m *Memory) List(_ context.Context, prefix Key) iter.Seq2[Entry, error] {
	p := prefix.String() + string(Separator)

	m.mu.RLock()
	keys := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, p) && !m.expired(k) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	return func(yield func(Entry, error) bool) {
		for _, k := range keys {
			m.mu.RLock()
			v, ok := m.data[k]
			m.mu.RUnlock()
			if !ok {
				continue
			}
			if !yield(Entry{Key: decode([]byte(k)), Value: v}, nil) {
				return
			}
		}
	}
}

func (m *Memory) Close() error { return nil }
