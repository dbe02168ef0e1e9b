package safestore

import (
	"sort"
	"sync"
)

// Backend is a raw string key/value store. Implementations may fail; Storage
// absorbs every failure.
type Backend interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	Keys() ([]string, error)
}

// MemoryBackend keeps entries in process memory. Quota bounds the total size
// of keys and values in bytes when positive.
type MemoryBackend struct {
	mu       sync.Mutex
	entries  map[string]string
	quota    int
	disabled bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: map[string]string{}}
}

func NewMemoryBackendWithQuota(quota int) *MemoryBackend {
	b := NewMemoryBackend()
	b.quota = quota
	return b
}

// SetDisabled makes every operation fail with ErrUnavailable, the way a
// browser behaves with storage turned off.
func (b *MemoryBackend) SetDisabled(disabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disabled = disabled
}

func (b *MemoryBackend) Get(key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disabled {
		return "", false, ErrUnavailable
	}
	value, ok := b.entries[key]
	return value, ok, nil
}

func (b *MemoryBackend) Set(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disabled {
		return ErrUnavailable
	}
	if b.quota > 0 {
		size := 0
		for k, v := range b.entries {
			if k == key {
				continue
			}
			size += len(k) + len(v)
		}
		if size+len(key)+len(value) > b.quota {
			return ErrQuotaExceeded
		}
	}
	b.entries[key] = value
	return nil
}

func (b *MemoryBackend) Remove(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disabled {
		return ErrUnavailable
	}
	delete(b.entries, key)
	return nil
}

func (b *MemoryBackend) Keys() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disabled {
		return nil, ErrUnavailable
	}
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
