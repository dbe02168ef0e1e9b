// Package safestore wraps a local key/value backend with getters and setters
// that never fail. Unavailable storage degrades to defaults and no-op writes;
// entries that no longer parse are deleted on read.
package safestore

import (
	"encoding/json"
	"log/slog"
	"strings"
)

type Storage struct {
	backend Backend
	logger  *slog.Logger
}

// New wraps backend. A nil backend behaves as permanently unavailable storage.
func New(backend Backend, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{backend: backend, logger: logger}
}

// NewSessionStorage returns storage scoped to the lifetime of the value, the
// equivalent of a browser tab's session storage.
func NewSessionStorage(logger *slog.Logger) *Storage {
	return New(NewMemoryBackend(), logger)
}

func (s *Storage) Backend() Backend {
	if s == nil {
		return nil
	}
	return s.backend
}

// Lookup reads the raw string stored under key.
func (s *Storage) Lookup(key string) Result[string] {
	if s == nil || s.backend == nil {
		return Result[string]{Err: &StorageError{Op: "get", Key: key, Kind: KindUnavailable, Err: ErrUnavailable}}
	}
	value, ok, err := s.backend.Get(key)
	if err != nil {
		return Result[string]{Err: classify("get", key, err)}
	}
	return Result[string]{Value: value, Found: ok}
}

// LookupJSON reads and decodes the JSON value stored under key. A value that
// does not decode into T is removed and reported as KindMalformed. A stored
// JSON null is treated as absent.
func LookupJSON[T any](s *Storage, key string) Result[T] {
	raw := s.Lookup(key)
	if raw.Err != nil || !raw.Found {
		return Result[T]{Err: raw.Err}
	}
	trimmed := strings.TrimSpace(raw.Value)
	if trimmed == "null" {
		return Result[T]{}
	}
	var value T
	if err := json.Unmarshal([]byte(trimmed), &value); err != nil {
		s.RemoveItem(key)
		return Result[T]{Err: &StorageError{Op: "get", Key: key, Kind: KindMalformed, Err: err}}
	}
	return Result[T]{Value: value, Found: true}
}

// GetJSON returns the decoded value under key, or fallback when it is
// absent, unreadable or malformed. Malformed entries are deleted.
func GetJSON[T any](s *Storage, key string, fallback T) T {
	res := LookupJSON[T](s, key)
	if res.Err != nil {
		s.debug(res.Err)
	}
	return res.Or(fallback)
}

// SetJSON encodes value and stores it. Failures are logged and dropped;
// callers must not assume the write persisted.
func (s *Storage) SetJSON(key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		s.debug(&StorageError{Op: "set", Key: key, Kind: KindMalformed, Err: err})
		return
	}
	s.SetString(key, string(data))
}

func (s *Storage) GetString(key, fallback string) string {
	res := s.Lookup(key)
	if res.Err != nil {
		s.debug(res.Err)
	}
	return res.Or(fallback)
}

// SetString stores value verbatim, without JSON quoting.
func (s *Storage) SetString(key, value string) {
	if s == nil || s.backend == nil {
		return
	}
	if err := s.backend.Set(key, value); err != nil {
		s.debug(classify("set", key, err))
	}
}

// RemoveItem deletes key. Removing an absent key is a no-op.
func (s *Storage) RemoveItem(key string) {
	if s == nil || s.backend == nil {
		return
	}
	if err := s.backend.Remove(key); err != nil {
		s.debug(classify("remove", key, err))
	}
}

// Has reports whether key currently holds a value.
func (s *Storage) Has(key string) bool {
	res := s.Lookup(key)
	return res.Err == nil && res.Found
}

func (s *Storage) Keys() []string {
	if s == nil || s.backend == nil {
		return nil
	}
	keys, err := s.backend.Keys()
	if err != nil {
		s.debug(classify("keys", "", err))
		return nil
	}
	return keys
}

func (s *Storage) debug(err error) {
	if s == nil || err == nil {
		return
	}
	attrs := []any{"error", err}
	if se, ok := err.(*StorageError); ok {
		attrs = append(attrs, "op", se.Op, "key", se.Key, "kind", string(se.Kind))
	}
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("storage operation degraded", attrs...)
}
