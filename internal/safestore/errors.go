package safestore

import (
	"errors"
	"fmt"
)

var (
	ErrUnavailable    = errors.New("storage unavailable")
	ErrQuotaExceeded  = errors.New("storage quota exceeded")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type Kind string

const (
	KindUnavailable Kind = "unavailable"
	KindQuota       Kind = "quota"
	KindMalformed   Kind = "malformed"
	KindIO          Kind = "io"
)

// StorageError describes a failed storage operation. It never escapes
// Storage's public getters and setters; it is only visible through Lookup.
type StorageError struct {
	Op   string
	Key  string
	Kind Kind
	Err  error
}

func (e *StorageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s %q: %s", e.Op, e.Key, e.Kind)
	}
	return fmt.Sprintf("%s %q: %s: %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func classify(op, key string, err error) *StorageError {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se
	}
	kind := KindIO
	switch {
	case errors.Is(err, ErrUnavailable):
		kind = KindUnavailable
	case errors.Is(err, ErrQuotaExceeded):
		kind = KindQuota
	}
	return &StorageError{Op: op, Key: key, Kind: kind, Err: err}
}

// Result carries the outcome of a storage read.
type Result[T any] struct {
	Value T
	Found bool
	Err   error
}

func (r Result[T]) OK() bool {
	return r.Err == nil
}

// Or returns the value when it was found and readable, otherwise fallback.
func (r Result[T]) Or(fallback T) T {
	if r.Err != nil || !r.Found {
		return fallback
	}
	return r.Value
}
