package safestore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileBackend stores every key in a single JSON object file. Entries are
// cached in memory after the first read; Watch keeps the cache in step with
// rewrites made by other processes.
type FileBackend struct {
	path string

	mu      sync.Mutex
	entries map[string]string
	loaded  bool
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: filepath.Clean(strings.TrimSpace(path))}
}

func (b *FileBackend) Path() string {
	return b.path
}

func (b *FileBackend) Get(key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return "", false, err
	}
	value, ok := b.entries[key]
	return value, ok, nil
}

func (b *FileBackend) Set(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil && !isMalformed(err) {
		return err
	}
	next := cloneEntries(b.entries)
	next[key] = value
	if err := b.persistLocked(next); err != nil {
		return err
	}
	b.entries = next
	return nil
}

func (b *FileBackend) Remove(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil && !isMalformed(err) {
		return err
	}
	if _, ok := b.entries[key]; !ok {
		return nil
	}
	next := cloneEntries(b.entries)
	delete(next, key)
	if err := b.persistLocked(next); err != nil {
		return err
	}
	b.entries = next
	return nil
}

func (b *FileBackend) Keys() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Reload discards the in-memory view and re-reads the file.
func (b *FileBackend) Reload() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loaded = false
	b.entries = nil
	return b.loadLocked()
}

// Watch reloads the backend whenever the file is rewritten until ctx is done.
// The parent directory is watched because atomic writes replace the file.
func (b *FileBackend) Watch(ctx context.Context, logger *slog.Logger, onChange func()) error {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return err
	}
	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != b.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if err := b.Reload(); err != nil {
					logger.Debug("storage file reload failed", "path", b.path, "error", err)
				}
				if onChange != nil {
					onChange()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Warn("storage watcher error", "path", b.path, "error", err)
			}
		}
	}()
	return nil
}

func (b *FileBackend) loadLocked() error {
	if b.loaded {
		return nil
	}
	if b.path == "" || b.path == "." {
		return ErrUnavailable
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.entries = map[string]string{}
			b.loaded = true
			return nil
		}
		return err
	}
	entries := map[string]string{}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			// The container itself is corrupt; start over from an empty set
			// so the next write replaces it.
			b.entries = map[string]string{}
			b.loaded = true
			return &StorageError{Op: "load", Key: b.path, Kind: KindMalformed, Err: err}
		}
	}
	b.entries = entries
	b.loaded = true
	return nil
}

func (b *FileBackend) persistLocked(entries map[string]string) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(b.path, data, 0o600)
}

func isMalformed(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindMalformed
}

func cloneEntries(entries map[string]string) map[string]string {
	out := make(map[string]string, len(entries)+1)
	for k, v := range entries {
		out[k] = v
	}
	return out
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
