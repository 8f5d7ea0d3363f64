package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Store owns the in-memory snapshot of the document.
//
// Snapshots returned by Get are never mutated: Update clones the current
// snapshot, applies the change, writes the result to disk and only then swaps
// it in. Reload replaces the snapshot wholesale with the on-disk document and
// must be called before any read that has to observe edits made by another
// process (the configuration UI runs separately from the bot). There is no
// file watching.
type Store struct {
	mu   sync.RWMutex
	path string // empty for in-memory stores
	cfg  *Config
}

// Open loads the document at path. A missing file yields the default document;
// it is written on the first mutation.
func Open(path string) (*Store, error) {
	path = ExpandPath(path)
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cfg: cfg}, nil
}

// NewStoreFromConfig wraps cfg in a Store that never touches the filesystem.
func NewStoreFromConfig(cfg *Config) *Store {
	if cfg == nil {
		cfg = Default()
	}
	cfg.normalize()
	return &Store{cfg: cfg}
}

// Path returns the backing file path, or "" for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// Get returns the current snapshot. Callers must treat it as read-only.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Reload re-reads the backing file and replaces the snapshot. The read and
// the swap happen under the write lock, so a reload never installs a document
// older than this store's last Update.
func (s *Store) Reload() (*Config, error) {
	if s.path == "" {
		return s.Get(), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := readFile(s.path)
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	return cfg, nil
}

// Update applies fn to a copy of the current snapshot and persists the result
// before making it visible. If fn returns an error nothing changes.
func (s *Store) Update(fn func(cfg *Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if s.path != "" {
		if err := writeFile(s.path, next); err != nil {
			return err
		}
	}
	s.cfg = next
	return nil
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// writeFile rewrites the whole document through a temp file and rename so a
// concurrent reader never sees a partial write.
func writeFile(path string, cfg *Config) error {
	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
