package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STORE - Durable JSON document store
//
// Every document write goes through the same commit path: marshal, write to a
// temp file in the target directory, fsync, rename. A crash at any point leaves
// either the old document or the new one, never a torn file.
// ═══════════════════════════════════════════════════════════════════════════════

type Store struct {
	dir string
}

// New creates a store rooted at dir. Document names are slash-separated
// paths relative to the root; parent directories are created on demand.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store root.
func (s *Store) Dir() string {
	return s.dir
}

// Path resolves a document name to its location on disk.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, filepath.FromSlash(name))
}

// Exists reports whether a document is present.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// Read loads a document into v. Returns false if the document is missing or
// unreadable; the caller keeps whatever default v already holds. A corrupted
// document is logged and treated as missing rather than crashing the caller.
func (s *Store) Read(name string, v interface{}) bool {
	path := s.Path(name)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("file", path).Msg("⚠️ Failed to read state file, using default")
		}
		return false
	}

	if err := json.Unmarshal(data, v); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("⚠️ Corrupted state file, using default")
		return false
	}

	return true
}

// Write persists a document atomically. The previous version stays intact
// until the new one is fully on disk.
func (s *Store) Write(name string, v interface{}) error {
	path := s.Path(name)

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp for %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync temp for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp for %s: %w", name, err)
	}

	// Commit point. Before this the old document is untouched.
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename temp for %s: %w", name, err)
	}

	return nil
}
