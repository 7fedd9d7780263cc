// Package store implements the flat on-disk chunk store: raw chunk bytes
// addressed by their hash, written once and never modified in place.
package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store persists raw chunk payloads under <root>/store/<hash>. No
// subdirectory nesting, no extensions, no other filenames are permitted in
// this directory.
type Store struct {
	root string
}

// Open ensures the store directory exists and returns a handle to it.
func Open(root string) (*Store, error) {
	dir := filepath.Join(root, "store")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dir, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.root, "store", hash)
}

// Put writes data under hash. The write goes to a temp file in the same
// directory and is renamed into place so a crash mid-write never leaves a
// partially written chunk visible under its final name.
func (s *Store) Put(hash string, data []byte) error {
	dir := filepath.Join(s.root, "store")
	tmp, err := os.CreateTemp(dir, "."+hash+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: put %s: %w", hash, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: put %s: %w", hash, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: put %s: %w", hash, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: put %s: %w", hash, err)
	}
	if err := os.Rename(tmpName, s.path(hash)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: put %s: %w", hash, err)
	}
	return nil
}

// Get reads the bytes stored under hash.
func (s *Store) Get(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", hash, err)
	}
	return data, nil
}

// Exists reports whether hash has a chunk on disk.
func (s *Store) Exists(hash string) bool {
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// Delete removes hash's chunk file, if any. Deleting a hash that is not
// present is not an error.
func (s *Store) Delete(hash string) error {
	if err := os.Remove(s.path(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete %s: %w", hash, err)
	}
	return nil
}

// Sweep removes every file under the store directory whose name is not in
// valid. It is run once at startup, after the index has been loaded, to
// clean up chunks orphaned by a crash between a node's removal from the
// index and the matching chunk-file deletion.
func (s *Store) Sweep(valid map[string]struct{}) error {
	dir := filepath.Join(s.root, "store")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("store: sweep: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if len(name) > 0 && name[0] == '.' {
			// stray temp file from an interrupted Put
			os.Remove(filepath.Join(dir, name))
			continue
		}
		if _, ok := valid[name]; !ok {
			os.Remove(filepath.Join(dir, name))
		}
	}
	return nil
}
