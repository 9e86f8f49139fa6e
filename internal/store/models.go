package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/esemsc-ss2524/p3-edge/internal/forecast"
)

// FSModelStore persists checkpoints as binary envelopes on the local
// filesystem: items/{item_id}.ckpt and pretrained/{category}.ckpt under
// the root directory. Writes are crash-consistent: write-temp, fsync,
// rename over the destination. A partial write never replaces a valid
// file.
type FSModelStore struct {
	root string
}

func NewFSModelStore(root string) (*FSModelStore, error) {
	for _, dir := range []string{forecast.ItemKeyPrefix, forecast.CategoryKeyPrefix} {
		if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(dir)), 0o755); err != nil {
			return nil, fmt.Errorf("model store init: %w", err)
		}
	}
	return &FSModelStore{root: root}, nil
}

func (s *FSModelStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key)+".ckpt")
}

// Load reads and decodes the checkpoint at key. A missing file is not an
// error; a file that fails to decode surfaces the typed corrupt error so
// the caller can quarantine it.
func (s *FSModelStore) Load(key string) (*forecast.Checkpoint, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read checkpoint %s: %w", key, err)
	}
	cp, err := forecast.DecodeCheckpoint(data)
	if err != nil {
		return nil, false, err
	}
	return cp, true, nil
}

// Store atomically publishes the checkpoint: temp file in the same
// directory, fsync, rename, fsync the directory.
func (s *FSModelStore) Store(key string, cp *forecast.Checkpoint) error {
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp*")
	if err != nil {
		return fmt.Errorf("checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(forecast.EncodeCheckpoint(cp)); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint close: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("checkpoint publish: %w", err)
	}
	if dir, err := os.Open(filepath.Dir(dst)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// ListCategories enumerates the available warm-start checkpoints.
func (s *FSModelStore) ListCategories() ([]string, error) {
	dir := filepath.Join(s.root, filepath.FromSlash(strings.TrimSuffix(forecast.CategoryKeyPrefix, "/")))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".ckpt") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".ckpt"))
	}
	return out, nil
}

// Quarantine renames a corrupt checkpoint aside with a .bad suffix so the
// next load falls through to the warm start.
func (s *FSModelStore) Quarantine(key, reason string) error {
	src := s.path(key)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	if err := os.Rename(src, src+".bad"); err != nil {
		return fmt.Errorf("quarantine %s: %w", key, err)
	}
	return nil
}

// Delete removes a checkpoint; missing files are fine.
func (s *FSModelStore) Delete(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint %s: %w", key, err)
	}
	return nil
}
