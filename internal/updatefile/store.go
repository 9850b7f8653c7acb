// Package updatefile implements the content-addressed, write-once blob
// store referenced by a task's Details.UpdateFileUUID (spec §4.2, §6.3):
// raw document payloads live here as flat files named by UUID, outside the
// task KV environment.
package updatefile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Store is a flat directory of blobs named by canonical UUID string.
type Store struct {
	dir string
}

// Open ensures dir exists and returns a Store rooted there.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create update_files_dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Handle is the writable side of a not-yet-persisted blob. The caller
// writes document bytes to it, then calls Persist (success) — an
// abandoned Handle (process crash, no Persist) leaves an orphaned `.tmp`
// file that a future cleanup pass may reap; partially written files are
// never visible under their final UUID name because of the rename-on-
// persist scheme.
type Handle struct {
	UUID string
	f    *os.File
	path string
	tmp  string
}

func (h *Handle) Write(p []byte) (int, error) { return h.f.Write(p) }

// Create allocates a new UUID and opens a temp file for writing.
func (s *Store) Create() (*Handle, error) {
	id := uuid.NewString()
	tmp := filepath.Join(s.dir, id+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create update file %s: %w", id, err)
	}
	return &Handle{UUID: id, f: f, path: filepath.Join(s.dir, id), tmp: tmp}, nil
}

// Persist closes and atomically renames the temp file into its final,
// content-addressed name. After Persist the blob is visible to Open.
func (s *Store) Persist(h *Handle) error {
	if err := h.f.Sync(); err != nil {
		return fmt.Errorf("sync update file %s: %w", h.UUID, err)
	}
	if err := h.f.Close(); err != nil {
		return fmt.Errorf("close update file %s: %w", h.UUID, err)
	}
	if err := os.Rename(h.tmp, h.path); err != nil {
		return fmt.Errorf("persist update file %s: %w", h.UUID, err)
	}
	return nil
}

// Open returns a reader for the blob named uuid.
func (s *Store) Open(id string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.dir, id))
	if err != nil {
		return nil, fmt.Errorf("open update file %s: %w", id, err)
	}
	return f, nil
}

// Delete removes the blob named uuid. Deleting a nonexistent blob is not an
// error (the processor deletes best-effort after terminal transitions that
// may race a prior delete, per spec §4.2/§7).
func (s *Store) Delete(id string) error {
	err := os.Remove(filepath.Join(s.dir, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete update file %s: %w", id, err)
	}
	return nil
}

// AllUUIDs lists every persisted blob's UUID, skipping in-flight `.tmp`
// files.
func (s *Store) AllUUIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list update_files_dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}
