package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maskwright/cloakwork/internal/domain/processing"
)

var _ processing.BlobStore = (*FilesystemStore)(nil)

// FilesystemStore implements processing.BlobStore on a local directory. Refs
// map to file paths under the root. Used for tests and single-node development.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates a blob store rooted at dir, creating it if needed.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FilesystemStore{root: dir}, nil
}

// path resolves a ref to a file path, rejecting refs that escape the root.
func (s *FilesystemStore) path(ref string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(ref))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid blob ref %q", ref)
	}
	return filepath.Join(s.root, cleaned), nil
}

// Get opens the blob at ref for reading.
func (s *FilesystemStore) Get(_ context.Context, ref string) (io.ReadCloser, error) {
	p, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", ref, err)
	}
	return f, nil
}

// Put writes the reader to the blob at ref, creating parent directories.
func (s *FilesystemStore) Put(_ context.Context, ref string, r io.Reader) error {
	p, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	// Write to a temp file first so readers never observe a partial blob.
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write blob %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close blob %s: %w", ref, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("publish blob %s: %w", ref, err)
	}
	return nil
}

// Delete removes the blob at ref. Deleting a missing blob is not an error.
func (s *FilesystemStore) Delete(_ context.Context, ref string) error {
	p, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", ref, err)
	}
	return nil
}

// DeletePrefix removes every blob under the prefix.
func (s *FilesystemStore) DeletePrefix(_ context.Context, prefix string) error {
	p, err := s.path(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("delete prefix %s: %w", prefix, err)
	}
	return nil
}

// PresignGet returns a file URL. Filesystem blobs have no access control, so
// the expiry is ignored; this exists to satisfy the port in development.
func (s *FilesystemStore) PresignGet(_ context.Context, ref string, _ time.Duration) (string, error) {
	p, err := s.path(ref)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(p), nil
}
