package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Compile-time check that LocalStorage implements Storage.
var _ Storage = (*LocalStorage)(nil)

// LocalStorage implements the Storage interface using local disk.
// Uploads land under a root directory and are addressed with file://
// URLs. Suitable for development; use S3Storage in production.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates a new LocalStorage instance rooted at root.
// If root is empty, a directory under os.TempDir() is used.
// The directory is created if it doesn't exist.
func NewLocalStorage(root string) (*LocalStorage, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "fitgen-storage")
	}

	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	return &LocalStorage{root: root}, nil
}

// Root returns the storage root directory path.
func (s *LocalStorage) Root() string {
	return s.root
}

// Upload writes data to root/key and returns a file:// URL. The file is
// written under a temp name and renamed so a partially written artifact
// is never addressable.
func (s *LocalStorage) Upload(ctx context.Context, key, _ string, data io.Reader) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}

	tmp := path + ".part"
	f, err := os.Create(tmp) // #nosec G304 - path is derived from an internal key
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}

	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finalize file: %w", err)
	}

	return "file://" + path, nil
}
