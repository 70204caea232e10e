package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DirStore keeps blobs as files below a base directory.
type DirStore struct {
	base string
}

func NewDirStore(base string) (*DirStore, error) {
	if base == "" {
		return nil, errors.New("blob directory is not set")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &DirStore{base: base}, nil
}

func (d *DirStore) path(key string) (string, error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.base, filepath.FromSlash(clean)), nil
}

func (d *DirStore) GetReader(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := d.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// GetWriter writes to a temp file next to the target and renames it into
// place on Close, so readers never see a partial blob.
func (d *DirStore) GetWriter(_ context.Context, key string) (io.WriteCloser, error) {
	path, err := d.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &dirWriter{File: tmp, target: path}, nil
}

type dirWriter struct {
	*os.File
	target string
	closed bool
}

func (w *dirWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.File.Close(); err != nil {
		os.Remove(w.Name())
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(w.Name(), w.target); err != nil {
		os.Remove(w.Name())
		return fmt.Errorf("publish blob: %w", err)
	}
	return nil
}
