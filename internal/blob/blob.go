// Package blob stores job payloads too large to travel inline with the job
// record. Keys are flat strings; the S3 and directory backends map them to
// object keys and relative file paths.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"grid-worker-node/internal/config"
)

// ErrNotFound is returned by GetReader when the key does not exist.
var ErrNotFound = errors.New("blob not found")

// Store reads and writes blobs. Writers publish their content on Close.
type Store interface {
	GetReader(ctx context.Context, key string) (io.ReadCloser, error)
	GetWriter(ctx context.Context, key string) (io.WriteCloser, error)
}

// FromConfig returns an S3 store when a bucket is configured and a
// directory store otherwise.
func FromConfig(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.S3Bucket != "" {
		st, err := NewS3Store(ctx, S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	st, err := NewDirStore(cfg.BlobDir)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func sanitizeKey(key string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean("/" + key))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return clean, nil
}
