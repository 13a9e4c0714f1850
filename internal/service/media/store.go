package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ifuryst/crosspost/internal/config"
)

var ErrNotFound = errors.New("media file not found")

// Store hands out read streams for uploaded files. The dispatch path never writes to it.
type Store interface {
	Open(ctx context.Context, fileID string) (io.ReadCloser, error)
}

func NewStore(ctx context.Context, cfg config.MediaConfig) (Store, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalStore(cfg.Root), nil
	case "s3":
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	default:
		return nil, fmt.Errorf("unsupported media store type: %s", cfg.Type)
	}
}

// LocalStore serves files from a directory on disk.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) Open(ctx context.Context, fileID string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := s.resolve(fileID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", fileID, ErrNotFound)
		}
		return nil, fmt.Errorf("open media %s: %w", fileID, err)
	}
	return f, nil
}

// resolve keeps file ids inside the root directory.
func (s *LocalStore) resolve(fileID string) (string, error) {
	clean := filepath.Clean("/" + strings.TrimSpace(fileID))
	if clean == "/" {
		return "", fmt.Errorf("invalid media file id %q", fileID)
	}
	return filepath.Join(s.root, clean), nil
}
