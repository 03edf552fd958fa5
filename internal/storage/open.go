package storage

import (
	"context"
	"fmt"

	"github.com/kenneth/sse-object-store/internal/config"
	"github.com/kenneth/sse-object-store/internal/s3"
)

// Open creates the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "bolt":
		b, err := OpenBoltBackend(cfg.Bolt.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "s3":
		client, err := s3.NewClient(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return NewS3Backend(client, cfg.S3.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
