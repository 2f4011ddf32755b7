package storage

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/kiranshivaraju/tabflow/internal/config"
	"google.golang.org/api/option"
)

// New constructs the storage backend named in config.
// Called once at server startup.
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case config.StorageBackendLocal:
		return NewLocalStorage(cfg.Root, cfg.MaxUploadBytes)
	case config.StorageBackendGCS:
		var opts []option.ClientOption
		if cfg.EmulatorHost != "" {
			// The client reads STORAGE_EMULATOR_HOST itself; it only needs auth off.
			opts = append(opts, option.WithoutAuthentication())
		} else {
			opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		return NewGCSStorage(client, cfg.GCSBucket, cfg.GCSPrefix, cfg.MaxUploadBytes), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q: must be one of local, gcs", cfg.Backend)
	}
}
