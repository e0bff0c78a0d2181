package media

import (
	"context"
	"fmt"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/config"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/storage"
)

// NewStorage opens the blob store selected by cfg.Driver. It returns nil for
// driver "none", which keeps data: URLs inline in messages.
func NewStorage(ctx context.Context, cfg config.MediaConfig) (storage.Storage, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "local":
		return storage.NewLocalStorage(cfg.Local)
	case "s3":
		return storage.NewS3Storage(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported media driver: %s", cfg.Driver)
	}
}
