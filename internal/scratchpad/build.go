package scratchpad

import (
	"context"
	"fmt"

	"github.com/petrelhq/petrel/internal/config"
)

// FromConfig builds the configured store backend.
func FromConfig(ctx context.Context, cfg config.ScratchpadConfig) (Store, error) {
	switch cfg.Backend {
	case "local", "":
		return NewLocalStore(cfg.Dir)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown scratchpad backend %q", cfg.Backend)
	}
}
