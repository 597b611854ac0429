// Package factory builds storage backends from a type name and JSON config.
package factory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/epam/ai-dial-core-sub000/internal/storage"
	"github.com/epam/ai-dial-core-sub000/internal/storage/azure"
	"github.com/epam/ai-dial-core-sub000/internal/storage/gcs"
	"github.com/epam/ai-dial-core-sub000/internal/storage/local"
	"github.com/epam/ai-dial-core-sub000/internal/storage/pg"
	s3backend "github.com/epam/ai-dial-core-sub000/internal/storage/s3"
)

// NewBackendFromConfig creates a Backend from a backend type string and JSON config.
func NewBackendFromConfig(ctx context.Context, backendType string, config json.RawMessage) (storage.Backend, error) {
	switch backendType {
	case "local":
		return local.NewFromJSON(config)
	case "s3":
		return s3backend.NewBackendFromJSON(ctx, config)
	case "gcs":
		return gcs.NewBackendFromJSON(ctx, config)
	case "azure":
		return azure.NewBackendFromJSON(config)
	case "postgres":
		return pg.NewFromJSON(ctx, config)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
}
