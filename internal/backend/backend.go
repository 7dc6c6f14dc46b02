// Package backend selects and builds the session blob store.
package backend

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/internal/storage"
	"github.com/sirosfoundation/go-wallet-core/internal/storage/memory"
	"github.com/sirosfoundation/go-wallet-core/internal/storage/mongodb"
	"github.com/sirosfoundation/go-wallet-core/internal/storage/redis"
	"github.com/sirosfoundation/go-wallet-core/pkg/config"
)

// Type defines the type of session store
type Type string

const (
	// TypeMemory keeps sessions in process (for testing/development)
	TypeMemory Type = "memory"
	// TypeRedis shares sessions between instances through Redis
	TypeRedis Type = "redis"
	// TypeMongoDB persists sessions in a MongoDB collection
	TypeMongoDB Type = "mongodb"
)

// New creates a session store based on the configuration
func New(ctx context.Context, cfg *config.SessionStoreConfig, logger *zap.Logger) (storage.BlobStore, error) {
	switch Type(cfg.Type) {
	case TypeMemory, "":
		return memory.NewStore(cfg.DefaultTTL), nil

	case TypeRedis:
		store, err := redis.NewStore(ctx, &cfg.Redis, cfg.DefaultTTL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis session store: %w", err)
		}
		return store, nil

	case TypeMongoDB:
		store, err := mongodb.NewStore(ctx, &cfg.MongoDB, cfg.DefaultTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to create MongoDB session store: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported session store type: %s", cfg.Type)
	}
}
