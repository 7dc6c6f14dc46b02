// Package redis stores session blobs in Redis so several wallet-core
// instances can share them.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/internal/storage"
	"github.com/sirosfoundation/go-wallet-core/pkg/config"
)

// Store implements storage.BlobStore on Redis. Expiry is left to Redis TTLs.
type Store struct {
	client     *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
	logger     *zap.Logger
}

// NewStore connects to Redis and verifies the connection
func NewStore(ctx context.Context, cfg *config.RedisConfig, defaultTTL time.Duration, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "wallet:session:"
	}
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}

	return &Store{
		client:     client,
		keyPrefix:  prefix,
		defaultTTL: defaultTTL,
		logger:     logger.Named("redis_store"),
	}, nil
}

func (r *Store) key(k string) string {
	return r.keyPrefix + k
}

func (r *Store) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return r.defaultTTL
	}
	return ttl
}

func (r *Store) Create(ctx context.Context, key, blob string, ttl time.Duration) error {
	if key == "" {
		return storage.ErrInvalidInput
	}
	ok, err := r.client.SetNX(ctx, r.key(key), blob, r.ttl(ttl)).Result()
	if err != nil {
		return fmt.Errorf("failed to create blob: %w", err)
	}
	if !ok {
		return storage.ErrAlreadyExists
	}
	return nil
}

func (r *Store) Put(ctx context.Context, key, blob string, ttl time.Duration) error {
	if key == "" {
		return storage.ErrInvalidInput
	}
	if err := r.client.Set(ctx, r.key(key), blob, r.ttl(ttl)).Err(); err != nil {
		return fmt.Errorf("failed to store blob: %w", err)
	}
	return nil
}

func (r *Store) Get(ctx context.Context, key string) (string, error) {
	blob, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get blob: %w", err)
	}
	return blob, nil
}

func (r *Store) Delete(ctx context.Context, key string) error {
	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	if n > 0 {
		r.logger.Debug("Deleted blob", zap.String("key", key))
	}
	return nil
}

func (r *Store) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Store) Close() error {
	return r.client.Close()
}
