// Package mongodb stores session blobs in a MongoDB collection with a TTL
// index on the expiry time.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-wallet-core/internal/storage"
	"github.com/sirosfoundation/go-wallet-core/pkg/config"
)

type blobDoc struct {
	Key       string    `bson:"_id"`
	Blob      string    `bson:"blob"`
	ExpiresAt time.Time `bson:"expires_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// Store implements storage.BlobStore on MongoDB
type Store struct {
	client     *mongo.Client
	database   *mongo.Database
	collection *mongo.Collection
	defaultTTL time.Duration
	now        func() time.Time
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *config.MongoDBConfig, defaultTTL time.Duration) (*Store, error) {
	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(time.Duration(cfg.Timeout) * time.Second).
		SetServerSelectionTimeout(time.Duration(cfg.Timeout) * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping the database to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	name := cfg.Collection
	if name == "" {
		name = "sessions"
	}
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}

	database := client.Database(cfg.Database)
	s := &Store{
		client:     client,
		database:   database,
		collection: database.Collection(name),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}

	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	// expired blobs are removed by the server's TTL monitor
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("failed to create blob indexes: %w", err)
	}
	return nil
}

func (s *Store) doc(key, blob string, ttl time.Duration) blobDoc {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now()
	return blobDoc{Key: key, Blob: blob, ExpiresAt: now.Add(ttl), UpdatedAt: now}
}

// Create inserts a blob. An expired document the TTL monitor has not yet
// removed is overwritten.
func (s *Store) Create(ctx context.Context, key, blob string, ttl time.Duration) error {
	if key == "" {
		return storage.ErrInvalidInput
	}
	d := s.doc(key, blob, ttl)
	filter := bson.M{"_id": key, "expires_at": bson.M{"$lte": d.UpdatedAt}}
	update := bson.M{"$set": bson.M{"blob": d.Blob, "expires_at": d.ExpiresAt, "updated_at": d.UpdatedAt}}

	_, err := s.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create blob: %w", err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, key, blob string, ttl time.Duration) error {
	if key == "" {
		return storage.ErrInvalidInput
	}
	d := s.doc(key, blob, ttl)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": key}, d, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store blob: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var d blobDoc
	filter := bson.M{"_id": key, "expires_at": bson.M{"$gt": s.now()}}
	if err := s.collection.FindOne(ctx, filter).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("failed to get blob: %w", err)
	}
	return d.Blob, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// Ping checks if the database is alive
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close closes the database connection
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
