// Package storage defines the persistence collaborator for serialized wallet
// state. Engines hand out opaque blobs (see domain.SerializeSession); a
// BlobStore keeps them under a caller-chosen key.
package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrDatabase      = errors.New("database error")
)

// Key namespaces used by the HTTP surface
const (
	IssuancePrefix     = "issuance:"
	PresentationPrefix = "presentation:"
)

// IssuanceKey is the blob key of the issuance session with the given state
func IssuanceKey(state string) string { return IssuancePrefix + state }

// PresentationKey is the blob key of a parsed presentation request
func PresentationKey(id string) string { return PresentationPrefix + id }

// BlobStore stores opaque serialized blobs.
// Implementations must be safe for concurrent use.
type BlobStore interface {
	// Create stores a blob. Returns ErrAlreadyExists if the key is taken.
	Create(ctx context.Context, key, blob string, ttl time.Duration) error

	// Put stores a blob, replacing any previous value.
	// A ttl of zero means the store default.
	Put(ctx context.Context, key, blob string, ttl time.Duration) error

	// Get retrieves a blob. Returns ErrNotFound if absent or expired.
	Get(ctx context.Context, key string) (string, error)

	// Delete removes a blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping checks if the storage is alive
	Ping(ctx context.Context) error

	// Close closes the storage connection
	Close() error
}
