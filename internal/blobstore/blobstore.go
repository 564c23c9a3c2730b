// Package blobstore implements the Clip Store (C1) and Asset Store (C2):
// narrow put/get/exists interfaces over opaque byte blobs, keyed by content
// hash (clips) or species code (assets). Grounded on the pack's S3/R2
// client (aws-sdk-go-v2), generalized into a single interface with two key
// schemes instead of one storage-specific client.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Error kinds surfaced by a Store, per spec.md §4.1: transient I/O is
// retryable, permanent failures (quota, access denied) are not.
var (
	ErrTransient = errors.New("blobstore: transient error")
	ErrPermanent = errors.New("blobstore: permanent error")
	ErrNotFound  = errors.New("blobstore: key not found")
)

// Store is satisfied by both the Clip Store and the Asset Store — they
// differ only in the key scheme their callers use, not in behavior.
type Store interface {
	// Put stores bytes under key and returns a durable URL for them.
	// Storing the same key twice is idempotent.
	Put(ctx context.Context, key string, data []byte, contentType string) (url string, err error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// ClipKey returns the content-addressed key for a clip: the hex SHA-256 of
// its bytes, so storing the same clip twice is naturally idempotent.
func ClipKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ClipPath applies the persisted audio layout from spec.md §6:
// <prefix>/<first-2-hex>/<hash>.wav
func ClipPath(prefix, clipKey string) string {
	if len(clipKey) < 2 {
		return fmt.Sprintf("%s/%s.wav", prefix, clipKey)
	}
	return fmt.Sprintf("%s/%s/%s.wav", prefix, clipKey[:2], clipKey)
}

// AssetKey returns the key an Asset Store uses for a species: the species
// code itself, since assets are one-per-species.
func AssetKey(speciesCode string) string {
	return speciesCode
}
