// Package cache defines the content-addressed memoization layer used for
// extracted document text and model responses. The cache is an optimization,
// never a source of truth: implementations degrade to "always miss" when
// their backend is unavailable instead of failing the caller.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent, expired, or the cache
// backend is unreachable. Callers treat every ErrMiss the same way: recompute.
var ErrMiss = errors.New("cache miss")

// Default TTLs per entry kind. Model responses are reproducible, so a day of
// memoization is safe; extracted text is only useful while its session lives.
const (
	DefaultResponseTTL = 24 * time.Hour
	DefaultTextTTL     = 6 * time.Hour
)

// Cache is a shared, ownerless key/value store with TTL eviction.
// Set is idempotent; concurrent sets of the same key with equal values are
// safe races because the value is reproducible from its inputs.
type Cache interface {
	// Get returns the value stored under key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with the given TTL. Errors from the backend
	// are absorbed by implementations; a failed Set is a future miss, not a
	// caller failure.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Delete removes keys. Best effort, used when a session is deleted.
	Delete(ctx context.Context, keys ...string)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// KeyFor derives the content-addressed cache key for an operation kind and
// its canonicalized input. The key is a SHA-256 over kind and input with a
// NUL byte separating them, so semantically identical requests collide
// deterministically and no two distinct (kind, input) pairs share a key.
func KeyFor(kind string, canonicalInput []byte) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(canonicalInput)
	return kind + ":" + hex.EncodeToString(h.Sum(nil))
}
