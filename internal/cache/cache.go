// Package cache provides the key/value store behind cache channels. The
// memory driver is node-local; the redis driver makes cached events visible
// to every node.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque payloads with per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
