package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/JosueRhea/sockudo/internal/cache"
)

// EventCache stores the most recent broadcast of each cache channel so late
// subscribers can be replayed the last event.
type EventCache struct {
	store  cache.Cache
	prefix string
	ttl    time.Duration
}

// NewEventCache wraps a cache backend with the key scheme and TTL used for
// cache channels.
func NewEventCache(store cache.Cache, prefix string, ttl time.Duration) *EventCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &EventCache{store: store, prefix: prefix, ttl: ttl}
}

func (c *EventCache) key(appID, channel string) string {
	return fmt.Sprintf("%s:cache:%s:%s", c.prefix, appID, channel)
}

// Store saves the frame as the channel's last event.
func (c *EventCache) Store(ctx context.Context, appID, channel string, frame []byte) error {
	return c.store.Set(ctx, c.key(appID, channel), frame, c.ttl)
}

// Load returns the channel's last event, if any.
func (c *EventCache) Load(ctx context.Context, appID, channel string) ([]byte, bool, error) {
	return c.store.Get(ctx, c.key(appID, channel))
}
