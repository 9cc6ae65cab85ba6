// Package quota provides token-bucket rate limiting for connection attempts,
// client events, and HTTP API calls. Buckets refill lazily at
// capacity/window per second and are keyed by (app, category, identifier).
package quota

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Result reports the outcome of a bucket consume.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Bucket is a single token bucket, used where the identity owning the bucket
// is already pinned (one per socket for client events).
type Bucket struct {
	limiter *rate.Limiter
}

// NewBucket creates a bucket refilling at perSecond tokens/sec with the given
// burst capacity.
func NewBucket(perSecond float64, burst int) *Bucket {
	return &Bucket{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow consumes one token, reporting the wait until the next token when the
// bucket is empty.
func (b *Bucket) Allow() Result {
	r := b.limiter.ReserveN(time.Now(), 1)
	if !r.OK() {
		return Result{Allowed: false, RetryAfter: time.Second}
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return Result{Allowed: false, RetryAfter: delay}
	}
	return Result{Allowed: true}
}

// KeyedLimiter tracks one bucket per key with TTL-based eviction of idle
// entries. Keys are composed by the caller (app id, remote IP, or both).
type KeyedLimiter struct {
	mu      sync.RWMutex
	entries map[string]*keyedEntry

	perSecond float64
	burst     int
	ttl       time.Duration

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type keyedEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// KeyedConfig configures a KeyedLimiter.
type KeyedConfig struct {
	PerSecond float64       // sustained tokens/sec per key
	Burst     int           // bucket capacity per key
	TTL       time.Duration // evict keys idle longer than this (default 5m)
	Name      string        // label for log context
	Logger    zerolog.Logger
}

// NewKeyedLimiter creates a keyed limiter and starts its eviction loop.
func NewKeyedLimiter(cfg KeyedConfig) *KeyedLimiter {
	if cfg.TTL == 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	kl := &KeyedLimiter{
		entries:     make(map[string]*keyedEntry),
		perSecond:   cfg.PerSecond,
		burst:       cfg.Burst,
		ttl:         cfg.TTL,
		logger:      cfg.Logger.With().Str("component", "quota").Str("limiter", cfg.Name).Logger(),
		stopCleanup: make(chan struct{}),
	}
	kl.cleanupTicker = time.NewTicker(1 * time.Minute)
	go kl.cleanupLoop()
	return kl
}

// Allow consumes one token from the bucket for key.
func (kl *KeyedLimiter) Allow(key string) Result {
	lim := kl.get(key)
	r := lim.ReserveN(time.Now(), 1)
	if !r.OK() {
		return Result{Allowed: false, RetryAfter: time.Second}
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		kl.logger.Debug().
			Str("key", key).
			Dur("retry_after", delay).
			Msg("rate limit exceeded")
		return Result{Allowed: false, RetryAfter: delay}
	}
	return Result{Allowed: true}
}

func (kl *KeyedLimiter) get(key string) *rate.Limiter {
	kl.mu.RLock()
	entry, ok := kl.entries[key]
	kl.mu.RUnlock()

	if ok {
		kl.mu.Lock()
		entry.lastAccess = time.Now()
		kl.mu.Unlock()
		return entry.limiter
	}

	kl.mu.Lock()
	defer kl.mu.Unlock()

	// Double-check after acquiring the write lock.
	if entry, ok = kl.entries[key]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	lim := rate.NewLimiter(rate.Limit(kl.perSecond), kl.burst)
	kl.entries[key] = &keyedEntry{limiter: lim, lastAccess: time.Now()}
	return lim
}

// TrackedKeys returns the number of live buckets, for stats endpoints.
func (kl *KeyedLimiter) TrackedKeys() int {
	kl.mu.RLock()
	defer kl.mu.RUnlock()
	return len(kl.entries)
}

func (kl *KeyedLimiter) cleanupLoop() {
	for {
		select {
		case <-kl.cleanupTicker.C:
			kl.cleanup()
		case <-kl.stopCleanup:
			kl.cleanupTicker.Stop()
			return
		}
	}
}

func (kl *KeyedLimiter) cleanup() {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range kl.entries {
		if now.Sub(entry.lastAccess) > kl.ttl {
			delete(kl.entries, key)
			removed++
		}
	}
	if removed > 0 {
		kl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(kl.entries)).
			Msg("evicted idle rate buckets")
	}
}

// Stop terminates the eviction loop.
func (kl *KeyedLimiter) Stop() {
	kl.stopOnce.Do(func() { close(kl.stopCleanup) })
}
