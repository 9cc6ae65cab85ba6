package apps

import (
	"context"
	"sync"
	"time"
)

// Registry is the read-through TTL cache in front of a Store. Lookups are
// read-mostly; expired entries are refreshed on access.
type Registry struct {
	store Store
	ttl   time.Duration

	mu    sync.RWMutex
	byID  map[string]cachedApp
	byKey map[string]cachedApp

	defaults Defaults
}

type cachedApp struct {
	app     Application
	expires time.Time
}

// NewRegistry wraps store with a cache holding entries for ttl.
func NewRegistry(store Store, ttl time.Duration, defaults Defaults) *Registry {
	return &Registry{
		store:    store,
		ttl:      ttl,
		byID:     make(map[string]cachedApp),
		byKey:    make(map[string]cachedApp),
		defaults: defaults,
	}
}

// ByID resolves an application by id.
func (r *Registry) ByID(ctx context.Context, id string) (*Application, error) {
	if app, ok := r.cached(r.byID, id); ok {
		return app, nil
	}
	app, err := r.store.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.admit(*app), nil
}

// ByKey resolves an application by its public key.
func (r *Registry) ByKey(ctx context.Context, key string) (*Application, error) {
	if app, ok := r.cached(r.byKey, key); ok {
		return app, nil
	}
	app, err := r.store.ByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return r.admit(*app), nil
}

func (r *Registry) cached(index map[string]cachedApp, key string) (*Application, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := index[key]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	app := entry.app
	return &app, true
}

func (r *Registry) admit(app Application) *Application {
	app.ApplyDefaults(r.defaults)
	entry := cachedApp{app: app, expires: time.Now().Add(r.ttl)}

	r.mu.Lock()
	r.byID[app.ID] = entry
	r.byKey[app.Key] = entry
	r.mu.Unlock()

	out := app
	return &out
}

// Invalidate drops any cached copy of the application, forcing the next
// lookup through the store.
func (r *Registry) Invalidate(id, key string) {
	r.mu.Lock()
	delete(r.byID, id)
	delete(r.byKey, key)
	r.mu.Unlock()
}
