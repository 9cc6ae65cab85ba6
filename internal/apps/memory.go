package apps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// MemoryStore serves applications from an in-memory index seeded from config
// and optionally kept in sync with a JSON file on disk.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]Application
	byKey map[string]Application

	logger zerolog.Logger
}

// NewMemoryStore indexes the given applications.
func NewMemoryStore(applications []Application, logger zerolog.Logger) *MemoryStore {
	s := &MemoryStore{
		logger: logger.With().Str("component", "app_store").Str("driver", "memory").Logger(),
	}
	s.Replace(applications)
	return s
}

// ByID implements Store.
func (s *MemoryStore) ByID(_ context.Context, id string) (*Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.byID[id]
	if !ok {
		return nil, ErrAppNotFound
	}
	return &app, nil
}

// ByKey implements Store.
func (s *MemoryStore) ByKey(_ context.Context, key string) (*Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.byKey[key]
	if !ok {
		return nil, ErrAppNotFound
	}
	return &app, nil
}

// Len returns the number of registered applications.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Replace swaps the full application set atomically.
func (s *MemoryStore) Replace(applications []Application) {
	byID := make(map[string]Application, len(applications))
	byKey := make(map[string]Application, len(applications))
	for _, app := range applications {
		byID[app.ID] = app
		byKey[app.Key] = app
	}

	s.mu.Lock()
	s.byID = byID
	s.byKey = byKey
	s.mu.Unlock()
}

// LoadFile reads a JSON array of applications from path and replaces the
// current set.
func (s *MemoryStore) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading apps file: %w", err)
	}
	var applications []Application
	if err := json.Unmarshal(raw, &applications); err != nil {
		return fmt.Errorf("parsing apps file %s: %w", path, err)
	}
	s.Replace(applications)
	s.logger.Info().
		Str("path", path).
		Int("apps", len(applications)).
		Msg("loaded applications from file")
	return nil
}

// WatchFile reloads the apps file whenever it changes on disk. Watching the
// parent directory survives editors that replace the file instead of writing
// in place. Blocks until ctx is done.
func (s *MemoryStore) WatchFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating apps file watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	// Debounce bursts of write events from a single save.
	var pending *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := s.LoadFile(abs); err != nil {
				s.logger.Error().Err(err).Msg("apps file reload failed, keeping previous set")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error().Err(err).Msg("apps file watcher error")
		}
	}
}
