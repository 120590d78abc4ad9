package ocsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Store defaults.
const (
	DefaultSyncInterval = 5 * time.Minute
)

// Cache is one openable, syncable cache instance (images, posts). A sync
// pass fetches the remote listing and reconciles it against the local
// database; it either applies fully or not at all.
type Cache interface {
	// Name identifies the cache ("images", "posts").
	Name() string

	// Open opens the cache database.
	Open(ctx context.Context) error

	// Sync runs one full reconciliation pass.
	Sync(ctx context.Context) error

	// Close releases the cache.
	Close() error
}

// CacheStatus is a point-in-time snapshot for status reporting.
type CacheStatus struct {
	Name      string    `json:"name"`
	SyncedAt  time.Time `json:"synced_at,omitzero"`
	SyncCount int       `json:"sync_count"`
	LastError string    `json:"last_error,omitempty"`
}

// Store is the top-level container for caches. It runs the periodic sync
// monitor so individual caches stay passive, and aggregates status for
// the CLI and HTTP layers.
type Store struct {
	mu     sync.Mutex
	caches []Cache
	status map[string]*CacheStatus

	wg     sync.WaitGroup
	ctx    context.Context
	cancel func()

	logger *slog.Logger

	// The frequency of background sync passes.
	SyncInterval time.Duration

	// If true, each cache is synced periodically in the background.
	MonitorEnabled bool
}

// NewStore returns a new instance of Store.
func NewStore(caches []Cache) *Store {
	s := &Store{
		caches:       caches,
		status:       make(map[string]*CacheStatus),
		logger:       slog.Default(),
		SyncInterval: DefaultSyncInterval,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, c := range caches {
		s.status[c.Name()] = &CacheStatus{Name: c.Name()}
	}
	return s
}

// Caches returns the managed caches.
func (s *Store) Caches() []Cache { return s.caches }

// Open opens every cache and, when enabled, starts the sync monitors.
// Caches opened before a failure are closed again.
func (s *Store) Open(ctx context.Context) error {
	for i, c := range s.caches {
		if err := c.Open(ctx); err != nil {
			for _, o := range s.caches[:i] {
				o.Close()
			}
			return err
		}
	}

	if s.MonitorEnabled {
		for _, c := range s.caches {
			c := c
			s.wg.Add(1)
			go func() { defer s.wg.Done(); s.monitor(c) }()
		}
	}
	return nil
}

func (s *Store) monitor(c Cache) {
	ticker := time.NewTicker(s.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		if err := s.SyncCache(s.ctx, c); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("sync failed", "cache", c.Name(), "error", err)
		}
	}
}

// SyncCache runs one pass for a single cache and records the outcome.
func (s *Store) SyncCache(ctx context.Context, c Cache) error {
	err := c.Sync(ctx)

	s.mu.Lock()
	st := s.status[c.Name()]
	st.SyncCount++
	if err != nil {
		st.LastError = err.Error()
	} else {
		st.LastError = ""
		st.SyncedAt = time.Now()
	}
	s.mu.Unlock()
	return err
}

// Sync runs one pass for every cache, returning the first error after
// attempting all of them.
func (s *Store) Sync(ctx context.Context) (err error) {
	for _, c := range s.caches {
		if e := s.SyncCache(ctx, c); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// Status returns a snapshot per cache, in cache order.
func (s *Store) Status() []CacheStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := make([]CacheStatus, 0, len(s.caches))
	for _, c := range s.caches {
		a = append(a, *s.status[c.Name()])
	}
	return a
}

// Close stops the monitors and closes all caches.
func (s *Store) Close() (err error) {
	s.cancel()
	s.wg.Wait()

	for _, c := range s.caches {
		if e := c.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}
