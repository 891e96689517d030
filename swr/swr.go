// Package swr serves cached values past their freshness window while a
// single background refresh fetches the new version. Readers see stale
// data for at most one refresh cycle instead of waiting on the loader.
package swr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/waveline/feedsync/store"
)

const (
	DefaultSoftTTL        = time.Minute
	DefaultHardTTL        = 10 * time.Minute
	DefaultRefreshTimeout = 5 * time.Second
)

// Loader fetches the authoritative value when the cache cannot serve it.
type Loader func(ctx context.Context) ([]byte, error)

type Config struct {
	// SoftTTL is the freshness window. Values older than this are still
	// served but trigger a background refresh.
	SoftTTL time.Duration `yaml:"soft_ttl"`
	// HardTTL bounds how long a value may live in the cache at all.
	HardTTL        time.Duration `yaml:"hard_ttl"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
}

// envelope wraps the cached payload with its write time so staleness is
// judged against when the value was stored, not when it expires.
type envelope struct {
	Value    []byte `json:"value"`
	StoredAt int64  `json:"storedAt"`
}

// Status is the service's activity snapshot for the admin surface.
type Status struct {
	Fresh      int64 `json:"fresh"`
	Stale      int64 `json:"stale"`
	Loads      int64 `json:"loads"`
	Refreshes  int64 `json:"refreshes"`
	Errors     int64 `json:"errors"`
	Refreshing int   `json:"refreshing"`
}

type Service struct {
	config Config
	cache  store.Store
	logger *zap.SugaredLogger
	clock  clock.Clock

	loads singleflight.Group

	mu         sync.Mutex
	refreshing map[string]bool
	wg         sync.WaitGroup

	fresh     atomic.Int64
	stale     atomic.Int64
	loadCount atomic.Int64
	refreshes atomic.Int64
	errors    atomic.Int64
}

func NewService(config Config, cache store.Store, logger *zap.SugaredLogger) *Service {
	return newServiceWithClock(config, cache, logger, clock.New())
}

func newServiceWithClock(config Config, cache store.Store, logger *zap.SugaredLogger, clk clock.Clock) *Service {
	if config.SoftTTL <= 0 {
		config.SoftTTL = DefaultSoftTTL
	}
	if config.HardTTL <= 0 {
		config.HardTTL = DefaultHardTTL
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = DefaultRefreshTimeout
	}
	return &Service{
		config:     config,
		cache:      cache,
		logger:     logger,
		clock:      clk,
		refreshing: make(map[string]bool),
	}
}

// Get returns the cached value for key, loading it on a miss. A value
// past its soft TTL is returned immediately while one background refresh
// replaces it; concurrent stale reads of the same key share that refresh.
func (s *Service) Get(ctx context.Context, key string, loader Loader) ([]byte, error) {
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if raw != nil {
		var env envelope
		if err := json.Unmarshal(raw, &env); err == nil {
			age := s.clock.Now().Sub(time.UnixMilli(env.StoredAt))
			if age <= s.config.SoftTTL {
				s.fresh.Add(1)
				return env.Value, nil
			}
			s.stale.Add(1)
			s.scheduleRefresh(key, loader)
			return env.Value, nil
		}
		s.logger.Warnw("Discarding unreadable cached envelope", "key", key)
	}

	value, err, _ := s.loads.Do(key, func() (any, error) {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		s.storeValue(ctx, key, value)
		return value, nil
	})
	if err != nil {
		s.errors.Add(1)
		return nil, err
	}
	s.loadCount.Add(1)
	return value.([]byte), nil
}

// Mutate writes the value through with a fresh timestamp, e.g. after the
// caller already persisted a change and knows the new state.
func (s *Service) Mutate(ctx context.Context, key string, value []byte) error {
	return s.storeValue(ctx, key, value)
}

// Clear drops the key so the next read loads from source.
func (s *Service) Clear(ctx context.Context, key string) error {
	return s.cache.Delete(ctx, key)
}

func (s *Service) Status() Status {
	s.mu.Lock()
	refreshing := len(s.refreshing)
	s.mu.Unlock()
	return Status{
		Fresh:      s.fresh.Load(),
		Stale:      s.stale.Load(),
		Loads:      s.loadCount.Load(),
		Refreshes:  s.refreshes.Load(),
		Errors:     s.errors.Load(),
		Refreshing: refreshing,
	}
}

// ResetStats zeroes the counters. In-flight refreshes are unaffected.
func (s *Service) ResetStats() {
	s.fresh.Store(0)
	s.stale.Store(0)
	s.loadCount.Store(0)
	s.refreshes.Store(0)
	s.errors.Store(0)
}

// scheduleRefresh starts at most one refresh per key; later stale reads
// of the same key return without stacking loaders.
func (s *Service) scheduleRefresh(key string, loader Loader) {
	s.mu.Lock()
	if s.refreshing[key] {
		s.mu.Unlock()
		return
	}
	s.refreshing[key] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.refresh(key, loader)
}

func (s *Service) refresh(key string, loader Loader) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.refreshing, key)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.RefreshTimeout)
	defer cancel()

	value, err := loader(ctx)
	if err != nil {
		s.errors.Add(1)
		s.logger.Warnw("Background refresh failed, stale value retained",
			"key", key, "error", err)
		return
	}
	if err := s.storeValue(ctx, key, value); err != nil {
		s.errors.Add(1)
		return
	}
	s.refreshes.Add(1)
}

func (s *Service) storeValue(ctx context.Context, key string, value []byte) error {
	raw, err := json.Marshal(envelope{
		Value:    value,
		StoredAt: s.clock.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, key, raw, s.config.HardTTL)
}

// waitRefreshes blocks until in-flight background refreshes finish.
func (s *Service) waitRefreshes() {
	s.wg.Wait()
}
