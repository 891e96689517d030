package store

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/waveline/feedsync/analytics"
	"github.com/waveline/feedsync/breaker"
	"github.com/waveline/feedsync/compression"
)

// TieredStore routes operations to the remote backend when one is
// configured, degrading transparently to the local fallback when the
// remote fails or its circuit breaker is open. The cache is best-effort:
// read errors surface as misses and write errors are logged, swallowed,
// and recorded in analytics so silently-failing invalidation stays
// observable.
type TieredStore struct {
	remote   Store // nil when no remote backend is configured
	local    Store
	breakers *breaker.Registry
	recorder *analytics.Recorder
	codec    *compression.Codec
	resource string
	logger   *zap.SugaredLogger
	clock    clock.Clock
}

func NewTieredStore(
	remote Store,
	local Store,
	breakers *breaker.Registry,
	recorder *analytics.Recorder,
	codec *compression.Codec,
	logger *zap.SugaredLogger,
) *TieredStore {
	return &TieredStore{
		remote:   remote,
		local:    local,
		breakers: breakers,
		recorder: recorder,
		codec:    codec,
		resource: "valkey",
		logger:   logger,
		clock:    clock.New(),
	}
}

func (t *TieredStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := t.clock.Now()

	encoded, err := t.read(ctx, key)
	if err != nil {
		if !breaker.IsOpen(err) {
			t.logger.Warnw("Remote cache read failed, using local fallback",
				"key", key, "error", err)
		}
		t.recorder.Record(key, analytics.OpError, t.clock.Since(start))
		encoded, _ = t.local.Get(ctx, key)
	}

	if encoded == nil {
		t.recorder.Record(key, analytics.OpMiss, t.clock.Since(start))
		return nil, nil
	}

	value, err := t.codec.Decode(encoded)
	if err != nil {
		t.logger.Errorw("Failed to decode cached value", "key", key, "error", err)
		t.recorder.Record(key, analytics.OpError, t.clock.Since(start))
		return nil, nil
	}

	t.recorder.Record(key, analytics.OpHit, t.clock.Since(start))
	return value, nil
}

func (t *TieredStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := t.clock.Now()

	encoded, err := t.codec.Encode(value)
	if err != nil {
		t.logger.Errorw("Failed to encode value, caching skipped", "key", key, "error", err)
		t.recorder.Record(key, analytics.OpError, t.clock.Since(start))
		return nil
	}

	if t.remote != nil {
		_, err = t.breakers.Execute(ctx, t.resource, func(ctx context.Context) (any, error) {
			return nil, t.remote.Set(ctx, key, encoded, ttl)
		})
		if err == nil {
			t.recorder.Record(key, analytics.OpSet, t.clock.Since(start))
			return nil
		}
		if !breaker.IsOpen(err) {
			t.logger.Warnw("Remote cache write failed, using local fallback",
				"key", key, "error", err)
		}
		t.recorder.Record(key, analytics.OpError, t.clock.Since(start))
	}

	if err := t.local.Set(ctx, key, encoded, ttl); err != nil {
		t.logger.Errorw("Local cache write failed", "key", key, "error", err)
		t.recorder.Record(key, analytics.OpError, t.clock.Since(start))
		return nil
	}
	t.recorder.Record(key, analytics.OpSet, t.clock.Since(start))
	return nil
}

func (t *TieredStore) Delete(ctx context.Context, key string) error {
	start := t.clock.Now()

	if t.remote != nil {
		_, err := t.breakers.Execute(ctx, t.resource, func(ctx context.Context) (any, error) {
			return nil, t.remote.Delete(ctx, key)
		})
		if err != nil {
			if !breaker.IsOpen(err) {
				t.logger.Warnw("Remote cache delete failed", "key", key, "error", err)
			}
			t.recorder.Record(key, analytics.OpError, t.clock.Since(start))
		}
	}

	// The local tier always drops the key so a fallback read cannot
	// resurrect deleted data.
	if err := t.local.Delete(ctx, key); err != nil {
		t.recorder.Record(key, analytics.OpError, t.clock.Since(start))
		return nil
	}
	t.recorder.Record(key, analytics.OpDelete, t.clock.Since(start))
	return nil
}

func (t *TieredStore) DeletePattern(ctx context.Context, glob string) (int, error) {
	start := t.clock.Now()
	deleted := 0

	if t.remote != nil {
		result, err := t.breakers.Execute(ctx, t.resource, func(ctx context.Context) (any, error) {
			return t.remote.DeletePattern(ctx, glob)
		})
		if err != nil {
			if !breaker.IsOpen(err) {
				t.logger.Warnw("Remote pattern delete failed", "pattern", glob, "error", err)
			}
			t.recorder.Record(glob, analytics.OpError, t.clock.Since(start))
		} else if count, ok := result.(int); ok {
			deleted += count
		}
	}

	count, err := t.local.DeletePattern(ctx, glob)
	if err != nil {
		t.recorder.Record(glob, analytics.OpError, t.clock.Since(start))
		return deleted, nil
	}
	deleted += count
	t.recorder.Record(glob, analytics.OpDelete, t.clock.Since(start))
	return deleted, nil
}

func (t *TieredStore) Keys(ctx context.Context, glob string) ([]string, error) {
	if t.remote != nil {
		result, err := t.breakers.Execute(ctx, t.resource, func(ctx context.Context) (any, error) {
			return t.remote.Keys(ctx, glob)
		})
		if err == nil {
			if keys, ok := result.([]string); ok {
				return keys, nil
			}
		} else if !breaker.IsOpen(err) {
			t.logger.Warnw("Remote key scan failed, using local fallback",
				"pattern", glob, "error", err)
		}
	}
	return t.local.Keys(ctx, glob)
}

// Encoded reports whether the stored payload for key already carries the
// compressed format. Used by the admin compress-existing action.
func (t *TieredStore) Encoded(ctx context.Context, key string) bool {
	encoded, err := t.read(ctx, key)
	if err != nil || encoded == nil {
		encoded, _ = t.local.Get(ctx, key)
	}
	return t.codec.Encoded(encoded)
}

func (t *TieredStore) read(ctx context.Context, key string) ([]byte, error) {
	if t.remote == nil {
		return t.local.Get(ctx, key)
	}
	result, err := t.breakers.Execute(ctx, t.resource, func(ctx context.Context) (any, error) {
		return t.remote.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	encoded, _ := result.([]byte)
	return encoded, nil
}
