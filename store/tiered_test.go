package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/waveline/feedsync/analytics"
	"github.com/waveline/feedsync/breaker"
	"github.com/waveline/feedsync/compression"
)

// flakyStore wraps a MemoryStore and fails every operation while broken.
type flakyStore struct {
	inner  Store
	broken bool
	calls  int
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.calls++
	if f.broken {
		return nil, errors.New("remote unavailable")
	}
	return f.inner.Get(ctx, key)
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.calls++
	if f.broken {
		return errors.New("remote unavailable")
	}
	return f.inner.Set(ctx, key, value, ttl)
}

func (f *flakyStore) Delete(ctx context.Context, key string) error {
	f.calls++
	if f.broken {
		return errors.New("remote unavailable")
	}
	return f.inner.Delete(ctx, key)
}

func (f *flakyStore) DeletePattern(ctx context.Context, glob string) (int, error) {
	f.calls++
	if f.broken {
		return 0, errors.New("remote unavailable")
	}
	return f.inner.DeletePattern(ctx, glob)
}

func (f *flakyStore) Keys(ctx context.Context, glob string) ([]string, error) {
	f.calls++
	if f.broken {
		return nil, errors.New("remote unavailable")
	}
	return f.inner.Keys(ctx, glob)
}

func newTestTiered(t *testing.T, remote Store) (*TieredStore, *analytics.Recorder) {
	t.Helper()
	local, stop := NewMemoryStore(MemoryConfig{MaxBytes: 1024 * 1024})
	t.Cleanup(stop)

	logger := zap.NewNop().Sugar()
	recorder := analytics.NewRecorder(analytics.Config{}, logger)
	registry := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		CallTimeout:      time.Second,
	}, logger)
	codec := compression.NewCodec(compression.Config{Threshold: 64}, logger)
	return NewTieredStore(remote, local, registry, recorder, codec, logger), recorder
}

func TestTieredStoreWithoutRemote(t *testing.T) {
	tiered, recorder := newTestTiered(t, nil)
	ctx := context.Background()

	assert.NoError(t, tiered.Set(ctx, "user:1:profile", []byte("payload"), time.Hour))

	value, err := tiered.Get(ctx, "user:1:profile")
	assert.NoError(t, err)
	assert.Equal(t, []byte("payload"), value)

	summary := recorder.Summary()
	assert.Equal(t, int64(1), summary.Hits)
	assert.Equal(t, int64(1), summary.Sets)
}

func TestTieredStoreRemoteHealthy(t *testing.T) {
	inner, stop := NewMemoryStore(MemoryConfig{MaxBytes: 1024 * 1024})
	defer stop()
	remote := &flakyStore{inner: inner}
	tiered, _ := newTestTiered(t, remote)
	ctx := context.Background()

	assert.NoError(t, tiered.Set(ctx, "k", []byte("v"), time.Hour))
	value, err := tiered.Get(ctx, "k")
	assert.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
	assert.Equal(t, 2, remote.calls)
}

func TestTieredStoreFallback(t *testing.T) {
	inner, stop := NewMemoryStore(MemoryConfig{MaxBytes: 1024 * 1024})
	defer stop()
	remote := &flakyStore{inner: inner, broken: true}
	tiered, recorder := newTestTiered(t, remote)
	ctx := context.Background()

	// Every operation keeps its contract with the remote down.
	assert.NoError(t, tiered.Set(ctx, "user:1:profile", []byte("payload"), time.Hour))

	value, err := tiered.Get(ctx, "user:1:profile")
	assert.NoError(t, err)
	assert.Equal(t, []byte("payload"), value)

	keys, err := tiered.Keys(ctx, "user:*")
	assert.NoError(t, err)
	assert.Equal(t, []string{"user:1:profile"}, keys)

	deleted, err := tiered.DeletePattern(ctx, "user:*")
	assert.NoError(t, err)
	assert.Equal(t, 1, deleted)

	value, err = tiered.Get(ctx, "user:1:profile")
	assert.NoError(t, err)
	assert.Nil(t, value)

	// Remote failures are observable even though calls succeeded.
	assert.Greater(t, recorder.Summary().Errors, int64(0))
}

func TestTieredStoreBreakerShortCircuits(t *testing.T) {
	inner, stop := NewMemoryStore(MemoryConfig{MaxBytes: 1024 * 1024})
	defer stop()
	remote := &flakyStore{inner: inner, broken: true}
	tiered, _ := newTestTiered(t, remote)
	ctx := context.Background()

	// Threshold is 3; further calls must not reach the remote.
	for i := 0; i < 3; i++ {
		_, err := tiered.Get(ctx, "k")
		assert.NoError(t, err)
	}
	callsAtTrip := remote.calls

	for i := 0; i < 5; i++ {
		_, err := tiered.Get(ctx, "k")
		assert.NoError(t, err)
	}
	assert.Equal(t, callsAtTrip, remote.calls)
}

func TestTieredStoreCompressionRoundTrip(t *testing.T) {
	tiered, _ := newTestTiered(t, nil)
	ctx := context.Background()

	large := make([]byte, 4096)
	for i := range large {
		large[i] = byte('a' + i%4)
	}
	assert.NoError(t, tiered.Set(ctx, "timeline:1", large, time.Hour))

	value, err := tiered.Get(ctx, "timeline:1")
	assert.NoError(t, err)
	assert.Equal(t, large, value)
}

func TestTieredStoreDeleteAlwaysDropsLocal(t *testing.T) {
	inner, stop := NewMemoryStore(MemoryConfig{MaxBytes: 1024 * 1024})
	defer stop()
	remote := &flakyStore{inner: inner}
	tiered, _ := newTestTiered(t, remote)
	ctx := context.Background()

	// Write lands on the remote, then the remote goes down and the value
	// is rewritten locally through the fallback path.
	assert.NoError(t, tiered.Set(ctx, "k", []byte("v"), time.Hour))
	remote.broken = true
	assert.NoError(t, tiered.Set(ctx, "k", []byte("v2"), time.Hour))

	assert.NoError(t, tiered.Delete(ctx, "k"))

	value, err := tiered.Get(ctx, "k")
	assert.NoError(t, err)
	assert.Nil(t, value)
}
