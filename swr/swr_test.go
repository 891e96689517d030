package swr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/waveline/feedsync/store"
)

func newTestService(t *testing.T) (*Service, *clock.Mock) {
	t.Helper()
	cache, stop := store.NewMemoryStore(store.MemoryConfig{MaxBytes: 1024 * 1024})
	t.Cleanup(stop)

	mockClock := clock.NewMock()
	service := newServiceWithClock(Config{
		SoftTTL: time.Minute,
		HardTTL: time.Hour,
	}, cache, zap.NewNop().Sugar(), mockClock)
	return service, mockClock
}

func countingLoader(value *atomic.Value, calls *atomic.Int64) Loader {
	return func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return value.Load().([]byte), nil
	}
}

func TestGetLoadsOnMiss(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	var calls atomic.Int64
	var source atomic.Value
	source.Store([]byte("v1"))
	loader := countingLoader(&source, &calls)

	value, err := service.Get(ctx, "user:1:profile", loader)
	assert.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)
	assert.Equal(t, int64(1), calls.Load())

	// Second read within the freshness window never touches the loader.
	value, err = service.Get(ctx, "user:1:profile", loader)
	assert.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)
	assert.Equal(t, int64(1), calls.Load())

	status := service.Status()
	assert.Equal(t, int64(1), status.Loads)
	assert.Equal(t, int64(1), status.Fresh)
}

func TestStaleReadServesOldValueAndRefreshesOnce(t *testing.T) {
	service, mockClock := newTestService(t)
	ctx := context.Background()

	var calls atomic.Int64
	var source atomic.Value
	source.Store([]byte("v1"))
	loader := countingLoader(&source, &calls)

	_, err := service.Get(ctx, "feed:1", loader)
	assert.NoError(t, err)

	source.Store([]byte("v2"))
	mockClock.Add(2 * time.Minute)

	// A blocking loader proves stale reads return without waiting and
	// that concurrent stale reads share one refresh.
	gate := make(chan struct{})
	var refreshCalls atomic.Int64
	blocking := func(ctx context.Context) ([]byte, error) {
		refreshCalls.Add(1)
		<-gate
		return source.Load().([]byte), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := service.Get(ctx, "feed:1", blocking)
			assert.NoError(t, err)
			assert.Equal(t, []byte("v1"), value)
		}()
	}
	wg.Wait()
	close(gate)
	service.waitRefreshes()

	assert.Equal(t, int64(1), refreshCalls.Load())

	value, err := service.Get(ctx, "feed:1", loader)
	assert.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)

	status := service.Status()
	assert.Equal(t, int64(1), status.Refreshes)
	assert.Equal(t, 0, status.Refreshing)
}

func TestRefreshFailureRetainsStaleValue(t *testing.T) {
	service, mockClock := newTestService(t)
	ctx := context.Background()

	var calls atomic.Int64
	var source atomic.Value
	source.Store([]byte("v1"))

	_, err := service.Get(ctx, "k", countingLoader(&source, &calls))
	assert.NoError(t, err)

	mockClock.Add(2 * time.Minute)
	failing := func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("upstream down")
	}

	value, err := service.Get(ctx, "k", failing)
	assert.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)
	service.waitRefreshes()

	// Still serving the stale value; errors are counted.
	value, err = service.Get(ctx, "k", failing)
	assert.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)
	service.waitRefreshes()
	assert.Greater(t, service.Status().Errors, int64(0))
}

func TestLoaderErrorOnMissPropagates(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.Get(context.Background(), "missing", func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("no such user")
	})
	assert.Error(t, err)
}

func TestMutateResetsFreshness(t *testing.T) {
	service, mockClock := newTestService(t)
	ctx := context.Background()

	var calls atomic.Int64
	var source atomic.Value
	source.Store([]byte("v1"))
	loader := countingLoader(&source, &calls)

	_, err := service.Get(ctx, "k", loader)
	assert.NoError(t, err)

	mockClock.Add(2 * time.Minute)
	assert.NoError(t, service.Mutate(ctx, "k", []byte("written")))

	// Freshly mutated value is served without a refresh.
	value, err := service.Get(ctx, "k", loader)
	assert.NoError(t, err)
	assert.Equal(t, []byte("written"), value)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 0, service.Status().Refreshing)
}

func TestClearForcesReload(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	var calls atomic.Int64
	var source atomic.Value
	source.Store([]byte("v1"))
	loader := countingLoader(&source, &calls)

	_, err := service.Get(ctx, "k", loader)
	assert.NoError(t, err)
	assert.NoError(t, service.Clear(ctx, "k"))

	source.Store([]byte("v2"))
	value, err := service.Get(ctx, "k", loader)
	assert.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)
	assert.Equal(t, int64(2), calls.Load())
}
