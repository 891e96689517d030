package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestRegistry(threshold uint32, cooldown time.Duration) *Registry {
	return NewRegistry(Config{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		CallTimeout:      time.Second,
	}, zap.NewNop().Sugar())
}

func TestRegistryExecute(t *testing.T) {
	ctx := context.Background()
	failing := errors.New("backend down")

	t.Run("passes through successful calls", func(t *testing.T) {
		registry := newTestRegistry(3, time.Minute)

		result, err := registry.Execute(ctx, "db", func(ctx context.Context) (any, error) {
			return "ok", nil
		})
		assert.NoError(t, err)
		assert.Equal(t, "ok", result)
	})

	t.Run("trips after threshold and short-circuits", func(t *testing.T) {
		registry := newTestRegistry(5, time.Minute)
		calls := 0
		fail := func(ctx context.Context) (any, error) {
			calls++
			return nil, failing
		}

		for i := 0; i < 5; i++ {
			_, err := registry.Execute(ctx, "db", fail)
			assert.ErrorIs(t, err, failing)
		}
		assert.Equal(t, 5, calls)

		// Sixth call within cooldown must not invoke the function.
		_, err := registry.Execute(ctx, "db", fail)
		assert.True(t, IsOpen(err))
		assert.Equal(t, 5, calls)

		snapshot := registry.Snapshot()
		assert.Equal(t, "open", snapshot["db"].State)
	})

	t.Run("half-open closes on one success", func(t *testing.T) {
		cooldown := 50 * time.Millisecond
		registry := newTestRegistry(2, cooldown)
		fail := func(ctx context.Context) (any, error) { return nil, failing }

		for i := 0; i < 2; i++ {
			_, _ = registry.Execute(ctx, "db", fail)
		}
		_, err := registry.Execute(ctx, "db", fail)
		assert.True(t, IsOpen(err))

		time.Sleep(cooldown + 20*time.Millisecond)

		result, err := registry.Execute(ctx, "db", func(ctx context.Context) (any, error) {
			return 42, nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 42, result)
		assert.Equal(t, "closed", registry.Snapshot()["db"].State)
	})

	t.Run("half-open reopens on one failure", func(t *testing.T) {
		cooldown := 50 * time.Millisecond
		registry := newTestRegistry(2, cooldown)
		fail := func(ctx context.Context) (any, error) { return nil, failing }

		for i := 0; i < 2; i++ {
			_, _ = registry.Execute(ctx, "db", fail)
		}
		time.Sleep(cooldown + 20*time.Millisecond)

		_, err := registry.Execute(ctx, "db", fail)
		assert.ErrorIs(t, err, failing)

		_, err = registry.Execute(ctx, "db", fail)
		assert.True(t, IsOpen(err))
	})

	t.Run("resources are independent", func(t *testing.T) {
		registry := newTestRegistry(1, time.Minute)
		_, _ = registry.Execute(ctx, "db", func(ctx context.Context) (any, error) {
			return nil, failing
		})

		result, err := registry.Execute(ctx, "pubsub", func(ctx context.Context) (any, error) {
			return "fine", nil
		})
		assert.NoError(t, err)
		assert.Equal(t, "fine", result)
	})

	t.Run("timeout counts as failure", func(t *testing.T) {
		registry := NewRegistry(Config{
			FailureThreshold: 1,
			Cooldown:         time.Minute,
			CallTimeout:      20 * time.Millisecond,
		}, zap.NewNop().Sugar())

		_, err := registry.Execute(ctx, "db", func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		assert.Error(t, err)

		_, err = registry.Execute(ctx, "db", func(ctx context.Context) (any, error) {
			return "never", nil
		})
		assert.True(t, IsOpen(err))
	})
}

func TestRegistryReset(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(1, time.Hour)
	fail := func(ctx context.Context) (any, error) { return nil, errors.New("down") }

	_, _ = registry.Execute(ctx, "db", fail)
	_, err := registry.Execute(ctx, "db", fail)
	assert.True(t, IsOpen(err))

	assert.True(t, registry.Reset("db"))
	assert.False(t, registry.Reset("db"))

	result, err := registry.Execute(ctx, "db", func(ctx context.Context) (any, error) {
		return "recovered", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "recovered", result)
}

func TestRegistryResetAll(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(1, time.Hour)
	fail := func(ctx context.Context) (any, error) { return nil, errors.New("down") }

	_, _ = registry.Execute(ctx, "db", fail)
	_, _ = registry.Execute(ctx, "pubsub", fail)

	assert.Equal(t, 2, registry.ResetAll())
	assert.Empty(t, registry.Snapshot())
}
