// Package breaker gates calls to failing backends. Each logical resource
// gets its own circuit breaker: repeated failures trip it open, calls
// short-circuit while open, and a single probe is allowed after the
// cooldown. Built on sony/gobreaker with a per-call timeout, since a hung
// backend must count as a failing one.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type Config struct {
	// Consecutive failures before the breaker opens.
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// How long the breaker stays open before allowing a probe.
	Cooldown time.Duration `yaml:"cooldown"`

	// Upper bound on any single gated call.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
	DefaultCallTimeout      = 2 * time.Second
)

// State is the operator-facing view of one breaker, served by the admin
// circuit-breakers action.
type State struct {
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

type Registry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	config   Config
	logger   *zap.SugaredLogger
}

func NewRegistry(config Config, logger *zap.SugaredLogger) *Registry {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultCooldown
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	return &Registry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   config,
		logger:   logger,
	}
}

// Execute runs fn gated by the resource's breaker. While the breaker is
// open the call is skipped entirely and ErrOpenState is returned, so the
// caller can fail fast to its fallback. fn runs under the configured call
// timeout; a timeout is a failure for tripping purposes.
func (r *Registry) Execute(ctx context.Context, resource string, fn func(ctx context.Context) (any, error)) (any, error) {
	cb := r.breaker(resource)
	return cb.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
		defer cancel()

		result, err := fn(callCtx)
		if err == nil && callCtx.Err() != nil {
			err = callCtx.Err()
		}
		return result, err
	})
}

// Reset discards the resource's breaker, returning it to closed with zero
// counts. Operator escape hatch only.
func (r *Registry) Reset(resource string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.breakers[resource]; !ok {
		return false
	}
	delete(r.breakers, resource)
	r.logger.Infow("Circuit breaker reset", "resource", resource)
	return true
}

func (r *Registry) ResetAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := len(r.breakers)
	r.breakers = make(map[string]*gobreaker.CircuitBreaker)
	r.logger.Infow("All circuit breakers reset", "count", count)
	return count
}

// Snapshot reports the state of every breaker seen so far.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[string]State, len(r.breakers))
	for resource, cb := range r.breakers {
		counts := cb.Counts()
		snapshot[resource] = State{
			State:               cb.State().String(),
			Requests:            counts.Requests,
			TotalFailures:       counts.TotalFailures,
			ConsecutiveFailures: counts.ConsecutiveFailures,
		}
	}
	return snapshot
}

// IsOpen reports whether the error means the breaker short-circuited the
// call rather than the call itself failing.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (r *Registry) breaker(resource string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[resource]; ok {
		return cb
	}

	threshold := r.config.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: resource,
		// One probe in half-open: a single success closes the breaker,
		// a single failure reopens it.
		MaxRequests: 1,
		Timeout:     r.config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warnw("Circuit breaker state changed",
				"resource", name, "from", from.String(), "to", to.String())
		},
	})
	r.breakers[resource] = cb
	return cb
}
