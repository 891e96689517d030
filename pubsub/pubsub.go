// Package pubsub reacts to backend events. The transport is an external
// collaborator; this package only subscribes, routes events to cache
// invalidation and message-sync watermarks, and reconnects with backoff
// when a subscription drops.
package pubsub

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/waveline/feedsync"
	"github.com/waveline/feedsync/invalidation"
)

const (
	DefaultReconnectBase = time.Second
	DefaultReconnectMax  = time.Minute
)

// Event is a message from the transport. Payload carries the ids the
// invalidation rules substitute into key templates.
type Event struct {
	Channel  string            `json:"channel"`
	Type     string            `json:"type"`
	Payload  map[string]string `json:"payload"`
	Sequence int64             `json:"sequence,omitempty"`
}

// Transport is the subscription side of the pub/sub collaborator. The
// returned channel closes when the subscription drops; the dispatcher
// resubscribes.
type Transport interface {
	Subscribe(ctx context.Context, channel string, eventTypes []string) (<-chan Event, error)
}

// Invalidator consumes routed domain events.
type Invalidator interface {
	Invalidate(ctx context.Context, event invalidation.Event) error
}

// Syncer receives per-conversation sequence watermarks from message
// events.
type Syncer interface {
	MarkSynced(conversationID string, sequenceNumber int64)
}

type Config struct {
	Channels      []string      `yaml:"channels"`
	EventTypes    []string      `yaml:"event_types"`
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
}

type Dispatcher struct {
	config      Config
	transport   Transport
	invalidator Invalidator
	syncer      Syncer
	logger      *zap.SugaredLogger
	clock       clock.Clock

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher subscribes to every configured channel and starts
// routing. The stop function tears the subscriptions down.
func NewDispatcher(config Config, transport Transport, invalidator Invalidator, syncer Syncer, logger *zap.SugaredLogger) (*Dispatcher, func()) {
	return newDispatcherWithClock(config, transport, invalidator, syncer, logger, clock.New())
}

func newDispatcherWithClock(config Config, transport Transport, invalidator Invalidator, syncer Syncer, logger *zap.SugaredLogger, clk clock.Clock) (*Dispatcher, func()) {
	if config.ReconnectBase <= 0 {
		config.ReconnectBase = DefaultReconnectBase
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = DefaultReconnectMax
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		config:      config,
		transport:   transport,
		invalidator: invalidator,
		syncer:      syncer,
		logger:      logger,
		clock:       clk,
		cancel:      cancel,
	}
	for _, channel := range config.Channels {
		d.wg.Add(1)
		go d.run(ctx, channel)
	}
	return d, d.stop
}

func (d *Dispatcher) stop() {
	d.cancel()
	d.wg.Wait()
}

// run keeps one channel subscribed for the dispatcher's lifetime. The
// backoff doubles per failed attempt and resets after the subscription
// delivers again.
func (d *Dispatcher) run(ctx context.Context, channel string) {
	defer d.wg.Done()
	backoff := d.config.ReconnectBase
	for {
		events, err := d.transport.Subscribe(ctx, channel, d.config.EventTypes)
		if err != nil {
			d.logger.Warnw("Subscription failed, retrying",
				"channel", channel, "backoff", backoff, "error", err)
			if !d.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, d.config.ReconnectMax)
			continue
		}

		d.logger.Infow("Subscribed", "channel", channel)
		delivered := d.consume(ctx, channel, events)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			backoff = d.config.ReconnectBase
		} else {
			backoff = nextBackoff(backoff, d.config.ReconnectMax)
		}
		d.logger.Warnw("Subscription dropped, reconnecting",
			"channel", channel, "backoff", backoff)
		if !d.sleep(ctx, backoff) {
			return
		}
	}
}

// consume routes events until the subscription closes. Reports whether
// at least one event arrived.
func (d *Dispatcher) consume(ctx context.Context, channel string, events <-chan Event) bool {
	delivered := false
	for {
		select {
		case <-ctx.Done():
			return delivered
		case event, ok := <-events:
			if !ok {
				return delivered
			}
			delivered = true
			d.route(ctx, event)
		}
	}
}

func (d *Dispatcher) route(ctx context.Context, event Event) {
	if event.Type == feedsync.EventMessageCreated && d.syncer != nil {
		conversationID := event.Payload["conversationId"]
		sequence := event.Sequence
		if sequence == 0 {
			if raw, ok := event.Payload["sequence"]; ok {
				sequence, _ = strconv.ParseInt(raw, 10, 64)
			}
		}
		if conversationID != "" && sequence > 0 {
			d.syncer.MarkSynced(conversationID, sequence)
		}
	}

	if d.invalidator == nil {
		return
	}
	err := d.invalidator.Invalidate(ctx, invalidation.Event{
		Name:   event.Type,
		Params: event.Payload,
	})
	if err != nil {
		// A single bad event must not stall the stream.
		d.logger.Warnw("Event invalidation failed",
			"channel", event.Channel, "type", event.Type, "error", err)
	}
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) bool {
	timer := d.clock.Timer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
