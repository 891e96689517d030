package pubsub

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"
)

// ValkeyTransport adapts Valkey pub/sub to the Transport contract.
// Event payloads are JSON-encoded Event objects published by the
// backend.
type ValkeyTransport struct {
	client valkey.Client
	logger *zap.SugaredLogger
}

func NewValkeyTransport(client valkey.Client, logger *zap.SugaredLogger) *ValkeyTransport {
	return &ValkeyTransport{client: client, logger: logger}
}

func (t *ValkeyTransport) Subscribe(ctx context.Context, channel string, eventTypes []string) (<-chan Event, error) {
	allowed := make(map[string]bool, len(eventTypes))
	for _, eventType := range eventTypes {
		allowed[eventType] = true
	}

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		err := t.client.Receive(ctx, t.client.B().Subscribe().Channel(channel).Build(), func(msg valkey.PubSubMessage) {
			var event Event
			if err := json.Unmarshal([]byte(msg.Message), &event); err != nil {
				t.logger.Warnw("Dropping malformed pub/sub payload",
					"channel", channel, "error", err)
				return
			}
			event.Channel = channel
			if len(allowed) > 0 && !allowed[event.Type] {
				return
			}
			select {
			case events <- event:
			default:
				t.logger.Warnw("Pub/sub buffer full, dropping event",
					"channel", channel, "type", event.Type)
			}
		})
		if err != nil && ctx.Err() == nil {
			t.logger.Warnw("Pub/sub connection lost", "channel", channel, "error", err)
		}
	}()
	return events, nil
}
