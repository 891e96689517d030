// Package persist is the boundary to the backing datastore. The real
// client lives outside this module; these adapters translate between the
// record-oriented contract and the cache/queue services.
package persist

import (
	"context"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/waveline/feedsync"
	"github.com/waveline/feedsync/msgqueue"
	"github.com/waveline/feedsync/swr"
)

// Record is a row in the external datastore.
type Record map[string]any

// Client is the persistence collaborator. Implementations classify their
// own failures through the shared error taxonomy; callers decide
// retryability from that classification.
type Client interface {
	CreateRecord(ctx context.Context, table string, fields Record) (Record, error)
	UpdateRecord(ctx context.Context, table, id string, fields Record) (Record, error)
	GetRecord(ctx context.Context, table, id string) (Record, error)
	ListRecords(ctx context.Context, table string, filter Record) ([]Record, error)
}

// MessageSender delivers queued messages by creating message records.
type MessageSender struct {
	client Client
	logger *zap.SugaredLogger
}

func NewMessageSender(client Client, logger *zap.SugaredLogger) *MessageSender {
	return &MessageSender{client: client, logger: logger}
}

// Send persists the message and returns the server-assigned id. Errors
// pass through untouched so the queue sees the client's classification.
func (s *MessageSender) Send(ctx context.Context, message *msgqueue.PendingMessage) (string, error) {
	fields := Record{
		"conversation": message.ConversationID,
		"sender":       message.SenderID,
		"content":      message.Content,
		"client_id":    message.TempID,
		"created_at":   message.CreatedAt,
	}
	if message.MediaRef != "" {
		fields["media"] = message.MediaRef
	}

	record, err := s.client.CreateRecord(ctx, "messages", fields)
	if err != nil {
		return "", err
	}
	serverID, ok := record["id"].(string)
	if !ok || serverID == "" {
		return "", feedsync.NewTransientError("message record created without an id")
	}
	return serverID, nil
}

// UserWarmer preloads a user's hot keys through the
// stale-while-revalidate layer so later reads are fresh hits.
type UserWarmer struct {
	client Client
	cache  *swr.Service
	logger *zap.SugaredLogger
}

func NewUserWarmer(client Client, cache *swr.Service, logger *zap.SugaredLogger) *UserWarmer {
	return &UserWarmer{client: client, cache: cache, logger: logger}
}

func (w *UserWarmer) WarmUser(ctx context.Context, userID string) error {
	profile, err := w.client.GetRecord(ctx, "users", userID)
	if err != nil {
		return err
	}
	if err := w.mutate(ctx, "user:"+userID+":profile", profile); err != nil {
		return err
	}

	posts, err := w.client.ListRecords(ctx, "posts", Record{"author": userID})
	if err != nil {
		return err
	}
	if err := w.mutate(ctx, "user:"+userID+":posts", posts); err != nil {
		return err
	}

	feed, err := w.client.ListRecords(ctx, "feed_items", Record{"user": userID})
	if err != nil {
		return err
	}
	return w.mutate(ctx, "feed:"+userID+":page:1", feed)
}

func (w *UserWarmer) mutate(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return feedsync.NewValidationError("cannot serialize %s: %v", key, err)
	}
	return w.cache.Mutate(ctx, key, raw)
}

// PremiumUsers lists the accounts prewarming keeps permanently warm.
type PremiumUsers struct {
	client Client
}

func NewPremiumUsers(client Client) *PremiumUsers {
	return &PremiumUsers{client: client}
}

func (p *PremiumUsers) PremiumUserIDs(ctx context.Context) ([]string, error) {
	records, err := p.client.ListRecords(ctx, "users", Record{"plan": "premium"})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(records))
	for _, record := range records {
		if id, ok := record["id"].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
