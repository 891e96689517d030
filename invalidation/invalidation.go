// Package invalidation maps domain events to the cache keys they dirty
// and deletes them through the store. Invalidation is fire-and-forget for
// callers but completes before returning, so the next read after a
// mutation is guaranteed to miss.
package invalidation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/waveline/feedsync"
	"github.com/waveline/feedsync/store"
	"github.com/waveline/feedsync/utils/pattern"
)

// Event is a domain mutation with the ids needed to resolve key
// templates, e.g. {Name: "user_followed", Params: {"userId": "42",
// "targetUserId": "7"}}.
type Event struct {
	Name   string            `json:"event"`
	Params map[string]string `json:"params"`
}

// Rules maps an event name to key-pattern templates. Placeholders like
// {userId} are substituted from the event params; templates may contain
// glob wildcards.
type Rules map[string][]string

// DefaultRules covers the social domain events the backend emits.
func DefaultRules() Rules {
	return Rules{
		feedsync.EventUserFollowed: {
			"user:{userId}:following",
			"user:{targetUserId}:followers",
			"user:{targetUserId}:profile",
			"feed:{userId}:*",
		},
		feedsync.EventUserUnfollowed: {
			"user:{userId}:following",
			"user:{targetUserId}:followers",
			"feed:{userId}:*",
		},
		feedsync.EventProfileUpdated: {
			"user:{userId}:profile",
			"user:{userId}:card",
		},
		feedsync.EventPostCreated: {
			"user:{userId}:posts",
			"feed:{userId}:*",
		},
		feedsync.EventPostLiked: {
			"post:{postId}:likes",
			"post:{postId}:summary",
		},
		feedsync.EventPostDeleted: {
			"post:{postId}:*",
			"user:{userId}:posts",
			"feed:{userId}:*",
		},
		feedsync.EventCommentAdded: {
			"post:{postId}:comments",
			"post:{postId}:summary",
		},
		feedsync.EventMessageCreated: {
			"conversation:{conversationId}:messages",
			"conversation:{conversationId}:summary",
		},
		feedsync.EventPlanChanged: {
			"user:{userId}:limits",
			"user:{userId}:profile",
		},
	}
}

// DefaultNamespaces are the key prefixes this service owns; the
// emergency clear wipes exactly these.
func DefaultNamespaces() []string {
	return []string{"user:*", "post:*", "feed:*", "conversation:*"}
}

type Config struct {
	Rules      Rules    `yaml:"rules"`
	Namespaces []string `yaml:"namespaces"`
}

// Counters track invalidation activity for the admin surface.
type Counters struct {
	Events   int64 `json:"events"`
	Keys     int64 `json:"keys"`
	Patterns int64 `json:"patterns"`
	Errors   int64 `json:"errors"`
}

type Service struct {
	mu         sync.RWMutex
	rules      Rules
	namespaces []string

	cache  store.Store
	logger *zap.SugaredLogger

	events   atomic.Int64
	keys     atomic.Int64
	patterns atomic.Int64
	errors   atomic.Int64
}

func NewService(config Config, cache store.Store, logger *zap.SugaredLogger) *Service {
	rules := config.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	namespaces := config.Namespaces
	if len(namespaces) == 0 {
		namespaces = DefaultNamespaces()
	}
	return &Service{
		rules:      rules,
		namespaces: namespaces,
		cache:      cache,
		logger:     logger,
	}
}

// Invalidate resolves the event's configured patterns and deletes every
// matching key. Deletion failures are logged and counted but do not stop
// the remaining patterns; an unknown event or unresolved placeholder is
// an error because it means writes would go stale silently.
func (s *Service) Invalidate(ctx context.Context, event Event) error {
	s.mu.RLock()
	templates, ok := s.rules[event.Name]
	s.mu.RUnlock()
	if !ok {
		s.errors.Add(1)
		return feedsync.NewConfigurationError("no invalidation rule for event %q", event.Name)
	}

	requestID := uuid.NewString()
	s.events.Add(1)

	var firstErr error
	for _, template := range templates {
		resolved, err := resolveTemplate(template, event.Params)
		if err != nil {
			s.errors.Add(1)
			s.logger.Errorw("Failed to resolve invalidation pattern",
				"request_id", requestID, "event", event.Name,
				"template", template, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if pattern.IsGlob(resolved) {
			count, err := s.cache.DeletePattern(ctx, resolved)
			if err != nil {
				s.errors.Add(1)
				s.logger.Errorw("Pattern invalidation failed",
					"request_id", requestID, "pattern", resolved, "error", err)
				continue
			}
			s.patterns.Add(1)
			s.keys.Add(int64(count))
		} else {
			if err := s.cache.Delete(ctx, resolved); err != nil {
				s.errors.Add(1)
				s.logger.Errorw("Key invalidation failed",
					"request_id", requestID, "key", resolved, "error", err)
				continue
			}
			s.keys.Add(1)
		}
	}

	s.logger.Debugw("Invalidation completed",
		"request_id", requestID, "event", event.Name)
	return firstErr
}

// BulkInvalidate applies every event, continuing past individual
// failures and returning the first error seen.
func (s *Service) BulkInvalidate(ctx context.Context, events []Event) error {
	var firstErr error
	for _, event := range events {
		if err := s.Invalidate(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EmergencyClear deletes every managed namespace. Operator panic button;
// never called in steady state.
func (s *Service) EmergencyClear(ctx context.Context) (int, error) {
	s.mu.RLock()
	namespaces := append([]string(nil), s.namespaces...)
	s.mu.RUnlock()

	total := 0
	var firstErr error
	for _, namespace := range namespaces {
		count, err := s.cache.DeletePattern(ctx, namespace)
		total += count
		if err != nil {
			s.errors.Add(1)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	s.keys.Add(int64(total))
	s.logger.Warnw("Emergency cache clear executed",
		"namespaces", len(namespaces), "keys_deleted", total)
	return total, firstErr
}

// UpdateRules swaps the rule set. Explicit config update; rules are
// otherwise static.
func (s *Service) UpdateRules(rules Rules) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
	s.logger.Infow("Invalidation rules updated", "events", len(rules))
}

func (s *Service) Counters() Counters {
	return Counters{
		Events:   s.events.Load(),
		Keys:     s.keys.Load(),
		Patterns: s.patterns.Load(),
		Errors:   s.errors.Load(),
	}
}

// resolveTemplate substitutes {param} placeholders. Leftover placeholders
// mean the event payload was missing an id the rule needs.
func resolveTemplate(template string, params map[string]string) (string, error) {
	resolved := template
	for name, value := range params {
		resolved = strings.ReplaceAll(resolved, "{"+name+"}", value)
	}
	if start := strings.IndexByte(resolved, '{'); start >= 0 {
		end := strings.IndexByte(resolved[start:], '}')
		if end > 0 {
			return "", feedsync.NewValidationError(
				"unresolved placeholder %s in pattern %q",
				resolved[start:start+end+1], template)
		}
		return "", fmt.Errorf("malformed pattern %q", template)
	}
	return resolved, nil
}
