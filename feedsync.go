// Package feedsync is the caching and message-synchronization core of the
// Waveline social backend. It keeps timeline and conversation reads fast
// when the primary data store is slow or unavailable, and guarantees that
// user-authored messages survive disconnects and arrive in a causally sane
// order.
//
// The root package holds the error taxonomy and the domain event names
// shared by the store, invalidation, pub/sub, and message-queue packages.
package feedsync

import (
	"errors"
	"fmt"
)

const Version = "v0.3.0"

// Domain events consumed by the invalidation service and the pub/sub
// dispatcher. The payload ids each event carries are documented next to
// the default invalidation rules.
const (
	EventUserFollowed   = "user_followed"
	EventUserUnfollowed = "user_unfollowed"
	EventProfileUpdated = "profile_updated"
	EventPostCreated    = "post_created"
	EventPostLiked      = "post_liked"
	EventPostDeleted    = "post_deleted"
	EventCommentAdded   = "comment_added"
	EventMessageCreated = "message_created"
	EventPlanChanged    = "plan_changed"
)

type (
	// TransientError marks a network or timeout failure. Safe to retry.
	TransientError struct{ error }

	// CapacityError marks a rate limit or full queue. Retryable, but
	// callers should back off longer than for a TransientError.
	CapacityError struct{ error }

	// ValidationError marks input rejected by policy. Never retried;
	// surfaced to the user.
	ValidationError struct{ error }

	// ConfigurationError marks missing or invalid configuration. Never
	// retried; logged at construction time.
	ConfigurationError struct{ error }

	// NotFoundError marks an absent resource. Read paths translate it to
	// a nil result rather than propagating it.
	NotFoundError struct{ error }
)

func NewTransientError(format string, args ...any) error {
	return TransientError{fmt.Errorf(format, args...)}
}

func NewCapacityError(format string, args ...any) error {
	return CapacityError{fmt.Errorf(format, args...)}
}

func NewValidationError(format string, args ...any) error {
	return ValidationError{fmt.Errorf(format, args...)}
}

func NewConfigurationError(format string, args ...any) error {
	return ConfigurationError{fmt.Errorf(format, args...)}
}

func NewNotFoundError(format string, args ...any) error {
	return NotFoundError{fmt.Errorf(format, args...)}
}

func (e TransientError) Unwrap() error     { return e.error }
func (e CapacityError) Unwrap() error      { return e.error }
func (e ValidationError) Unwrap() error    { return e.error }
func (e ConfigurationError) Unwrap() error { return e.error }
func (e NotFoundError) Unwrap() error      { return e.error }

// IsRetryable reports whether a delivery or fetch failure may be retried.
// Unclassified errors are treated as transient so that flaky collaborators
// do not silently dead-letter user content.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsTerminal(err)
}

// IsTerminal reports whether an error must not be retried.
func IsTerminal(err error) bool {
	var validation ValidationError
	var configuration ConfigurationError
	return errors.As(err, &validation) || errors.As(err, &configuration)
}

// IsCapacity reports whether the failure was a rate limit or full queue,
// which calls for a longer backoff than an ordinary transient failure.
func IsCapacity(err error) bool {
	var capacity CapacityError
	return errors.As(err, &capacity)
}

// IsNotFound reports whether the error marks an absent resource.
func IsNotFound(err error) bool {
	var notFound NotFoundError
	return errors.As(err, &notFound)
}
