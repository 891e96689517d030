// Package msgqueue is the client-side message delivery engine: it
// assigns temporary ids to outgoing messages, delivers them through the
// persistence collaborator with bounded retries, survives restarts via a
// durable snapshot, and reconciles server-confirmed ordering with local
// optimistic state.
package msgqueue

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/waveline/feedsync"
	"github.com/waveline/feedsync/utils/heap"
)

const (
	DefaultMaxRetries   = 5
	DefaultRetryBase    = 2 * time.Second
	DefaultTickInterval = 5 * time.Second
	DefaultSendTimeout  = 10 * time.Second
)

type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// PendingMessage is a user-authored message that has not been confirmed
// by the backend yet. Only the queue mutates it.
type PendingMessage struct {
	TempID         string        `json:"tempId"`
	ServerID       string        `json:"serverId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	MediaRef       string        `json:"mediaRef,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         MessageStatus `json:"status"`
	RetryCount     int           `json:"retryCount"`
	LastError      string        `json:"lastError,omitempty"`
	Seq            int64         `json:"seq"`

	nextRetryAt time.Time
}

// MessageSequence is the per-conversation sync watermark.
type MessageSequence struct {
	LastSequenceNumber int64     `json:"lastSequenceNumber"`
	LastSyncedAt       time.Time `json:"lastSyncedAt"`
}

// Sender delivers a message to the backend and returns its server id.
// Errors are classified through the shared taxonomy; terminal errors are
// not retried.
type Sender interface {
	Send(ctx context.Context, message *PendingMessage) (string, error)
}

// StatusListener observes message transitions so the UI can render
// optimistic state. Called outside the queue lock.
type StatusListener func(message PendingMessage)

type Config struct {
	UserID       string        `yaml:"user_id"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBase    time.Duration `yaml:"retry_base"`
	TickInterval time.Duration `yaml:"tick_interval"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
}

type QueueStatus struct {
	Pending       int       `json:"pending"`
	Sending       int       `json:"sending"`
	Failed        int       `json:"failed"`
	Online        bool      `json:"online"`
	Conversations int       `json:"conversations"`
	NextRetryAt   time.Time `json:"nextRetryAt,omitempty"`
}

type retryMarker struct {
	at     time.Time
	tempID string
}

type Queue struct {
	config    Config
	sender    Sender
	snapshots SnapshotStore
	logger    *zap.SugaredLogger
	clock     clock.Clock

	mu        sync.Mutex
	online    bool
	messages  map[string]*PendingMessage
	order     map[string][]string // conversation id -> temp ids in submission order
	retries   *heap.MinHeap[retryMarker]
	sequences map[string]*MessageSequence
	seq       int64
	listener  StatusListener

	dispatchGate sync.Mutex
	kick         chan struct{}
	done         chan struct{}
	wg           sync.WaitGroup
}

// NewQueue restores state from the snapshot store and starts the
// dispatch loop. The returned stop function halts the loop; it does not
// abort an in-flight send, whose result is applied before exit.
func NewQueue(config Config, sender Sender, snapshots SnapshotStore, logger *zap.SugaredLogger) (*Queue, func(), error) {
	return newQueueWithClock(config, sender, snapshots, logger, clock.New())
}

func newQueueWithClock(config Config, sender Sender, snapshots SnapshotStore, logger *zap.SugaredLogger, clk clock.Clock) (*Queue, func(), error) {
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.RetryBase <= 0 {
		config.RetryBase = DefaultRetryBase
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultSendTimeout
	}
	q := &Queue{
		config:    config,
		sender:    sender,
		snapshots: snapshots,
		logger:    logger,
		clock:     clk,
		messages:  make(map[string]*PendingMessage),
		order:     make(map[string][]string),
		sequences: make(map[string]*MessageSequence),
		retries: heap.NewMinHeap(func(a, b retryMarker) bool {
			if !a.at.Equal(b.at) {
				return a.at.Before(b.at)
			}
			return a.tempID < b.tempID
		}),
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if err := q.restore(); err != nil {
		return nil, nil, err
	}

	q.wg.Add(1)
	go q.loop()
	return q, q.stop, nil
}

func (q *Queue) stop() {
	close(q.done)
	q.wg.Wait()
}

// SetListener registers the UI status observer.
func (q *Queue) SetListener(listener StatusListener) {
	q.mu.Lock()
	q.listener = listener
	q.mu.Unlock()
}

// Enqueue accepts a user-authored message. The message is persisted
// before Enqueue returns, so a crash right after cannot lose it. While
// offline it waits in the queue; while online dispatch is triggered
// immediately.
func (q *Queue) Enqueue(conversationID, content, mediaRef string) (*PendingMessage, error) {
	if conversationID == "" {
		return nil, feedsync.NewValidationError("conversation id is required")
	}
	if content == "" && mediaRef == "" {
		return nil, feedsync.NewValidationError("message needs content or media")
	}

	q.mu.Lock()
	q.seq++
	message := &PendingMessage{
		TempID:         uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       q.config.UserID,
		Content:        content,
		MediaRef:       mediaRef,
		CreatedAt:      q.clock.Now(),
		Status:         StatusPending,
		Seq:            q.seq,
	}
	q.messages[message.TempID] = message
	q.order[conversationID] = append(q.order[conversationID], message.TempID)
	q.persistLocked()
	snap := *message
	online := q.online
	q.mu.Unlock()

	q.notify(snap)
	if online {
		q.kickDispatch()
	}
	return &snap, nil
}

// CancelMessage removes the message from every queue and the durable
// snapshot. Safe to call for already-sent or unknown ids.
func (q *Queue) CancelMessage(tempID string) bool {
	q.mu.Lock()
	message, ok := q.messages[tempID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	q.removeLocked(message)
	q.persistLocked()
	q.mu.Unlock()
	return true
}

// RetryMessage resets a dead-lettered message for a fresh round of
// delivery attempts.
func (q *Queue) RetryMessage(tempID string) error {
	q.mu.Lock()
	message, ok := q.messages[tempID]
	if !ok {
		q.mu.Unlock()
		return feedsync.NewNotFoundError("message %s not found", tempID)
	}
	if message.Status != StatusFailed {
		q.mu.Unlock()
		return feedsync.NewValidationError("message %s is %s, only failed messages can be retried", tempID, message.Status)
	}
	message.Status = StatusPending
	message.RetryCount = 0
	message.LastError = ""
	message.nextRetryAt = time.Time{}
	q.persistLocked()
	snap := *message
	online := q.online
	q.mu.Unlock()

	q.notify(snap)
	if online {
		q.kickDispatch()
	}
	return nil
}

// SetOnline flips connectivity. Going online drains whatever queued up
// while offline.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	changed := q.online != online
	q.online = online
	q.mu.Unlock()
	if changed {
		q.logger.Infow("Connectivity changed", "online", online)
	}
	if online {
		q.kickDispatch()
	}
}

func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	status := QueueStatus{
		Online:        q.online,
		Conversations: len(q.order),
	}
	for _, message := range q.messages {
		switch message.Status {
		case StatusPending:
			status.Pending++
		case StatusSending:
			status.Sending++
		case StatusFailed:
			status.Failed++
		}
	}
	q.pruneRetriesLocked()
	if marker, ok := q.retries.Peek(); ok {
		status.NextRetryAt = marker.at
	}
	return status
}

// Messages returns the pending set for a conversation in submission
// order, including dead-lettered items the UI should surface.
func (q *Queue) Messages(conversationID string) []PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	tempIDs := q.order[conversationID]
	messages := make([]PendingMessage, 0, len(tempIDs))
	for _, tempID := range tempIDs {
		if message, ok := q.messages[tempID]; ok {
			messages = append(messages, *message)
		}
	}
	return messages
}

// DeadLetter lists terminally failed messages across conversations.
func (q *Queue) DeadLetter() []PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	var failed []PendingMessage
	for _, conversation := range q.order {
		for _, tempID := range conversation {
			if message, ok := q.messages[tempID]; ok && message.Status == StatusFailed {
				failed = append(failed, *message)
			}
		}
	}
	return failed
}

// Sequence returns the sync watermark for a conversation.
func (q *Queue) Sequence(conversationID string) MessageSequence {
	q.mu.Lock()
	defer q.mu.Unlock()
	if sequence, ok := q.sequences[conversationID]; ok {
		return *sequence
	}
	return MessageSequence{}
}

// MarkSynced advances the watermark after the client ingested server
// messages up to sequenceNumber. Never moves backwards.
func (q *Queue) MarkSynced(conversationID string, sequenceNumber int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sequence := q.sequences[conversationID]
	if sequence == nil {
		sequence = &MessageSequence{}
		q.sequences[conversationID] = sequence
	}
	if sequenceNumber > sequence.LastSequenceNumber {
		sequence.LastSequenceNumber = sequenceNumber
	}
	sequence.LastSyncedAt = q.clock.Now()
	q.persistLocked()
}

func (q *Queue) loop() {
	defer q.wg.Done()
	ticker := q.clock.Ticker(q.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.dispatchReady()
		case <-q.kick:
			q.dispatchReady()
		}
	}
}

func (q *Queue) kickDispatch() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// dispatchReady drains everything currently eligible, one message at a
// time. Within a conversation only the head is eligible; a later message
// never overtakes an earlier one that is still pending.
func (q *Queue) dispatchReady() {
	if !q.dispatchGate.TryLock() {
		return
	}
	defer q.dispatchGate.Unlock()

	for {
		message := q.takeNext()
		if message == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), q.config.SendTimeout)
		serverID, err := q.sender.Send(ctx, message)
		cancel()
		q.settle(message.TempID, serverID, err)
	}
}

// takeNext picks the oldest conversation head that is due, marks it
// sending, and returns a copy. Returns nil when nothing is eligible.
func (q *Queue) takeNext() *PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.online {
		return nil
	}
	now := q.clock.Now()

	var next *PendingMessage
	for _, conversation := range q.order {
		for _, tempID := range conversation {
			message, ok := q.messages[tempID]
			if !ok || message.Status == StatusFailed {
				continue // settled, does not block the conversation
			}
			if message.Status == StatusPending && !message.nextRetryAt.After(now) {
				if next == nil || message.Seq < next.Seq {
					next = message
				}
			}
			break // head not settled, rest of the conversation waits
		}
	}
	if next == nil {
		return nil
	}
	next.Status = StatusSending
	snap := *next
	q.persistLocked()
	return &snap
}

// settle applies a send result. If the message was cancelled while in
// flight the result is discarded.
func (q *Queue) settle(tempID, serverID string, sendErr error) {
	q.mu.Lock()
	message, ok := q.messages[tempID]
	if !ok || message.Status != StatusSending {
		q.mu.Unlock()
		return
	}

	if sendErr == nil {
		message.ServerID = serverID
		message.Status = StatusSent
		q.removeLocked(message)
		sequence := q.sequences[message.ConversationID]
		if sequence == nil {
			sequence = &MessageSequence{}
			q.sequences[message.ConversationID] = sequence
		}
		sequence.LastSequenceNumber++
		sequence.LastSyncedAt = q.clock.Now()
		q.persistLocked()
		snap := *message
		q.mu.Unlock()
		q.notify(snap)
		return
	}

	message.LastError = sendErr.Error()
	if feedsync.IsTerminal(sendErr) {
		message.Status = StatusFailed
		q.logger.Warnw("Message rejected, not retrying",
			"temp_id", tempID, "error", sendErr)
	} else {
		message.RetryCount++
		if message.RetryCount > q.config.MaxRetries {
			message.Status = StatusFailed
			q.logger.Warnw("Message exhausted retries",
				"temp_id", tempID, "retries", q.config.MaxRetries, "error", sendErr)
		} else {
			message.Status = StatusPending
			delay := q.config.RetryBase * (1 << message.RetryCount)
			message.nextRetryAt = q.clock.Now().Add(delay)
			q.retries.Push(retryMarker{at: message.nextRetryAt, tempID: tempID})
			q.logger.Debugw("Message retry scheduled",
				"temp_id", tempID, "attempt", message.RetryCount, "delay", delay)
		}
	}
	q.persistLocked()
	snap := *message
	q.mu.Unlock()
	q.notify(snap)
}

func (q *Queue) removeLocked(message *PendingMessage) {
	delete(q.messages, message.TempID)
	conversation := q.order[message.ConversationID]
	for i, tempID := range conversation {
		if tempID == message.TempID {
			q.order[message.ConversationID] = append(conversation[:i], conversation[i+1:]...)
			break
		}
	}
	if len(q.order[message.ConversationID]) == 0 {
		delete(q.order, message.ConversationID)
	}
}

// pruneRetriesLocked drops markers whose message was sent or cancelled.
func (q *Queue) pruneRetriesLocked() {
	for {
		marker, ok := q.retries.Peek()
		if !ok {
			return
		}
		message, live := q.messages[marker.tempID]
		if live && message.Status == StatusPending && message.nextRetryAt.Equal(marker.at) {
			return
		}
		q.retries.Pop()
	}
}

func (q *Queue) notify(message PendingMessage) {
	q.mu.Lock()
	listener := q.listener
	q.mu.Unlock()
	if listener != nil {
		listener(message)
	}
}

type snapshot struct {
	Messages  []*PendingMessage           `json:"messages"`
	Sequences map[string]*MessageSequence `json:"sequences"`
	Seq       int64                       `json:"seq"`
}

// persistLocked rewrites the durable snapshot. A storage failure is
// logged, not fatal; the in-memory queue keeps working.
func (q *Queue) persistLocked() {
	messages := make([]*PendingMessage, 0, len(q.messages))
	for _, conversation := range q.order {
		for _, tempID := range conversation {
			if message, ok := q.messages[tempID]; ok {
				messages = append(messages, message)
			}
		}
	}
	data, err := json.Marshal(snapshot{
		Messages:  messages,
		Sequences: q.sequences,
		Seq:       q.seq,
	})
	if err != nil {
		q.logger.Errorw("Failed to serialize queue snapshot", "error", err)
		return
	}
	if err := q.snapshots.Save(data); err != nil {
		q.logger.Errorw("Failed to persist queue snapshot", "error", err)
	}
}

// restore loads the snapshot written by a previous process. In-flight
// sends from the old process are reset to pending; whether they reached
// the backend is unknowable here, the merge fingerprint deduplicates the
// double-delivery case.
func (q *Queue) restore() error {
	data, err := q.snapshots.Load()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return feedsync.NewConfigurationError("corrupt queue snapshot: %v", err)
	}
	q.seq = snap.Seq
	if snap.Sequences != nil {
		q.sequences = snap.Sequences
	}
	for _, message := range snap.Messages {
		if message.Status == StatusSending {
			message.Status = StatusPending
		}
		message.nextRetryAt = time.Time{}
		q.messages[message.TempID] = message
		q.order[message.ConversationID] = append(q.order[message.ConversationID], message.TempID)
	}
	if len(snap.Messages) > 0 {
		q.logger.Infow("Restored message queue from snapshot",
			"messages", len(snap.Messages))
	}
	return nil
}
