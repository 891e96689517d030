// Package prewarm populates the cache for users ahead of their first
// request. Jobs run on a bounded worker pool behind a rate limiter so a
// batch of sign-ups cannot stampede the persistence backend.
package prewarm

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/waveline/feedsync"
)

const (
	DefaultWorkers       = 4
	DefaultQueueSize     = 256
	DefaultRatePerSecond = 20
)

// Warmer loads a user's hot data into the cache. Implementations decide
// what "hot" means; the pool only schedules them.
type Warmer interface {
	WarmUser(ctx context.Context, userID string) error
}

// PremiumLister names the users whose cache is kept warm proactively.
type PremiumLister interface {
	PremiumUserIDs(ctx context.Context) ([]string, error)
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

type Job struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Status      JobStatus `json:"status"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
	Error       string    `json:"error,omitempty"`

	cancel context.CancelFunc
	ctx    context.Context
}

type QueueStatus struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Done      int `json:"done"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Workers   int `json:"workers"`
	Capacity  int `json:"capacity"`
}

type Config struct {
	Workers       int     `yaml:"workers"`
	QueueSize     int     `yaml:"queue_size"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

type Service struct {
	config  Config
	warmer  Warmer
	premium PremiumLister
	logger  *zap.SugaredLogger
	clock   clock.Clock
	limiter *rate.Limiter

	mu     sync.Mutex
	jobs   map[string]*Job
	active map[string]string // userID -> job id while queued or running

	queue chan *Job
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewService starts the worker pool. The returned stop function cancels
// running jobs and waits for the workers to exit.
func NewService(config Config, warmer Warmer, premium PremiumLister, logger *zap.SugaredLogger) (*Service, func()) {
	return newServiceWithClock(config, warmer, premium, logger, clock.New())
}

func newServiceWithClock(config Config, warmer Warmer, premium PremiumLister, logger *zap.SugaredLogger, clk clock.Clock) (*Service, func()) {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = DefaultRatePerSecond
	}
	s := &Service{
		config:  config,
		warmer:  warmer,
		premium: premium,
		logger:  logger,
		clock:   clk,
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Workers),
		jobs:    make(map[string]*Job),
		active:  make(map[string]string),
		queue:   make(chan *Job, config.QueueSize),
		done:    make(chan struct{}),
	}
	for i := 0; i < config.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s, s.stop
}

func (s *Service) stop() {
	close(s.done)
	s.mu.Lock()
	for _, job := range s.jobs {
		if job.cancel != nil {
			job.cancel()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// PrewarmNewUser enqueues a warm-up for the user. Enqueueing is
// idempotent while a job for the same user is still queued or running;
// the existing job is returned instead of a duplicate.
func (s *Service) PrewarmNewUser(userID string) (*Job, error) {
	if userID == "" {
		return nil, feedsync.NewValidationError("user id is required")
	}

	s.mu.Lock()
	if jobID, ok := s.active[userID]; ok {
		job := s.jobs[jobID]
		s.mu.Unlock()
		return snapshotJob(job), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:         uuid.NewString(),
		UserID:     userID,
		Status:     JobQueued,
		EnqueuedAt: s.clock.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.jobs[job.ID] = job
	s.active[userID] = job.ID
	snap := snapshotJob(job)
	s.mu.Unlock()

	select {
	case s.queue <- job:
		return snap, nil
	default:
		s.mu.Lock()
		delete(s.jobs, job.ID)
		delete(s.active, userID)
		s.mu.Unlock()
		cancel()
		return nil, feedsync.NewCapacityError("prewarm queue is full (%d jobs)", s.config.QueueSize)
	}
}

// PrewarmBatch enqueues each user, skipping ones already in flight, and
// stops early when the queue fills.
func (s *Service) PrewarmBatch(userIDs []string) ([]*Job, error) {
	jobs := make([]*Job, 0, len(userIDs))
	for _, userID := range userIDs {
		job, err := s.PrewarmNewUser(userID)
		if err != nil {
			if feedsync.IsCapacity(err) {
				return jobs, err
			}
			s.logger.Warnw("Skipping prewarm for user", "user_id", userID, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// PrewarmPremiumUsers warms every premium account, typically on deploy
// or after an emergency cache clear.
func (s *Service) PrewarmPremiumUsers(ctx context.Context) ([]*Job, error) {
	if s.premium == nil {
		return nil, feedsync.NewConfigurationError("no premium user source configured")
	}
	userIDs, err := s.premium.PremiumUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Prewarming premium users", "count", len(userIDs))
	return s.PrewarmBatch(userIDs)
}

// GetJobStatus returns a copy of the job, or a NotFoundError.
func (s *Service) GetJobStatus(jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, feedsync.NewNotFoundError("prewarm job %s not found", jobID)
	}
	return snapshotJob(job), nil
}

// CancelJob cancels a queued or running job. Cancelling a finished job
// is a no-op that reports false.
func (s *Service) CancelJob(jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, feedsync.NewNotFoundError("prewarm job %s not found", jobID)
	}
	switch job.Status {
	case JobQueued:
		job.Status = JobCancelled
		job.CompletedAt = s.clock.Now()
		job.cancel()
		delete(s.active, job.UserID)
		return true, nil
	case JobRunning:
		job.cancel()
		return true, nil
	default:
		return false, nil
	}
}

func (s *Service) GetQueueStatus() QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := QueueStatus{
		Workers:  s.config.Workers,
		Capacity: s.config.QueueSize,
	}
	for _, job := range s.jobs {
		switch job.Status {
		case JobQueued:
			status.Queued++
		case JobRunning:
			status.Running++
		case JobDone:
			status.Done++
		case JobFailed:
			status.Failed++
		case JobCancelled:
			status.Cancelled++
		}
	}
	return status
}

// Clear forgets finished jobs. Queued and running jobs stay.
func (s *Service) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		switch job.Status {
		case JobDone, JobFailed, JobCancelled:
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case job := <-s.queue:
			s.runJob(job)
		}
	}
}

func (s *Service) runJob(job *Job) {
	s.mu.Lock()
	if job.Status != JobQueued {
		s.mu.Unlock()
		return
	}
	job.Status = JobRunning
	job.StartedAt = s.clock.Now()
	s.mu.Unlock()

	err := s.limiter.Wait(job.ctx)
	if err == nil {
		err = s.warmer.WarmUser(job.ctx, job.UserID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job.CompletedAt = s.clock.Now()
	delete(s.active, job.UserID)
	switch {
	case job.ctx.Err() == context.Canceled:
		job.Status = JobCancelled
	case err != nil:
		job.Status = JobFailed
		job.Error = err.Error()
		s.logger.Warnw("Prewarm job failed",
			"job_id", job.ID, "user_id", job.UserID, "error", err)
	default:
		job.Status = JobDone
	}
	job.cancel()
}

func snapshotJob(job *Job) *Job {
	copied := *job
	copied.ctx = nil
	copied.cancel = nil
	return &copied
}
