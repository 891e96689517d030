package prewarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/waveline/feedsync"
)

type stubWarmer struct {
	mu     sync.Mutex
	warmed []string
	gate   chan struct{} // when set, WarmUser blocks until closed
	fail   map[string]error
}

func (w *stubWarmer) WarmUser(ctx context.Context, userID string) error {
	if w.gate != nil {
		select {
		case <-w.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := w.fail[userID]; err != nil {
		return err
	}
	w.mu.Lock()
	w.warmed = append(w.warmed, userID)
	w.mu.Unlock()
	return nil
}

func (w *stubWarmer) warmedUsers() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.warmed...)
}

type stubPremiumLister struct {
	ids []string
	err error
}

func (l *stubPremiumLister) PremiumUserIDs(ctx context.Context) ([]string, error) {
	return l.ids, l.err
}

func newTestService(t *testing.T, config Config, warmer Warmer, premium PremiumLister) *Service {
	t.Helper()
	service, stop := NewService(config, warmer, premium, zap.NewNop().Sugar())
	t.Cleanup(stop)
	return service
}

func waitForStatus(t *testing.T, service *Service, jobID string, want JobStatus) {
	t.Helper()
	assert.Eventually(t, func() bool {
		job, err := service.GetJobStatus(jobID)
		return err == nil && job.Status == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPrewarmCompletesJob(t *testing.T) {
	warmer := &stubWarmer{}
	service := newTestService(t, Config{Workers: 2}, warmer, nil)

	job, err := service.PrewarmNewUser("user-1")
	assert.NoError(t, err)
	assert.NotEmpty(t, job.ID)

	waitForStatus(t, service, job.ID, JobDone)
	assert.Equal(t, []string{"user-1"}, warmer.warmedUsers())
}

func TestPrewarmIsIdempotentWhileInFlight(t *testing.T) {
	warmer := &stubWarmer{gate: make(chan struct{})}
	service := newTestService(t, Config{Workers: 1}, warmer, nil)

	first, err := service.PrewarmNewUser("user-1")
	assert.NoError(t, err)
	second, err := service.PrewarmNewUser("user-1")
	assert.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	close(warmer.gate)
	waitForStatus(t, service, first.ID, JobDone)

	// Once the job finished a new request makes a new job.
	third, err := service.PrewarmNewUser("user-1")
	assert.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestCancelQueuedJob(t *testing.T) {
	warmer := &stubWarmer{gate: make(chan struct{})}
	service := newTestService(t, Config{Workers: 1, QueueSize: 8}, warmer, nil)

	running, err := service.PrewarmNewUser("user-1")
	assert.NoError(t, err)
	waitForStatus(t, service, running.ID, JobRunning)

	queued, err := service.PrewarmNewUser("user-2")
	assert.NoError(t, err)

	cancelled, err := service.CancelJob(queued.ID)
	assert.NoError(t, err)
	assert.True(t, cancelled)
	waitForStatus(t, service, queued.ID, JobCancelled)

	close(warmer.gate)
	waitForStatus(t, service, running.ID, JobDone)
	assert.NotContains(t, warmer.warmedUsers(), "user-2")
}

func TestCancelRunningJob(t *testing.T) {
	warmer := &stubWarmer{gate: make(chan struct{})}
	service := newTestService(t, Config{Workers: 1}, warmer, nil)

	job, err := service.PrewarmNewUser("user-1")
	assert.NoError(t, err)
	waitForStatus(t, service, job.ID, JobRunning)

	cancelled, err := service.CancelJob(job.ID)
	assert.NoError(t, err)
	assert.True(t, cancelled)
	waitForStatus(t, service, job.ID, JobCancelled)

	// Cancelling a finished job reports false without error.
	cancelled, err = service.CancelJob(job.ID)
	assert.NoError(t, err)
	assert.False(t, cancelled)
}

func TestQueueFullReturnsCapacityError(t *testing.T) {
	warmer := &stubWarmer{gate: make(chan struct{})}
	defer close(warmer.gate)
	service := newTestService(t, Config{Workers: 1, QueueSize: 1}, warmer, nil)

	var capacityErr error
	for i := 0; i < 10; i++ {
		_, err := service.PrewarmNewUser("user-" + string(rune('a'+i)))
		if err != nil {
			capacityErr = err
			break
		}
	}
	assert.Error(t, capacityErr)
	assert.True(t, feedsync.IsCapacity(capacityErr))
}

func TestFailedJobKeepsError(t *testing.T) {
	warmer := &stubWarmer{fail: map[string]error{"user-1": errors.New("profile fetch failed")}}
	service := newTestService(t, Config{Workers: 1}, warmer, nil)

	job, err := service.PrewarmNewUser("user-1")
	assert.NoError(t, err)
	waitForStatus(t, service, job.ID, JobFailed)

	failed, err := service.GetJobStatus(job.ID)
	assert.NoError(t, err)
	assert.Contains(t, failed.Error, "profile fetch failed")
}

func TestPrewarmPremiumUsers(t *testing.T) {
	warmer := &stubWarmer{}
	lister := &stubPremiumLister{ids: []string{"premium-1", "premium-2"}}
	service := newTestService(t, Config{Workers: 2}, warmer, lister)

	jobs, err := service.PrewarmPremiumUsers(context.Background())
	assert.NoError(t, err)
	assert.Len(t, jobs, 2)

	for _, job := range jobs {
		waitForStatus(t, service, job.ID, JobDone)
	}
	assert.ElementsMatch(t, []string{"premium-1", "premium-2"}, warmer.warmedUsers())
}

func TestQueueStatusAndClear(t *testing.T) {
	warmer := &stubWarmer{}
	service := newTestService(t, Config{Workers: 1}, warmer, nil)

	job, err := service.PrewarmNewUser("user-1")
	assert.NoError(t, err)
	waitForStatus(t, service, job.ID, JobDone)

	status := service.GetQueueStatus()
	assert.Equal(t, 1, status.Done)
	assert.Equal(t, 1, status.Workers)

	assert.Equal(t, 1, service.Clear())
	_, err = service.GetJobStatus(job.ID)
	assert.True(t, feedsync.IsNotFound(err))
}

func TestGetJobStatusUnknown(t *testing.T) {
	service := newTestService(t, Config{}, &stubWarmer{}, nil)
	_, err := service.GetJobStatus("nope")
	assert.True(t, feedsync.IsNotFound(err))
}

func TestValidationError(t *testing.T) {
	service := newTestService(t, Config{}, &stubWarmer{}, nil)
	_, err := service.PrewarmNewUser("")
	assert.True(t, feedsync.IsTerminal(err))
}
