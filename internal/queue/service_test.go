package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KingPyrox/Legal-Lens/internal/models"
	"github.com/KingPyrox/Legal-Lens/internal/store"
)

// memStore is an in-memory JobStore sufficient for queue service tests.
type memStore struct {
	mu   sync.Mutex
	seq  int
	jobs map[string]*models.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*models.Job)}
}

func (m *memStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	state := models.StateWaiting
	if p.DelayUntil != nil && p.DelayUntil.After(time.Now()) {
		state = models.StateDelayed
	}
	job := models.Job{
		ID:          fmt.Sprintf("job-%d", m.seq),
		QueueName:   p.QueueName,
		Payload:     p.Payload,
		Priority:    p.Priority,
		State:       state,
		MaxAttempts: p.MaxAttempts,
		BackoffBase: p.BackoffBase,
		DelayUntil:  p.DelayUntil,
		OrgID:       p.OrgID,
		CreatedAt:   time.Now().UTC(),
	}
	m.jobs[job.ID] = &job
	copied := job
	return copied, nil
}

func (m *memStore) GetJob(_ context.Context, queueName, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.QueueName != queueName {
		return models.Job{}, store.ErrJobNotFound
	}
	return *job, nil
}

func (m *memStore) ListJobsByState(_ context.Context, queueName, state string) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, job := range m.jobs {
		if job.QueueName == queueName && job.State == state {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *memStore) setState(id, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrJobNotFound
	}
	job.State = state
	return nil
}

func (m *memStore) MarkActive(_ context.Context, id string) error {
	return m.setState(id, models.StateActive)
}

func (m *memStore) MarkWaiting(_ context.Context, id string) error {
	return m.setState(id, models.StateWaiting)
}

func (m *memStore) RetryJob(_ context.Context, queueName, id string, fullReset bool) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.QueueName != queueName {
		return models.Job{}, store.ErrJobNotFound
	}
	if job.State != models.StateFailed {
		return models.Job{}, fmt.Errorf("retry %s job: %w", job.State, store.ErrInvalidState)
	}
	job.State = models.StateWaiting
	if fullReset {
		job.Attempt = 0
	}
	return *job, nil
}

func (m *memStore) DeleteJob(_ context.Context, queueName, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.QueueName != queueName {
		return store.ErrJobNotFound
	}
	if job.State == models.StateActive {
		return fmt.Errorf("remove active job: %w", store.ErrInvalidState)
	}
	delete(m.jobs, id)
	return nil
}

func (m *memStore) QueueStats(_ context.Context, queueName string) (models.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats models.QueueStats
	for _, job := range m.jobs {
		if job.QueueName != queueName {
			continue
		}
		switch job.State {
		case models.StateWaiting, models.StateDelayed:
			stats.Waiting++
		case models.StateActive:
			stats.Active++
		case models.StateCompleted:
			stats.Completed++
		case models.StateFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (m *memStore) StaleActiveJobs(_ context.Context, olderThan time.Duration) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []models.Job
	for _, job := range m.jobs {
		if job.State == models.StateActive && job.ProcessedAt != nil && job.ProcessedAt.Before(cutoff) {
			out = append(out, *job)
		}
	}
	return out, nil
}

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := newMemStore()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewService(NewRedisBroker(client), st, log), st
}

func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	low, err := svc.Enqueue(ctx, models.QueueDocumentProcessing, map[string]any{"documentId": "low"}, EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	high, err := svc.Enqueue(ctx, models.QueueDocumentProcessing, map[string]any{"documentId": "high"}, EnqueueOptions{Priority: 5})
	require.NoError(t, err)

	first, ok, err := svc.ClaimNext(ctx, models.QueueDocumentProcessing, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, high.ID, first.ID, "priority 5 must be claimed before priority 1")
	assert.Equal(t, models.StateActive, first.State)

	second, ok, err := svc.ClaimNext(ctx, models.QueueDocumentProcessing, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, low.ID, second.ID)

	_, ok, err = svc.ClaimNext(ctx, models.QueueDocumentProcessing, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "queue should be drained")
}

func TestFIFOWithinSamePriority(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := svc.Enqueue(ctx, models.QueueNotifications, map[string]any{"n": i}, EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, job.ID)
		time.Sleep(2 * time.Millisecond) // distinct enqueue timestamps
	}

	for _, want := range ids {
		job, ok, err := svc.ClaimNext(ctx, models.QueueNotifications, time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, job.ID)
	}
}

func TestDelayedJobNotClaimableUntilDue(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	job, err := svc.Enqueue(ctx, models.QueuePDFGeneration, map[string]any{"analysisId": "a1"}, EnqueueOptions{Delay: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, models.StateDelayed, job.State)

	_, ok, err := svc.ClaimNext(ctx, models.QueuePDFGeneration, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "delayed job must not be claimable before delayUntil")

	// Promotion before the deadline is a no-op.
	n, err := svc.PromoteDelayed(ctx, models.QueuePDFGeneration, time.Now(), 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(60 * time.Millisecond)
	n, err = svc.PromoteDelayed(ctx, models.QueuePDFGeneration, time.Now(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetJob(ctx, models.QueuePDFGeneration, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateWaiting, got.State)

	claimed, ok, err := svc.ClaimNext(ctx, models.QueuePDFGeneration, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.ID, claimed.ID)
}

func TestRetryJobOnlyFromFailed(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	job, err := svc.Enqueue(ctx, models.QueueAIAnalysis, map[string]any{"documentId": "d", "analysisId": "a"}, EnqueueOptions{})
	require.NoError(t, err)

	_, err = svc.RetryJob(ctx, models.QueueAIAnalysis, job.ID, false)
	assert.ErrorIs(t, err, store.ErrInvalidState, "retry of a waiting job must be rejected")

	got, err := st.GetJob(ctx, models.QueueAIAnalysis, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateWaiting, got.State, "rejected retry must leave state unchanged")

	require.NoError(t, st.setState(job.ID, models.StateFailed))
	retried, err := svc.RetryJob(ctx, models.QueueAIAnalysis, job.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StateWaiting, retried.State)

	claimed, ok, err := svc.ClaimNext(ctx, models.QueueAIAnalysis, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.ID, claimed.ID)
}

func TestRemoveActiveJobRejected(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	job, err := svc.Enqueue(ctx, models.QueueDocumentProcessing, map[string]any{"documentId": "d"}, EnqueueOptions{})
	require.NoError(t, err)

	_, ok, err := svc.ClaimNext(ctx, models.QueueDocumentProcessing, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	err = svc.RemoveJob(ctx, models.QueueDocumentProcessing, job.ID)
	assert.ErrorIs(t, err, store.ErrInvalidState)
}

func TestUnknownQueueRejected(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Enqueue(ctx, "no-such-queue", nil, EnqueueOptions{})
	assert.ErrorIs(t, err, ErrQueueNotFound)

	_, _, err = svc.ClaimNext(ctx, "no-such-queue", time.Now())
	assert.ErrorIs(t, err, ErrQueueNotFound)
}

func TestStageDefaultsApplied(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	job, err := svc.Enqueue(ctx, models.QueueAIAnalysis, map[string]any{"documentId": "d", "analysisId": "a"}, EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, job.MaxAttempts)
	assert.Equal(t, 5*time.Second, job.BackoffBase)

	job, err = svc.Enqueue(ctx, models.QueueDocumentProcessing, map[string]any{"documentId": "d"}, EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 2*time.Second, job.BackoffBase)
}

func TestReclaimExpiredLease(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	job, err := svc.Enqueue(ctx, models.QueueNotifications, map[string]any{"type": "in-app"}, EnqueueOptions{})
	require.NoError(t, err)

	// Claim with an already-expired lease to simulate a stuck worker.
	_, ok, err := svc.ClaimNext(ctx, models.QueueNotifications, time.Now().Add(-time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	ids, err := svc.ReclaimExpired(ctx, models.QueueNotifications, time.Now(), 100)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, job.ID, ids[0])

	got, err := st.GetJob(ctx, models.QueueNotifications, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateWaiting, got.State)

	_, ok, err = svc.ClaimNext(ctx, models.QueueNotifications, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "reclaimed job must be claimable again")
}

func TestEnqueueBrokerFailureRemovesRow(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := newMemStore()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	svc := NewService(NewRedisBroker(client), st, log)

	mr.Close()

	_, err = svc.Enqueue(ctx, models.QueueDocumentProcessing, map[string]any{"documentId": "doc-1"}, EnqueueOptions{})
	require.Error(t, err)

	// A job the broker never accepted must not linger as a waiting row;
	// nothing would ever claim it.
	_, err = st.GetJob(ctx, models.QueueDocumentProcessing, "job-1")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}
