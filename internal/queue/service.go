package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KingPyrox/Legal-Lens/internal/models"
	"github.com/KingPyrox/Legal-Lens/internal/store"
)

// ErrQueueNotFound is returned for any queue name outside the four stages.
var ErrQueueNotFound = errors.New("queue not found")

// StageDefaults is the per-queue retry budget and backoff base delay.
type StageDefaults struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// Retry budgets differ per stage: AI calls are expensive to repeat, report
// rendering and notifications are cheap.
var stageDefaults = map[string]StageDefaults{
	models.QueueDocumentProcessing: {MaxAttempts: 3, BackoffBase: 2 * time.Second},
	models.QueueAIAnalysis:         {MaxAttempts: 2, BackoffBase: 5 * time.Second},
	models.QueuePDFGeneration:      {MaxAttempts: 3, BackoffBase: time.Second},
	models.QueueNotifications:      {MaxAttempts: 3, BackoffBase: time.Second},
}

// DefaultsFor returns the stage defaults for a queue.
func DefaultsFor(queueName string) (StageDefaults, bool) {
	d, ok := stageDefaults[queueName]
	return d, ok
}

// JobStore is the slice of the persistent store the queue service drives.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, queueName, id string) (models.Job, error)
	ListJobsByState(ctx context.Context, queueName, state string) ([]models.Job, error)
	MarkActive(ctx context.Context, id string) error
	MarkWaiting(ctx context.Context, id string) error
	RetryJob(ctx context.Context, queueName, id string, fullReset bool) (models.Job, error)
	DeleteJob(ctx context.Context, queueName, id string) error
	QueueStats(ctx context.Context, queueName string) (models.QueueStats, error)
	StaleActiveJobs(ctx context.Context, olderThan time.Duration) ([]models.Job, error)
}

// Service implements the queue operations over a broker plus the lifecycle
// tracker. Producers and the worker dispatch both go through it, so every
// transition is persisted before the broker moves an id.
type Service struct {
	broker Broker
	store  JobStore
	log    *logrus.Logger
}

// NewService wires a queue service.
func NewService(broker Broker, store JobStore, log *logrus.Logger) *Service {
	return &Service{broker: broker, store: store, log: log}
}

// EnqueueOptions tune one enqueue. Zero values take the stage defaults.
type EnqueueOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	OrgID       string
}

// Enqueue creates a job and makes it claimable. It returns immediately with
// the job id; producers never block on execution.
func (s *Service) Enqueue(ctx context.Context, queueName string, payload map[string]any, opts EnqueueOptions) (models.Job, error) {
	defaults, ok := stageDefaults[queueName]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaults.BackoffBase
	}
	if payload == nil {
		payload = map[string]any{}
	}

	var delayUntil *time.Time
	runAt := time.Now()
	if opts.Delay > 0 {
		t := runAt.Add(opts.Delay)
		delayUntil = &t
		runAt = t
	}

	job, err := s.store.CreateJob(ctx, store.CreateJobParams{
		QueueName:   queueName,
		Payload:     payload,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		BackoffBase: opts.BackoffBase,
		DelayUntil:  delayUntil,
		OrgID:       opts.OrgID,
	})
	if err != nil {
		return models.Job{}, err
	}

	if err := s.broker.Enqueue(ctx, queueName, job.ID, job.Priority, job.CreatedAt, runAt); err != nil {
		// The row would otherwise sit in waiting forever; stale recovery
		// only rescues active jobs.
		if delErr := s.store.DeleteJob(ctx, queueName, job.ID); delErr != nil {
			s.log.WithError(delErr).WithField("job_id", job.ID).Error("delete job after broker enqueue failure")
		}
		return models.Job{}, fmt.Errorf("broker enqueue: %w", err)
	}
	return job, nil
}

// ClaimNext atomically claims the highest-priority eligible job, marks it
// active, and returns it. ok is false when nothing is eligible.
func (s *Service) ClaimNext(ctx context.Context, queueName string, leaseUntil time.Time) (models.Job, bool, error) {
	if !models.KnownQueue(queueName) {
		return models.Job{}, false, fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}
	jobID, err := s.broker.Claim(ctx, queueName, leaseUntil)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("broker claim: %w", err)
	}
	if jobID == "" {
		return models.Job{}, false, nil
	}

	job, err := s.store.GetJob(ctx, queueName, jobID)
	if err != nil {
		// Row removed between enqueue and claim; drop the orphaned id.
		if errors.Is(err, store.ErrJobNotFound) {
			_ = s.broker.Ack(ctx, queueName, jobID)
			return models.Job{}, false, nil
		}
		return models.Job{}, false, err
	}

	// The claim is durable only once the tracker records it.
	if err := s.store.MarkActive(ctx, job.ID); err != nil {
		return models.Job{}, false, fmt.Errorf("mark active: %w", err)
	}
	job.State = models.StateActive
	now := time.Now().UTC()
	job.ProcessedAt = &now
	return job, true, nil
}

// ListByState enumerates a queue's jobs in one lifecycle state.
func (s *Service) ListByState(ctx context.Context, queueName, state string) ([]models.Job, error) {
	if !models.KnownQueue(queueName) {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}
	return s.store.ListJobsByState(ctx, queueName, state)
}

// GetJob returns the tracked snapshot of a job.
func (s *Service) GetJob(ctx context.Context, queueName, id string) (models.Job, error) {
	if !models.KnownQueue(queueName) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}
	return s.store.GetJob(ctx, queueName, id)
}

// Stats partitions a queue's jobs by state.
func (s *Service) Stats(ctx context.Context, queueName string) (models.QueueStats, error) {
	if !models.KnownQueue(queueName) {
		return models.QueueStats{}, fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}
	return s.store.QueueStats(ctx, queueName)
}

// RemoveJob deletes a not-currently-active job from tracker and broker.
func (s *Service) RemoveJob(ctx context.Context, queueName, id string) error {
	if !models.KnownQueue(queueName) {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}
	if err := s.store.DeleteJob(ctx, queueName, id); err != nil {
		return err
	}
	return s.broker.Remove(ctx, queueName, id)
}

// RetryJob resets a failed job to waiting and re-enqueues it. The attempt
// counter survives unless fullReset is requested.
func (s *Service) RetryJob(ctx context.Context, queueName, id string, fullReset bool) (models.Job, error) {
	if !models.KnownQueue(queueName) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}
	job, err := s.store.RetryJob(ctx, queueName, id, fullReset)
	if err != nil {
		return models.Job{}, err
	}
	if err := s.broker.Enqueue(ctx, queueName, job.ID, job.Priority, job.CreatedAt, time.Now()); err != nil {
		return models.Job{}, fmt.Errorf("broker enqueue: %w", err)
	}
	return job, nil
}

// Requeue schedules an existing job to run again at runAt, flipping its
// tracked state to delayed-or-waiting accordingly. Used by the dispatcher
// for retry backoff.
func (s *Service) Requeue(ctx context.Context, job models.Job, runAt time.Time) error {
	return s.broker.Enqueue(ctx, job.QueueName, job.ID, job.Priority, job.CreatedAt, runAt)
}

// Ack drops a finished job id from the broker's in-flight set.
func (s *Service) Ack(ctx context.Context, queueName, id string) error {
	return s.broker.Ack(ctx, queueName, id)
}

// ExtendLease pushes an in-flight job's visibility deadline forward.
func (s *Service) ExtendLease(ctx context.Context, queueName, id string, until time.Time) error {
	return s.broker.ExtendLease(ctx, queueName, id, until)
}

// PromoteDelayed makes due delayed jobs claimable and flips their state.
func (s *Service) PromoteDelayed(ctx context.Context, queueName string, now time.Time, limit int64) (int, error) {
	ids, err := s.broker.PromoteDelayed(ctx, queueName, now, limit)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.store.MarkWaiting(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// ReclaimExpired returns timed-out leases to the ready set.
func (s *Service) ReclaimExpired(ctx context.Context, queueName string, now time.Time, limit int64) ([]string, error) {
	ids, err := s.broker.ReclaimExpired(ctx, queueName, now, limit)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := s.store.MarkWaiting(ctx, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// RecoverStale requeues jobs left active with no recorded completion past
// the staleness threshold. Run once on worker startup so a crashed process
// never strands claimed work.
func (s *Service) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	jobs, err := s.store.StaleActiveJobs(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		if err := s.store.MarkWaiting(ctx, job.ID); err != nil {
			return 0, err
		}
		if err := s.broker.Enqueue(ctx, job.QueueName, job.ID, job.Priority, job.CreatedAt, time.Now()); err != nil {
			return 0, err
		}
	}
	return len(jobs), nil
}

// ReadyDepth reports the broker's claimable backlog for a queue.
func (s *Service) ReadyDepth(ctx context.Context, queueName string) (int64, error) {
	return s.broker.ReadyDepth(ctx, queueName)
}
