package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KingPyrox/Legal-Lens/internal/config"
	"github.com/KingPyrox/Legal-Lens/internal/models"
	"github.com/KingPyrox/Legal-Lens/internal/pipeline"
	"github.com/KingPyrox/Legal-Lens/internal/queue"
	"github.com/KingPyrox/Legal-Lens/internal/telemetry"
)

// Handler executes one stage job and returns its success value or a
// classified failure.
type Handler func(ctx context.Context, job models.Job) (pipeline.StageResult, error)

// Tracker is the slice of the persistent store that finalizes outcomes.
type Tracker interface {
	MarkCompleted(ctx context.Context, id string) error
	MarkDelayed(ctx context.Context, id string, attempt int, delayUntil time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, attempt int, lastErr string) error
}

// Hooks receive stage-boundary events from the dispatch loop.
type Hooks interface {
	OnStageClaimed(ctx context.Context, job models.Job)
	OnStageSuccess(ctx context.Context, job models.Job, res pipeline.StageResult) error
	OnStageFailure(ctx context.Context, job models.Job, lastErr string)
}

// Dispatcher runs one claim loop per queue per concurrency slot, plus a
// maintenance loop per queue that promotes delayed jobs and reclaims
// expired leases.
type Dispatcher struct {
	cfg      config.Config
	queues   *queue.Service
	tracker  Tracker
	hooks    Hooks
	handlers map[string]Handler
	log      *logrus.Logger
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(cfg config.Config, queues *queue.Service, tracker Tracker, hooks Hooks, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		queues:   queues,
		tracker:  tracker,
		hooks:    hooks,
		handlers: make(map[string]Handler),
		log:      log,
	}
}

// RegisterHandler binds a handler to a queue.
func (d *Dispatcher) RegisterHandler(queueName string, h Handler) {
	if queueName == "" || h == nil {
		return
	}
	d.handlers[queueName] = h
}

// Run recovers stale claims, then serves every registered queue until the
// context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if n, err := d.queues.RecoverStale(ctx, d.cfg.StaleActiveAfter); err != nil {
		d.log.WithError(err).Error("recovery pass failed")
	} else if n > 0 {
		d.log.WithField("requeued", n).Info("recovered stale active jobs")
	}

	var wg sync.WaitGroup
	for queueName := range d.handlers {
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			d.maintainQueue(ctx, q)
		}(queueName)

		for i := 0; i < d.cfg.WorkerConcurrency; i++ {
			wg.Add(1)
			go func(q string) {
				defer wg.Done()
				d.claimLoop(ctx, q)
			}(queueName)
		}
	}
	wg.Wait()
	return ctx.Err()
}

// maintainQueue promotes due delayed jobs, reclaims expired leases, and
// refreshes the depth gauge on the poll interval.
func (d *Dispatcher) maintainQueue(ctx context.Context, queueName string) {
	ticker := time.NewTicker(d.cfg.WorkerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		if _, err := d.queues.PromoteDelayed(ctx, queueName, now, d.cfg.PromoteBatchSize); err != nil {
			d.log.WithError(err).WithField("queue", queueName).Warn("promote delayed")
		}
		if ids, err := d.queues.ReclaimExpired(ctx, queueName, now, d.cfg.PromoteBatchSize); err != nil {
			d.log.WithError(err).WithField("queue", queueName).Warn("reclaim expired")
		} else if len(ids) > 0 {
			d.log.WithFields(logrus.Fields{"queue": queueName, "count": len(ids)}).Info("reclaimed expired leases")
		}
		if depth, err := d.queues.ReadyDepth(ctx, queueName); err == nil {
			telemetry.QueueDepthGauge.WithLabelValues(queueName).Set(float64(depth))
		}
	}
}

func (d *Dispatcher) claimLoop(ctx context.Context, queueName string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ok, err := d.queues.ClaimNext(ctx, queueName, time.Now().Add(d.cfg.VisibilityTimeout))
		if err != nil {
			d.log.WithError(err).WithField("queue", queueName).Warn("claim failed")
			sleepCtx(ctx, d.cfg.WorkerPollInterval)
			continue
		}
		if !ok {
			sleepCtx(ctx, d.cfg.WorkerPollInterval)
			continue
		}

		d.execute(ctx, job)
	}
}

// execute runs the handler and converts every outcome into a state
// transition; handler failures never escape the loop.
func (d *Dispatcher) execute(ctx context.Context, job models.Job) {
	telemetry.InFlightGauge.WithLabelValues(job.QueueName).Inc()
	defer telemetry.InFlightGauge.WithLabelValues(job.QueueName).Dec()

	d.hooks.OnStageClaimed(ctx, job)

	res, err := d.invoke(ctx, job)
	if err == nil {
		if err := d.tracker.MarkCompleted(ctx, job.ID); err != nil {
			d.log.WithError(err).WithField("job_id", job.ID).Error("mark completed")
		}
		_ = d.queues.Ack(ctx, job.QueueName, job.ID)
		telemetry.JobsCompleted.WithLabelValues(job.QueueName).Inc()
		if err := d.hooks.OnStageSuccess(ctx, job, res); err != nil {
			// A hook error here strands the pipeline mid-chain; count it
			// so a stuck analysis is visible on the dashboard.
			telemetry.StageHookFailures.WithLabelValues(job.QueueName).Inc()
			d.log.WithError(err).WithField("job_id", job.ID).Error("success hook")
		}
		return
	}

	attempt := job.Attempt + 1
	entry := d.log.WithFields(logrus.Fields{
		"queue":   job.QueueName,
		"job_id":  job.ID,
		"attempt": attempt,
	})

	if IsPermanent(err) || attempt >= job.MaxAttempts {
		if err := d.tracker.MarkFailed(ctx, job.ID, attempt, err.Error()); err != nil {
			entry.WithError(err).Error("mark failed")
		}
		_ = d.queues.Ack(ctx, job.QueueName, job.ID)
		telemetry.JobsFailed.WithLabelValues(job.QueueName).Inc()
		entry.WithField("error", err.Error()).Warn("job failed")
		d.hooks.OnStageFailure(ctx, job, err.Error())
		return
	}

	delay := Backoff(job.BackoffBase, attempt)
	nextRun := time.Now().Add(delay)
	if err := d.tracker.MarkDelayed(ctx, job.ID, attempt, nextRun, err.Error()); err != nil {
		entry.WithError(err).Error("mark delayed")
	}
	_ = d.queues.Ack(ctx, job.QueueName, job.ID)
	if err := d.queues.Requeue(ctx, job, nextRun); err != nil {
		entry.WithError(err).Error("requeue for retry")
	}
	telemetry.JobsRetried.WithLabelValues(job.QueueName).Inc()
	entry.WithField("backoff", delay.String()).Info("retry scheduled")
}

// invoke runs the handler, turning a panic into a transient failure so one
// bad payload cannot take the slot down.
func (d *Dispatcher) invoke(ctx context.Context, job models.Job) (res pipeline.StageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Transient(fmt.Errorf("handler panic: %v", r))
		}
	}()
	handler, ok := d.handlers[job.QueueName]
	if !ok {
		return pipeline.StageResult{}, Permanent(fmt.Errorf("no handler registered for queue %q", job.QueueName))
	}
	return handler(ctx, job)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
