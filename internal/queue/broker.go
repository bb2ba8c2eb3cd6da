package queue

import (
	"context"
	"time"
)

// Broker moves job ids between the ready, delayed, and in-flight sets of the
// named stage queues. Postgres stays the system of record for job state; the
// broker only decides which id a worker claims next. Any backing mechanism
// (Redis, in-memory, database-polled) can implement it.
type Broker interface {
	// Enqueue makes a job claimable. If runAt is in the future the job sits
	// in the delayed set until promoted; otherwise it joins the ready set
	// ordered by (priority desc, createdAt asc).
	Enqueue(ctx context.Context, queue, jobID string, priority int, createdAt, runAt time.Time) error

	// Claim atomically pops the best eligible job id and leases it until
	// leaseUntil. Returns "" when nothing is eligible.
	Claim(ctx context.Context, queue string, leaseUntil time.Time) (string, error)

	// PromoteDelayed moves due delayed jobs into the ready set and returns
	// the promoted ids so callers can flip their tracked state.
	PromoteDelayed(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error)

	// ReclaimExpired returns leases past their deadline to the ready set.
	ReclaimExpired(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error)

	// ExtendLease pushes an in-flight job's lease deadline forward.
	ExtendLease(ctx context.Context, queue, jobID string, until time.Time) error

	// Ack drops a finished job from in-flight tracking.
	Ack(ctx context.Context, queue, jobID string) error

	// Remove deletes a job id from every set of the queue.
	Remove(ctx context.Context, queue, jobID string) error

	// ReadyDepth reports how many jobs are currently claimable.
	ReadyDepth(ctx context.Context, queue string) (int64, error)
}
