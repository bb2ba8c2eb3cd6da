package models

import (
	"time"
)

// Queue names for the four pipeline stages.
const (
	QueueDocumentProcessing = "document-processing"
	QueueAIAnalysis         = "ai-analysis"
	QueuePDFGeneration      = "pdf-generation"
	QueueNotifications      = "notifications"
)

// QueueNames lists every stage queue in pipeline order.
var QueueNames = []string{
	QueueDocumentProcessing,
	QueueAIAnalysis,
	QueuePDFGeneration,
	QueueNotifications,
}

// KnownQueue reports whether name is one of the four stage queues.
func KnownQueue(name string) bool {
	for _, q := range QueueNames {
		if q == name {
			return true
		}
	}
	return false
}

// Job lifecycle states persisted in Postgres.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Job is one unit of queued work. Postgres holds the authoritative copy;
// Redis only carries the id through ready/delayed/in-flight sets.
type Job struct {
	ID          string         `json:"id"`
	QueueName   string         `json:"queue_name"`
	Payload     map[string]any `json:"payload"`
	Priority    int            `json:"priority"`
	State       string         `json:"state"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
	BackoffBase time.Duration  `json:"backoff_base_ms"`
	DelayUntil  *time.Time     `json:"delay_until,omitempty"`
	OrgID       string         `json:"org_id,omitempty"`
	LastError   *string        `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// QueueStats partitions jobs of one queue by lifecycle state.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
