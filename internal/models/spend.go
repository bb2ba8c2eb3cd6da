package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Billable call types gated by the spending guard.
const (
	CallExtraction  = "extraction"
	CallRiskScoring = "risk-scoring"
	CallSuggestions = "suggestion-generation"
)

// OrgSystem is the sentinel org for system-level billable calls.
const OrgSystem = "system"

// SpendEvent is an immutable record of one billable external call. Cost is
// computed once at record time from the pricing table; rows are append-only.
type SpendEvent struct {
	ID          string          `json:"id"`
	OrgID       string          `json:"org_id"`
	CallType    string          `json:"call_type"`
	Model       string          `json:"model"`
	InputUnits  int64           `json:"input_units"`
	OutputUnits int64           `json:"output_units"`
	Cost        decimal.Decimal `json:"cost"`
	DurationMs  int64           `json:"duration_ms"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Analysis statuses; the state machine is monotonic, with no transition out
// of COMPLETED or FAILED.
const (
	AnalysisQueued    = "QUEUED"
	AnalysisRunning   = "RUNNING"
	AnalysisCompleted = "COMPLETED"
	AnalysisFailed    = "FAILED"
)

// Analysis result sources. A spend-limited or errored AI stage completes
// with the fallback source rather than failing the analysis.
const (
	ResultSourceModel    = "model"
	ResultSourceFallback = "fallback"
)

// Analysis carries the fields of an analysis record the core reads/writes.
type Analysis struct {
	ID           string         `json:"id"`
	DocumentID   string         `json:"document_id"`
	OrgID        string         `json:"org_id"`
	Status       string         `json:"status"`
	ResultSource string         `json:"result_source,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	FailedStage  string         `json:"failed_stage,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// AnalyticsSummary is the per-org analysis rollup served by the API.
type AnalyticsSummary struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
	Pending   int64 `json:"pending"`
}
