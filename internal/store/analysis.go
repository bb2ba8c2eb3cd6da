package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/KingPyrox/Legal-Lens/internal/models"
)

// CreateAnalysis inserts an analysis in QUEUED state.
func (s *Store) CreateAnalysis(ctx context.Context, documentID, orgID string) (models.Analysis, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO analyses (id, document_id, org_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, id, documentID, orgID, models.AnalysisQueued, now)
	if err != nil {
		return models.Analysis{}, fmt.Errorf("insert analysis: %w", err)
	}
	return models.Analysis{
		ID:         id,
		DocumentID: documentID,
		OrgID:      orgID,
		Status:     models.AnalysisQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// GetAnalysis fetches an analysis by id.
func (s *Store) GetAnalysis(ctx context.Context, id string) (models.Analysis, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, document_id, org_id, status, result_source, result, failed_stage, last_error, created_at, updated_at
		FROM analyses WHERE id = $1
	`, id)

	var a models.Analysis
	var source, failedStage, lastErr pgtype.Text
	var resultJSON []byte
	err := row.Scan(&a.ID, &a.DocumentID, &a.OrgID, &a.Status, &source, &resultJSON,
		&failedStage, &lastErr, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Analysis{}, ErrAnalysisNotFound
	}
	if err != nil {
		return models.Analysis{}, fmt.Errorf("scan analysis: %w", err)
	}
	if source.Valid {
		a.ResultSource = source.String
	}
	if failedStage.Valid {
		a.FailedStage = failedStage.String
	}
	if lastErr.Valid {
		a.LastError = lastErr.String
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &a.Result); err != nil {
			return models.Analysis{}, fmt.Errorf("unmarshal analysis result: %w", err)
		}
	}
	return a, nil
}

// MarkAnalysisRunning moves QUEUED to RUNNING. A no-op on any other status
// keeps the state machine monotonic under concurrent stage claims.
func (s *Store) MarkAnalysisRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE analyses SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.AnalysisRunning, models.AnalysisQueued)
	return err
}

// SetAnalysisResult stores a stage's output and its source flag (model or
// fallback) without touching the status.
func (s *Store) SetAnalysisResult(ctx context.Context, id string, result map[string]any, source string) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal analysis result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE analyses SET result = $2, result_source = $3, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5)
	`, id, resultJSON, source, models.AnalysisCompleted, models.AnalysisFailed)
	return err
}

// CompleteAnalysis moves a non-terminal analysis to COMPLETED.
func (s *Store) CompleteAnalysis(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE analyses SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($2, $3)
	`, id, models.AnalysisCompleted, models.AnalysisFailed)
	return err
}

// FailAnalysis moves a non-terminal analysis to FAILED with the failing
// stage and its last error message.
func (s *Store) FailAnalysis(ctx context.Context, id, stage, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE analyses SET status = $2, failed_stage = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($2, $5)
	`, id, models.AnalysisFailed, stage, lastErr, models.AnalysisCompleted)
	return err
}

// AnalyticsSummary counts an org's analyses by outcome.
func (s *Store) AnalyticsSummary(ctx context.Context, orgID string) (models.AnalyticsSummary, error) {
	var sum models.AnalyticsSummary
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = $2),
		       COUNT(*) FILTER (WHERE status = $3)
		FROM analyses WHERE org_id = $1
	`, orgID, models.AnalysisCompleted, models.AnalysisQueued).Scan(&sum.Total, &sum.Completed, &sum.Pending)
	if err != nil {
		return models.AnalyticsSummary{}, fmt.Errorf("analytics summary: %w", err)
	}
	return sum, nil
}

// InsertNotification persists a delivered notification for the in-app feed.
func (s *Store) InsertNotification(ctx context.Context, n models.NotificationPayload) error {
	metaJSON, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("marshal notification metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notifications (id, type, user_id, subject, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, uuid.New().String(), n.Type, n.UserID, n.Subject, n.Message, metaJSON)
	return err
}
