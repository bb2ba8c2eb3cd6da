package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/KingPyrox/Legal-Lens/internal/models"
)

// AppendSpendEvent inserts one immutable billable-call record. Rows are
// append-only; nothing in the codebase updates or deletes them.
func (s *Store) AppendSpendEvent(ctx context.Context, ev models.SpendEvent) (models.SpendEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.OrgID == "" {
		ev.OrgID = models.OrgSystem
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO spend_events (id, org_id, call_type, model, input_units, output_units, cost, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ev.ID, ev.OrgID, ev.CallType, ev.Model, ev.InputUnits, ev.OutputUnits, ev.Cost, ev.DurationMs, ev.CreatedAt)
	if err != nil {
		return models.SpendEvent{}, fmt.Errorf("insert spend event: %w", err)
	}
	return ev, nil
}

// SpendTotalBetween sums recorded costs with created_at in [from, to).
func (s *Store) SpendTotalBetween(ctx context.Context, from, to time.Time) (decimal.Decimal, error) {
	var total pgtype.Numeric
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost), 0) FROM spend_events
		WHERE created_at >= $1 AND created_at < $2
	`, from, to).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum spend: %w", err)
	}
	return numericToDecimal(total), nil
}

// SpendEventsSince returns an org's spend events from a point in time,
// newest first, for usage reporting.
func (s *Store) SpendEventsSince(ctx context.Context, orgID string, from time.Time) ([]models.SpendEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, org_id, call_type, model, input_units, output_units, cost, duration_ms, created_at
		FROM spend_events
		WHERE org_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`, orgID, from)
	if err != nil {
		return nil, fmt.Errorf("query spend events: %w", err)
	}
	defer rows.Close()

	var events []models.SpendEvent
	for rows.Next() {
		var ev models.SpendEvent
		var cost pgtype.Numeric
		if err := rows.Scan(&ev.ID, &ev.OrgID, &ev.CallType, &ev.Model,
			&ev.InputUnits, &ev.OutputUnits, &cost, &ev.DurationMs, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan spend event: %w", err)
		}
		ev.Cost = numericToDecimal(cost)
		events = append(events, ev)
	}
	return events, rows.Err()
}
