package spend

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/KingPyrox/Legal-Lens/internal/ai"
	"github.com/KingPyrox/Legal-Lens/internal/models"
	"github.com/KingPyrox/Legal-Lens/internal/telemetry"
)

// EventStore is the slice of the persistent store the guard needs.
type EventStore interface {
	SpendTotalBetween(ctx context.Context, from, to time.Time) (decimal.Decimal, error)
	AppendSpendEvent(ctx context.Context, ev models.SpendEvent) (models.SpendEvent, error)
}

// Decision is the guard's answer for one prospective billable call.
type Decision struct {
	Allowed    bool
	Reason     string
	SpentToday decimal.Decimal
	Limit      decimal.Decimal
}

// Guard gates every billable external call behind the configured daily
// ceiling and is the single place call costs are recorded.
//
// The authorize-then-record sequence is deliberately not atomic: two
// concurrent callers can both read a total just under the limit and both
// proceed. One call costs a small fraction of the ceiling, so the overshoot
// is bounded to roughly one call per in-flight worker and accepted as a
// trade-off against serializing every AI call.
type Guard struct {
	store   EventStore
	pricing *ai.PricingTable
	limit   decimal.Decimal
	loc     *time.Location
	log     *logrus.Logger
	now     func() time.Time
}

// NewGuard builds a spending guard. The daily window is clock-aligned to
// midnight in loc.
func NewGuard(store EventStore, pricing *ai.PricingTable, dailyLimit decimal.Decimal, loc *time.Location, log *logrus.Logger) *Guard {
	if loc == nil {
		loc = time.Local
	}
	return &Guard{
		store:   store,
		pricing: pricing,
		limit:   dailyLimit,
		loc:     loc,
		log:     log,
		now:     time.Now,
	}
}

// Authorize reports whether a billable call may be issued right now.
// Callers must obtain an allowed decision before every external call.
func (g *Guard) Authorize(ctx context.Context) (Decision, error) {
	dayStart, dayEnd := g.window()
	spent, err := g.store.SpendTotalBetween(ctx, dayStart, dayEnd)
	if err != nil {
		return Decision{}, fmt.Errorf("compute spend-to-date: %w", err)
	}
	if spent.GreaterThanOrEqual(g.limit) {
		telemetry.SpendDenials.Inc()
		return Decision{
			Allowed:    false,
			Reason:     fmt.Sprintf("daily spending limit reached: spent %s of %s", spent.StringFixed(2), g.limit.StringFixed(2)),
			SpentToday: spent,
			Limit:      g.limit,
		}, nil
	}
	return Decision{Allowed: true, SpentToday: spent, Limit: g.limit}, nil
}

// Record computes the call's cost from the pricing table and appends a
// spend event. A failed call with token usage still costs money, so callers
// record regardless of the call's own outcome. A persistence failure never
// fails the business call; it is logged and counted for operators instead.
func (g *Guard) Record(ctx context.Context, orgID, callType, model string, inputUnits, outputUnits int64, duration time.Duration) models.SpendEvent {
	ev := models.SpendEvent{
		OrgID:       orgID,
		CallType:    callType,
		Model:       model,
		InputUnits:  inputUnits,
		OutputUnits: outputUnits,
		Cost:        g.pricing.CostFor(model, inputUnits, outputUnits),
		DurationMs:  duration.Milliseconds(),
		CreatedAt:   g.now().UTC(),
	}
	stored, err := g.store.AppendSpendEvent(ctx, ev)
	if err != nil {
		telemetry.SpendRecordFailures.Inc()
		g.log.WithError(err).WithFields(logrus.Fields{
			"org_id":    orgID,
			"call_type": callType,
			"cost":      ev.Cost.StringFixed(4),
		}).Error("failed to persist spend event")
		return ev
	}
	return stored
}

// window returns [today's midnight, tomorrow's midnight) in the guard's
// timezone.
func (g *Guard) window() (time.Time, time.Time) {
	now := g.now().In(g.loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, g.loc)
	return start, start.AddDate(0, 0, 1)
}
