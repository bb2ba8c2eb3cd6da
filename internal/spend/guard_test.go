package spend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KingPyrox/Legal-Lens/internal/ai"
	"github.com/KingPyrox/Legal-Lens/internal/models"
)

// memEvents is an in-memory EventStore.
type memEvents struct {
	mu        sync.Mutex
	events    []models.SpendEvent
	appendErr error
}

func (m *memEvents) SpendTotalBetween(_ context.Context, from, to time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, ev := range m.events {
		if !ev.CreatedAt.Before(from) && ev.CreatedAt.Before(to) {
			total = total.Add(ev.Cost)
		}
	}
	return total, nil
}

func (m *memEvents) AppendSpendEvent(_ context.Context, ev models.SpendEvent) (models.SpendEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return models.SpendEvent{}, m.appendErr
	}
	m.events = append(m.events, ev)
	return ev, nil
}

func testGuard(t *testing.T, events *memEvents, limit string) *Guard {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewGuard(events, ai.DefaultPricing(), decimal.RequireFromString(limit), time.UTC, log)
}

func (m *memEvents) addCost(at time.Time, cost string) {
	m.events = append(m.events, models.SpendEvent{
		OrgID:     models.OrgSystem,
		CallType:  models.CallExtraction,
		Model:     ai.DefaultModel,
		Cost:      decimal.RequireFromString(cost),
		CreatedAt: at,
	})
}

func TestAuthorizeAllowsUnderLimit(t *testing.T) {
	events := &memEvents{}
	g := testGuard(t, events, "5.00")
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	events.addCost(now.Add(-time.Hour), "4.90")

	dec, err := g.Authorize(context.Background())
	require.NoError(t, err)
	assert.True(t, dec.Allowed, "a spent total under the limit must be allowed even when one more call would cross it")
	assert.True(t, dec.SpentToday.Equal(decimal.RequireFromString("4.90")))
}

func TestAuthorizeDeniesAtOrOverLimit(t *testing.T) {
	events := &memEvents{}
	g := testGuard(t, events, "5.00")
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	events.addCost(now.Add(-2*time.Hour), "4.90")
	events.addCost(now.Add(-time.Hour), "0.20")

	dec, err := g.Authorize(context.Background())
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "daily spending limit reached")
	assert.Contains(t, dec.Reason, "5.10")
}

func TestAuthorizeDeniesExactlyAtLimit(t *testing.T) {
	events := &memEvents{}
	g := testGuard(t, events, "5.00")
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	events.addCost(now.Add(-time.Hour), "5.00")

	dec, err := g.Authorize(context.Background())
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
}

func TestAuthorizeWindowResetsAtMidnight(t *testing.T) {
	events := &memEvents{}
	g := testGuard(t, events, "5.00")

	day1 := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	events.addCost(day1, "6.00")

	g.now = func() time.Time { return day1 }
	dec, err := g.Authorize(context.Background())
	require.NoError(t, err)
	assert.False(t, dec.Allowed)

	// One hour later it is a new day; yesterday's spend no longer counts.
	g.now = func() time.Time { return day1.Add(time.Hour) }
	dec, err = g.Authorize(context.Background())
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.True(t, dec.SpentToday.IsZero())
}

func TestRecordComputesCostFromPricing(t *testing.T) {
	events := &memEvents{}
	g := testGuard(t, events, "5.00")

	ev := g.Record(context.Background(), "org-1", models.CallRiskScoring, "gpt-3.5-turbo", 1000, 500, 250*time.Millisecond)

	// 1000 input at 0.001/1K plus 500 output at 0.002/1K.
	assert.True(t, ev.Cost.Equal(decimal.RequireFromString("0.002")), "got %s", ev.Cost)
	assert.Equal(t, int64(250), ev.DurationMs)
	require.Len(t, events.events, 1)
}

func TestRecordPersistFailureDoesNotPanic(t *testing.T) {
	events := &memEvents{appendErr: errors.New("db down")}
	g := testGuard(t, events, "5.00")

	ev := g.Record(context.Background(), "org-1", models.CallSuggestions, ai.DefaultModel, 100, 100, time.Second)

	// The caller still gets the computed event even when persistence fails.
	assert.False(t, ev.Cost.IsZero())
	assert.Empty(t, events.events)
}

func TestRecordedSpendFeedsNextAuthorization(t *testing.T) {
	events := &memEvents{}
	g := testGuard(t, events, "0.001")
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	dec, err := g.Authorize(context.Background())
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	g.Record(context.Background(), models.OrgSystem, models.CallExtraction, ai.DefaultModel, 2000, 1000, time.Second)

	dec, err = g.Authorize(context.Background())
	require.NoError(t, err)
	assert.False(t, dec.Allowed, "recorded cost must count against the same day's window")
}
