package spend

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/KingPyrox/Legal-Lens/internal/models"
)

// DayUsage is one calendar day's rollup.
type DayUsage struct {
	Cost     decimal.Decimal `json:"cost"`
	Requests int64           `json:"requests"`
	Units    int64           `json:"tokens"`
}

// UsageStats summarizes a window of spend events.
type UsageStats struct {
	TotalCost    decimal.Decimal     `json:"totalCost"`
	TotalUnits   int64               `json:"totalTokens"`
	RequestCount int64               `json:"requestCount"`
	AverageCost  decimal.Decimal     `json:"averageCost"`
	Daily        map[string]DayUsage `json:"dailyBreakdown"`
}

// Summarize reduces spend events into totals and a per-day breakdown, with
// days keyed YYYY-MM-DD in loc. It holds no state and an empty window
// yields all-zero values.
func Summarize(events []models.SpendEvent, loc *time.Location) UsageStats {
	if loc == nil {
		loc = time.UTC
	}
	stats := UsageStats{
		TotalCost:   decimal.Zero,
		AverageCost: decimal.Zero,
		Daily:       make(map[string]DayUsage),
	}
	for _, ev := range events {
		units := ev.InputUnits + ev.OutputUnits
		stats.TotalCost = stats.TotalCost.Add(ev.Cost)
		stats.TotalUnits += units
		stats.RequestCount++

		day := ev.CreatedAt.In(loc).Format("2006-01-02")
		d := stats.Daily[day]
		d.Cost = d.Cost.Add(ev.Cost)
		d.Requests++
		d.Units += units
		stats.Daily[day] = d
	}
	if stats.RequestCount > 0 {
		stats.AverageCost = stats.TotalCost.Div(decimal.NewFromInt(stats.RequestCount))
	}
	return stats
}
