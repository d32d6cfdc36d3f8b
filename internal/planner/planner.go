package planner

import (
	"context"
	"fmt"
	"time"

	"candleflow/internal/models"
)

// CoverageSource reports how many rows the store already holds per UTC day.
type CoverageSource interface {
	DayCounts(ctx context.Context, tf models.Timeframe, symbol string, start, end time.Time) (map[time.Time]int64, error)
}

// Planner computes, for one symbol and timeframe, which daily windows in a
// date range still need fetching. A day is complete when the store holds a
// full day of rows for the timeframe; partially filled days are refetched,
// which is safe because inserts skip existing keys.
type Planner struct {
	coverage CoverageSource
}

func New(coverage CoverageSource) *Planner {
	return &Planner{coverage: coverage}
}

// Plan returns the missing days in [start, end], ascending. Both bounds are
// truncated to UTC midnight and inclusive.
func (p *Planner) Plan(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time) ([]time.Time, error) {
	start = truncateDay(start)
	end = truncateDay(end)
	if end.Before(start) {
		return nil, fmt.Errorf("end date %s before start date %s",
			models.FormatDate(end), models.FormatDate(start))
	}

	counts, err := p.coverage.DayCounts(ctx, tf, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("loading coverage for %s/%s: %w", symbol, tf, err)
	}

	full := int64(tf.RowsPerDay())
	var missing []time.Time
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if counts[day] < full {
			missing = append(missing, day)
		}
	}
	return missing, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
