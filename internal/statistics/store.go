// Package statistics provides the narrow slice of the host platform's
// time-series store the identity engine depends on: historical values are
// keyed by statistic id (which tracks entity id), and a rename must move the
// whole series to the new key without loss.
package statistics

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyStatisticID indicates a blank series key.
var ErrEmptyStatisticID = errors.New("statistics: empty statistic id")

// Sample is one recorded value in a series.
type Sample struct {
	StatisticID string
	Start       time.Time
	Value       float64
}

// Store reads and re-keys historical series. MoveSeries is invoked by
// directory implementations inside the rename operation so the statistics
// association moves atomically with the registration.
type Store interface {
	// Record appends a sample to a series.
	Record(ctx context.Context, sample Sample) error
	// SumSeries returns the sum of all values stored under a statistic id.
	SumSeries(ctx context.Context, statisticID string) (float64, error)
	// MoveSeries re-keys every sample from one statistic id to another.
	// Moving a nonexistent series is a no-op.
	MoveSeries(ctx context.Context, oldStatisticID, newStatisticID string) error
}
