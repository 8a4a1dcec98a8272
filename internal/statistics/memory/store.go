package memory

import (
	"context"
	"sync"

	"panelbridge/internal/statistics"
)

// Store is an in-memory statistics store for demo/testing.
type Store struct {
	mu   sync.RWMutex
	data map[string][]statistics.Sample
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{data: make(map[string][]statistics.Sample)}
}

// Record appends a sample to its series.
func (s *Store) Record(ctx context.Context, sample statistics.Sample) error {
	_ = ctx
	if sample.StatisticID == "" {
		return statistics.ErrEmptyStatisticID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[sample.StatisticID] = append(s.data[sample.StatisticID], sample)
	return nil
}

// SumSeries sums all values stored under a statistic id.
func (s *Store) SumSeries(ctx context.Context, statisticID string) (float64, error) {
	_ = ctx
	if statisticID == "" {
		return 0, statistics.ErrEmptyStatisticID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum float64
	for _, sample := range s.data[statisticID] {
		sum += sample.Value
	}
	return sum, nil
}

// MoveSeries re-keys a series. Moving a nonexistent series is a no-op.
func (s *Store) MoveSeries(ctx context.Context, oldStatisticID, newStatisticID string) error {
	_ = ctx
	if oldStatisticID == "" || newStatisticID == "" {
		return statistics.ErrEmptyStatisticID
	}
	if oldStatisticID == newStatisticID {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	series, ok := s.data[oldStatisticID]
	if !ok {
		return nil
	}
	delete(s.data, oldStatisticID)
	moved := make([]statistics.Sample, 0, len(series))
	for _, sample := range series {
		sample.StatisticID = newStatisticID
		moved = append(moved, sample)
	}
	s.data[newStatisticID] = append(s.data[newStatisticID], moved...)
	return nil
}
