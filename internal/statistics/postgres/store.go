package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"panelbridge/internal/statistics"
)

const defaultStatisticsTable = "statistics"

// DBTX is the minimal database handle the store needs; both *sql.DB and
// *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a Postgres statistics store.
type Store struct {
	db    DBTX
	table string
}

// NewStore constructs a store.
func NewStore(db DBTX, opts ...Option) *Store {
	store := &Store{db: db, table: defaultStatisticsTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Option configures the store.
type Option func(*Store)

// WithTable overrides the default table name.
func WithTable(table string) Option {
	return func(store *Store) {
		if table != "" {
			store.table = table
		}
	}
}

// Record appends a sample to its series.
func (s *Store) Record(ctx context.Context, sample statistics.Sample) error {
	if s == nil || s.db == nil {
		return errors.New("statistics store: nil db")
	}
	if sample.StatisticID == "" {
		return statistics.ErrEmptyStatisticID
	}

	query := fmt.Sprintf(`
INSERT INTO %s (statistic_id, period_start, value)
VALUES ($1, $2, $3)`, s.table)

	_, err := s.db.ExecContext(ctx, query, sample.StatisticID, sample.Start.UTC(), sample.Value)
	return err
}

// SumSeries sums all values stored under a statistic id.
func (s *Store) SumSeries(ctx context.Context, statisticID string) (float64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("statistics store: nil db")
	}
	if statisticID == "" {
		return 0, statistics.ErrEmptyStatisticID
	}

	query := fmt.Sprintf(`
SELECT COALESCE(SUM(value), 0)
FROM %s
WHERE statistic_id = $1`, s.table)

	var sum float64
	if err := s.db.QueryRowContext(ctx, query, statisticID).Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

// MoveSeries re-keys every sample from one statistic id to another.
func (s *Store) MoveSeries(ctx context.Context, oldStatisticID, newStatisticID string) error {
	if s == nil || s.db == nil {
		return errors.New("statistics store: nil db")
	}
	return MoveSeries(ctx, s.db, s.table, oldStatisticID, newStatisticID)
}

// MoveSeries re-keys a series on an arbitrary handle, so directory
// implementations can move the statistics association inside the same
// transaction as the registration rename.
func MoveSeries(ctx context.Context, db DBTX, table, oldStatisticID, newStatisticID string) error {
	if db == nil {
		return errors.New("statistics store: nil db")
	}
	if oldStatisticID == "" || newStatisticID == "" {
		return statistics.ErrEmptyStatisticID
	}
	if oldStatisticID == newStatisticID {
		return nil
	}
	if table == "" {
		table = defaultStatisticsTable
	}

	query := fmt.Sprintf(`
UPDATE %s
SET statistic_id = $2
WHERE statistic_id = $1`, table)

	_, err := db.ExecContext(ctx, query, oldStatisticID, newStatisticID)
	return err
}
