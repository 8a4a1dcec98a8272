package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultAuditTable = "identity_audit"

// Repository is a Postgres-backed audit recorder.
type Repository struct {
	db    *sql.DB
	table string
}

// NewRepository constructs a repository.
func NewRepository(db *sql.DB, opts ...RepositoryOption) *Repository {
	repo := &Repository{db: db, table: defaultAuditTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*Repository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *Repository) {
		if table != "" {
			repo.table = table
		}
	}
}

// Record inserts an audit entry.
func (r *Repository) Record(ctx context.Context, entry Entry) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, cycle_id, unique_id, old_entity_id, new_entity_id, outcome, detail, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, r.table)

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.CycleID,
		entry.UniqueID,
		entry.OldEntityID,
		entry.NewEntityID,
		string(entry.Outcome),
		entry.Detail,
		entry.CreatedAt.UTC(),
	)
	return err
}

// Recent returns up to limit entries, newest first.
func (r *Repository) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("audit repo: nil db")
	}
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
SELECT id, cycle_id, unique_id, old_entity_id, new_entity_id, outcome, detail, created_at
FROM %s
ORDER BY created_at DESC, id DESC
LIMIT $1`, r.table)

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		var entry Entry
		var outcome string
		if err := rows.Scan(
			&entry.ID,
			&entry.CycleID,
			&entry.UniqueID,
			&entry.OldEntityID,
			&entry.NewEntityID,
			&outcome,
			&entry.Detail,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entry.Outcome = Outcome(outcome)
		entry.CreatedAt = entry.CreatedAt.UTC()
		result = append(result, entry)
	}
	return result, rows.Err()
}
