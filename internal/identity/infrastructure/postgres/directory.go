package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	identity "panelbridge/internal/identity/domain"
	"panelbridge/internal/notify"
	pgstats "panelbridge/internal/statistics/postgres"
)

const defaultRegistryTable = "entity_registry"

// Directory is a Postgres identity directory. Rename updates the
// registration row and re-keys the statistics series in one transaction, so
// a failed rename leaves both untouched.
type Directory struct {
	db         *sql.DB
	table      string
	statsTable string
	bus        *notify.Bus
}

// NewDirectory constructs a directory.
func NewDirectory(db *sql.DB, bus *notify.Bus, opts ...Option) *Directory {
	d := &Directory{db: db, table: defaultRegistryTable, bus: bus}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Option configures the directory.
type Option func(*Directory)

// WithRegistryTable overrides the default registry table name.
func WithRegistryTable(table string) Option {
	return func(d *Directory) {
		if table != "" {
			d.table = table
		}
	}
}

// WithStatisticsTable sets the statistics table moved on rename. Empty
// disables the statistics move (the host owns it elsewhere).
func WithStatisticsTable(table string) Option {
	return func(d *Directory) {
		d.statsTable = table
	}
}

// Lookup returns the record for a unique id.
func (d *Directory) Lookup(ctx context.Context, uniqueID string) (identity.Record, error) {
	if d == nil || d.db == nil {
		return identity.Record{}, errors.New("postgres directory: nil db")
	}
	if uniqueID == "" {
		return identity.Record{}, errors.New("postgres directory: empty unique id")
	}

	query := fmt.Sprintf(`
SELECT unique_id, entity_id, user_override, updated_at
FROM %s
WHERE unique_id = $1
LIMIT 1`, d.table)

	var record identity.Record
	if err := d.db.QueryRowContext(ctx, query, uniqueID).Scan(
		&record.UniqueID,
		&record.EntityID,
		&record.UserOverride,
		&record.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Record{}, identity.ErrNotFound
		}
		return identity.Record{}, err
	}
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

// List returns records in the namespace, sorted by unique id.
func (d *Directory) List(ctx context.Context, prefix string) ([]identity.Record, error) {
	if d == nil || d.db == nil {
		return nil, errors.New("postgres directory: nil db")
	}

	query := fmt.Sprintf(`
SELECT unique_id, entity_id, user_override, updated_at
FROM %s
WHERE unique_id LIKE $1 || '%%'
ORDER BY unique_id ASC`, d.table)

	rows, err := d.db.QueryContext(ctx, query, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []identity.Record
	for rows.Next() {
		var record identity.Record
		if err := rows.Scan(
			&record.UniqueID,
			&record.EntityID,
			&record.UserOverride,
			&record.UpdatedAt,
		); err != nil {
			return nil, err
		}
		record.UpdatedAt = record.UpdatedAt.UTC()
		result = append(result, record)
	}
	return result, rows.Err()
}

// Register creates a record at first discovery.
func (d *Directory) Register(ctx context.Context, record identity.Record) error {
	if d == nil || d.db == nil {
		return errors.New("postgres directory: nil db")
	}
	if record.UniqueID == "" || record.EntityID == "" {
		return errors.New("postgres directory: empty record keys")
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existsQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE unique_id = $1`, d.table)
	var count int
	if err := tx.QueryRowContext(ctx, existsQuery, record.UniqueID).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return identity.ErrAlreadyRegistered
	}

	claimQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE entity_id = $1 AND unique_id != $2`, d.table)
	if err := tx.QueryRowContext(ctx, claimQuery, record.EntityID, record.UniqueID).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return identity.ErrConflict
	}

	insert := fmt.Sprintf(`
INSERT INTO %s (unique_id, entity_id, user_override, updated_at)
VALUES ($1, $2, $3, $4)`, d.table)
	if _, err := tx.ExecContext(ctx, insert,
		record.UniqueID, record.EntityID, record.UserOverride, time.Now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	d.publish(ctx, notify.Event{
		UniqueID: record.UniqueID,
		EntityID: record.EntityID,
		Source:   notify.SourceEngine,
	})
	return nil
}

// Rename atomically moves a unique id to a new entity id and re-keys its
// statistics series in the same transaction.
func (d *Directory) Rename(ctx context.Context, uniqueID, oldEntityID, newEntityID string) error {
	if d == nil || d.db == nil {
		return errors.New("postgres directory: nil db")
	}
	if uniqueID == "" || newEntityID == "" {
		return errors.New("postgres directory: empty rename keys")
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	currentQuery := fmt.Sprintf(`SELECT entity_id FROM %s WHERE unique_id = $1 FOR UPDATE`, d.table)
	var current string
	if err := tx.QueryRowContext(ctx, currentQuery, uniqueID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.ErrNotFound
		}
		return err
	}
	if current != oldEntityID {
		return identity.ErrStaleRename
	}

	claimQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE entity_id = $1 AND unique_id != $2`, d.table)
	var count int
	if err := tx.QueryRowContext(ctx, claimQuery, newEntityID, uniqueID).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return identity.ErrConflict
	}

	update := fmt.Sprintf(`UPDATE %s SET entity_id = $2, updated_at = $3 WHERE unique_id = $1`, d.table)
	if _, err := tx.ExecContext(ctx, update, uniqueID, newEntityID, time.Now().UTC()); err != nil {
		return err
	}
	if d.statsTable != "" {
		if err := pgstats.MoveSeries(ctx, tx, d.statsTable, oldEntityID, newEntityID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	d.publish(ctx, notify.Event{
		UniqueID:    uniqueID,
		OldEntityID: oldEntityID,
		EntityID:    newEntityID,
		Source:      notify.SourceEngine,
	})
	return nil
}

// IsUserOverridden reports the override latch.
func (d *Directory) IsUserOverridden(ctx context.Context, uniqueID string) (bool, error) {
	record, err := d.Lookup(ctx, uniqueID)
	if err != nil {
		return false, err
	}
	return record.UserOverride, nil
}

// SetUserOverride sets or clears the override latch out-of-band.
func (d *Directory) SetUserOverride(ctx context.Context, uniqueID string, overridden bool) error {
	if d == nil || d.db == nil {
		return errors.New("postgres directory: nil db")
	}

	query := fmt.Sprintf(`UPDATE %s SET user_override = $2, updated_at = $3 WHERE unique_id = $1`, d.table)
	result, err := d.db.ExecContext(ctx, query, uniqueID, overridden, time.Now().UTC())
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (d *Directory) publish(ctx context.Context, event notify.Event) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(ctx, event)
}
