package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestRepository_RecordFillsDefaults(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewRepository(db)

	mock.ExpectExec(`INSERT INTO identity_audit`).
		WithArgs(sqlmock.AnyArg(), "cycle-1", "span_p1_4_power",
			"sensor.kitchen_power", "sensor.circuit_4_power",
			"renamed", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Record(context.Background(), Entry{
		CycleID:     "cycle-1",
		UniqueID:    "span_p1_4_power",
		OldEntityID: "sensor.kitchen_power",
		NewEntityID: "sensor.circuit_4_power",
		Outcome:     OutcomeRenamed,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_RecentNewestFirst(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewRepository(db, WithTable("renames"))

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "cycle_id", "unique_id", "old_entity_id", "new_entity_id", "outcome", "detail", "created_at",
	}).
		AddRow("a2", "cycle-2", "span_p1_4_power", "sensor.a", "sensor.b", "conflict", "claimed elsewhere", now).
		AddRow("a1", "cycle-1", "span_p1_4_power", "sensor.kitchen_power", "sensor.a", "renamed", "", now.Add(-time.Minute))

	mock.ExpectQuery(`SELECT id, cycle_id, unique_id, old_entity_id, new_entity_id, outcome, detail, created_at\s+FROM renames`).
		WithArgs(50).
		WillReturnRows(rows)

	entries, err := repo.Recent(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, OutcomeConflict, entries[0].Outcome)
	require.Equal(t, "cycle-1", entries[1].CycleID)
	require.NoError(t, mock.ExpectationsWereMet())
}
