package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	identity "panelbridge/internal/identity/domain"
)

func setupMockDirectory(t *testing.T, opts ...Option) (*sql.DB, sqlmock.Sqlmock, *Directory) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, NewDirectory(db, nil, opts...)
}

func TestLookup_Found(t *testing.T) {
	db, mock, dir := setupMockDirectory(t)
	defer db.Close()

	updatedAt := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"unique_id", "entity_id", "user_override", "updated_at"}).
		AddRow("span_p1_4_power", "sensor.kitchen_power", false, updatedAt)

	mock.ExpectQuery(`SELECT unique_id, entity_id, user_override, updated_at`).
		WithArgs("span_p1_4_power").
		WillReturnRows(rows)

	record, err := dir.Lookup(context.Background(), "span_p1_4_power")
	require.NoError(t, err)
	require.Equal(t, "sensor.kitchen_power", record.EntityID)
	require.False(t, record.UserOverride)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookup_NotFound(t *testing.T) {
	db, mock, dir := setupMockDirectory(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT unique_id, entity_id, user_override, updated_at`).
		WithArgs("span_p1_99_power").
		WillReturnError(sql.ErrNoRows)

	_, err := dir.Lookup(context.Background(), "span_p1_99_power")
	require.ErrorIs(t, err, identity.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegister_ConflictRollsBack(t *testing.T) {
	db, mock, dir := setupMockDirectory(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM entity_registry WHERE unique_id`).
		WithArgs("span_p1_4_power").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM entity_registry WHERE entity_id`).
		WithArgs("sensor.kitchen_power", "span_p1_4_power").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err := dir.Register(context.Background(), identity.Record{
		UniqueID: "span_p1_4_power",
		EntityID: "sensor.kitchen_power",
	})
	require.ErrorIs(t, err, identity.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRename_MovesStatisticsInSameTransaction(t *testing.T) {
	db, mock, dir := setupMockDirectory(t, WithStatisticsTable("statistics"))
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT entity_id FROM entity_registry WHERE unique_id = \$1 FOR UPDATE`).
		WithArgs("span_p1_4_power").
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}).AddRow("sensor.kitchen_power"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM entity_registry WHERE entity_id`).
		WithArgs("sensor.circuit_4_power", "span_p1_4_power").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`UPDATE entity_registry SET entity_id`).
		WithArgs("span_p1_4_power", "sensor.circuit_4_power", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE statistics`).
		WithArgs("sensor.kitchen_power", "sensor.circuit_4_power").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	err := dir.Rename(context.Background(), "span_p1_4_power", "sensor.kitchen_power", "sensor.circuit_4_power")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRename_StaleStateRollsBack(t *testing.T) {
	db, mock, dir := setupMockDirectory(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT entity_id FROM entity_registry WHERE unique_id = \$1 FOR UPDATE`).
		WithArgs("span_p1_4_power").
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}).AddRow("sensor.my_kitchen"))
	mock.ExpectRollback()

	err := dir.Rename(context.Background(), "span_p1_4_power", "sensor.kitchen_power", "sensor.circuit_4_power")
	require.ErrorIs(t, err, identity.ErrStaleRename)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetUserOverride_NotFound(t *testing.T) {
	db, mock, dir := setupMockDirectory(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE entity_registry SET user_override`).
		WithArgs("span_p1_99_power", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := dir.SetUserOverride(context.Background(), "span_p1_99_power", true)
	require.ErrorIs(t, err, identity.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
