package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrate_AppliesInVersionOrderOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	second := []Migration{{Version: 2, Description: "add column", SQL: "ALTER TABLE widgets ADD COLUMN color TEXT"}}
	first := []Migration{{Version: 1, Description: "create widgets", SQL: "CREATE TABLE widgets (id INTEGER PRIMARY KEY)"}}

	require.NoError(t, Migrate(ctx, db, observability.NopLogger(), second, first))
	require.NoError(t, Migrate(ctx, db, observability.NopLogger(), second, first), "rerun must be a no-op")

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+MigrationsTable).Scan(&count))
	assert.Equal(t, 2, count)

	_, err := db.Exec("INSERT INTO widgets (id, color) VALUES (1, 'red')")
	assert.NoError(t, err)
}

func TestMigrate_DuplicateVersion(t *testing.T) {
	db := setupTestDB(t)
	a := []Migration{{Version: 7, Description: "a", SQL: "SELECT 1"}}
	b := []Migration{{Version: 7, Description: "b", SQL: "SELECT 1"}}

	err := Migrate(context.Background(), db, observability.NopLogger(), a, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate migration version 7")
}

func TestMigrate_FailedMigrationRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS trust_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM trust_migrations").WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE broken").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	err = Migrate(context.Background(), db, observability.NopLogger(),
		[]Migration{{Version: 1, Description: "broken", SQL: "CREATE TABLE broken"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to execute migration 1")
	assert.NoError(t, mock.ExpectationsWereMet())
}
