package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
	CREATE TABLE audit_log (
		id                  TEXT PRIMARY KEY,
		tenant_id           TEXT NOT NULL,
		seq                 INTEGER NOT NULL,
		action              TEXT NOT NULL,
		entity_type         TEXT NOT NULL,
		entity_id           TEXT NOT NULL DEFAULT '',
		actor_user_id       TEXT NOT NULL DEFAULT '',
		diff                TEXT NOT NULL,
		created_at          TIMESTAMP NOT NULL,
		diff_hash           TEXT NOT NULL,
		prev_hash           TEXT NOT NULL,
		notary_ref          TEXT,
		notary_attempts     INTEGER NOT NULL DEFAULT 0,
		verification_status TEXT NOT NULL DEFAULT 'pending',
		request_id          TEXT,
		UNIQUE (tenant_id, seq),
		UNIQUE (tenant_id, request_id)
	);
`

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	return db
}

func TestSQLStore_AppendAndVerify(t *testing.T) {
	ctx := context.Background()
	store := NewSQLStore(setupTestDB(t))
	w := NewWriter(store, nil)

	for i := 0; i < 5; i++ {
		req := appendReq("T1", i)
		req.Diff["salary"] = Change{Old: 100000 + i, New: 1.5 * float64(i)}
		_, err := w.Append(ctx, req)
		require.NoError(t, err)
	}
	_, err := w.Append(ctx, appendReq("T2", 0))
	require.NoError(t, err)

	report, err := NewVerifier(store, WithPageSize(2)).Verify(ctx, "T1", 0, 0)
	require.NoError(t, err)
	assert.True(t, report.OK, "%+v", report)
	assert.Equal(t, int64(5), report.Checked)

	tenants, err := store.Tenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"T1", "T2"}, tenants)
}

func TestSQLStore_InsertConflicts(t *testing.T) {
	ctx := context.Background()
	store := NewSQLStore(setupTestDB(t))

	e := sampleEntry()
	e.RequestID = "req-1"
	e.DiffHash, _ = ComputeHash(e)
	require.NoError(t, store.Insert(ctx, e))

	sameSeq := *e
	sameSeq.ID = "e2"
	sameSeq.RequestID = "req-2"
	assert.ErrorIs(t, store.Insert(ctx, &sameSeq), ErrSeqConflict)

	sameRequest := *e
	sameRequest.ID = "e3"
	sameRequest.Seq = 2
	assert.ErrorIs(t, store.Insert(ctx, &sameRequest), ErrSeqConflict)

	found, err := store.FindByRequestID(ctx, "T1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, "e1", found.ID)
	assert.True(t, e.CreatedAt.Equal(found.CreatedAt))

	_, err = store.FindByRequestID(ctx, "T1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "T1", 9)
	assert.ErrorIs(t, err, ErrNotFound)

	seq, hash, err := store.Tail(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
	assert.Equal(t, e.DiffHash, hash)

	seq, hash, err = store.Tail(ctx, "empty")
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.Equal(t, GenesisHash, hash)
}

func TestSQLStore_NotaryBookkeeping(t *testing.T) {
	ctx := context.Background()
	store := NewSQLStore(setupTestDB(t))
	w := NewWriter(store, nil)
	for i := 0; i < 3; i++ {
		_, err := w.Append(ctx, appendReq("T1", i))
		require.NoError(t, err)
	}

	pending, err := store.Pending(ctx, "T1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	require.NoError(t, store.MarkAnchored(ctx, pending[0].ID, "ref-1"))
	require.NoError(t, store.MarkAnchored(ctx, pending[0].ID, "ref-overwrite"))
	anchored, err := store.Get(ctx, "T1", 1)
	require.NoError(t, err)
	assert.Equal(t, "ref-1", anchored.NotaryRef, "a reference is written once")
	assert.Equal(t, StatusVerified, anchored.VerificationStatus)

	status, err := store.RecordNotaryFailure(ctx, pending[1].ID, 2)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)
	status, err = store.RecordNotaryFailure(ctx, pending[1].ID, 2)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	_, err = store.RecordNotaryFailure(ctx, "missing", 2)
	assert.ErrorIs(t, err, ErrNotFound)

	pending, err = store.Pending(ctx, "T1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(3), pending[0].Seq)

	report, err := NewVerifier(store).Verify(ctx, "T1", 0, 0)
	require.NoError(t, err)
	assert.True(t, report.OK, "notary columns are outside the hash")
}

func TestSQLStore_DatabaseErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewSQLStore(db)
	ctx := context.Background()
	boom := errors.New("connection refused")

	mock.ExpectQuery("SELECT seq, diff_hash FROM audit_log").WillReturnError(boom)
	_, _, err = store.Tail(ctx, "T1")
	assert.ErrorContains(t, err, "failed to read chain tail")

	mock.ExpectExec("INSERT INTO audit_log").WillReturnError(boom)
	e := sampleEntry()
	assert.ErrorContains(t, store.Insert(ctx, e), "failed to insert audit entry")

	mock.ExpectExec("INSERT INTO audit_log").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.Insert(ctx, e), ErrSeqConflict)

	mock.ExpectQuery("SELECT (.+) FROM audit_log").WillReturnRows(
		sqlmock.NewRows([]string{"id", "tenant_id", "seq", "action", "entity_type", "entity_id", "actor_user_id", "diff",
			"created_at", "diff_hash", "prev_hash", "notary_ref", "notary_attempts", "verification_status", "request_id"}).
			AddRow("e1", "T1", 1, "a", "t", "id", "u", "not json", time.Now(), "h", "p", nil, 0, "pending", nil))
	_, err = store.Range(ctx, "T1", 1, 0, 10)
	assert.ErrorContains(t, err, "failed to read audit range")

	mock.ExpectExec("UPDATE audit_log").WillReturnError(boom)
	assert.ErrorContains(t, store.MarkAnchored(ctx, "e1", "ref"), "failed to record notary reference")

	assert.NoError(t, mock.ExpectationsWereMet())
}
