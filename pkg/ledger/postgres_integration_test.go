//go:build integration

package ledger

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
	"github.com/REVIVEINC6/nino360-sub015/pkg/storage"
)

func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	provider.Close()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("trust_test"),
		postgres.WithUsername("trust"),
		postgres.WithPassword("trust_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.PingContext(ctx))

	require.NoError(t, storage.Migrate(ctx, db, observability.NopLogger(), Migrations()))
	return db
}

func TestPostgres_ChainLifecycle(t *testing.T) {
	ctx := context.Background()
	db := setupPostgres(t)
	store := NewSQLStore(db)
	w := NewWriter(store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := appendReq("T1", i)
			req.Diff["amount"] = Change{Old: 10.25, New: int64(1) << 53}
			_, err := w.Append(ctx, req)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	report, err := NewVerifier(store).Verify(ctx, "T1", 0, 0)
	require.NoError(t, err)
	assert.True(t, report.OK, "%+v", report)
	assert.Equal(t, int64(20), report.Checked)

	pending, err := store.Pending(ctx, "T1", 5)
	require.NoError(t, err)
	require.Len(t, pending, 5)
	require.NoError(t, store.MarkAnchored(ctx, pending[0].ID, "ref-1"), "notary columns stay writable")
	status, err := store.RecordNotaryFailure(ctx, pending[1].ID, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
}

func TestPostgres_AppendOnlyTrigger(t *testing.T) {
	ctx := context.Background()
	db := setupPostgres(t)
	store := NewSQLStore(db)
	_, err := NewWriter(store, nil).Append(ctx, appendReq("T1", 0))
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE audit_log SET action = 'forged' WHERE tenant_id = 'T1'`)
	assert.ErrorContains(t, err, "immutable")

	_, err = db.ExecContext(ctx, `DELETE FROM audit_log WHERE tenant_id = 'T1'`)
	assert.ErrorContains(t, err, "append-only")

	report, err := NewVerifier(store).Verify(ctx, "T1", 0, 0)
	require.NoError(t, err)
	assert.True(t, report.OK)
}
