package trust

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/REVIVEINC6/nino360-sub015/pkg/flac"
	"github.com/REVIVEINC6/nino360-sub015/pkg/ledger"
	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

func newEngine(t *testing.T) *flac.Engine {
	t.Helper()
	ctx := context.Background()
	store := flac.NewMemoryStore()
	for _, grant := range []flac.Grant{
		{TenantID: "T1", ResourceType: "crm_accounts", FieldName: "*", Role: "sales_rep", Level: flac.ReadWrite},
		{TenantID: "T1", ResourceType: "crm_accounts", FieldName: "billing_client_id", Role: "sales_rep", Level: flac.None},
	} {
		grant := grant
		require.NoError(t, store.UpsertGrant(ctx, &grant))
	}
	require.NoError(t, store.AssignRole(ctx, "T1", "u-rep", "sales_rep"))
	return flac.NewEngine(store, store)
}

func auditReq() ledger.AppendRequest {
	return ledger.AppendRequest{
		TenantID:   "T1",
		Action:     "crm_accounts.update",
		EntityType: "crm_accounts",
		EntityID:   "acc-1",
		Diff:       ledger.Diff{"name": {Old: "Acme", New: "Acme Corp"}},
	}
}

func waitInline(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestService_WriteGuardAndMask(t *testing.T) {
	ctx := context.Background()
	var p Provider = NewService(newEngine(t), ledger.NewWriter(ledger.NewMemoryStore(), nil))

	err := p.EnsureWritePermissions(ctx, "u-rep", "T1", "crm_accounts", map[string]interface{}{"billing_client_id": "c9", "name": "x"})
	fields, denied := IsDenied(err)
	require.True(t, denied)
	assert.Equal(t, []string{"billing_client_id"}, fields)

	require.NoError(t, p.EnsureWritePermissions(ctx, "u-rep", "T1", "crm_accounts", map[string]interface{}{"name": "x"}))

	rows := p.ApplyFieldPermissionsAll(ctx, "u-rep", "T1", "crm_accounts", []map[string]interface{}{
		{"id": "a1", "name": "Acme", "billing_client_id": "c9"},
		{"id": "a2", "name": "Beta"},
	})
	assert.Equal(t, []map[string]interface{}{{"id": "a1", "name": "Acme"}, {"id": "a2", "name": "Beta"}}, rows)

	levels, err := p.Resolve(ctx, "T1", "crm_accounts", []string{"name", "billing_client_id"}, []string{"sales_rep"})
	require.NoError(t, err)
	assert.Equal(t, flac.ReadWrite, levels["name"])

	_, denied = IsDenied(nil)
	assert.False(t, denied)
}

func TestService_AppendAuditInline(t *testing.T) {
	store := ledger.NewMemoryStore()
	s := NewService(newEngine(t), ledger.NewWriter(store, nil))

	ctx, cancel := context.WithCancel(observability.WithUserID(context.Background(), "u-rep"))
	receipt := s.AppendAudit(ctx, auditReq())
	cancel() // the request finishing must not abort the append
	assert.Equal(t, AuditInline, receipt.Mode)
	assert.NotEmpty(t, receipt.RequestID)

	waitInline(t, s)
	entry, err := store.FindByRequestID(context.Background(), "T1", receipt.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "u-rep", entry.ActorUserID, "actor defaults to the context user")
}

func setupQueue(t *testing.T) (*ledger.RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return ledger.NewRedisQueue(client, ""), mr
}

func TestService_AppendAuditQueued(t *testing.T) {
	ctx := context.Background()
	queue, _ := setupQueue(t)
	store := ledger.NewMemoryStore()
	writer := ledger.NewWriter(store, nil)
	s := NewService(newEngine(t), writer, WithQueue(queue))

	receipt := s.AppendAudit(ctx, auditReq())
	assert.Equal(t, AuditQueued, receipt.Mode)
	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	tail, _, _ := store.Tail(ctx, "T1")
	assert.Zero(t, tail, "nothing is appended until the dispatcher runs")

	_, err = ledger.NewDispatcher(queue, writer, ledger.DispatcherConfig{PollTimeout: time.Second}, nil, nil).ProcessOne(ctx)
	require.NoError(t, err)
	entry, err := store.FindByRequestID(ctx, "T1", receipt.RequestID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Seq)
}

func TestService_EnqueueFailureFallsBackInline(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	queue, mr := setupQueue(t)
	mr.Close()
	store := ledger.NewMemoryStore()
	s := NewService(newEngine(t), ledger.NewWriter(store, nil), WithQueue(queue), WithMetrics(metrics))

	receipt := s.AppendAudit(context.Background(), auditReq())
	assert.Equal(t, AuditInline, receipt.Mode)
	waitInline(t, s)

	tail, _, _ := store.Tail(context.Background(), "T1")
	assert.Equal(t, int64(1), tail)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuditAppendFailuresTotal.WithLabelValues("enqueue")))
}

func TestService_InvalidAuditIsDropped(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	s := NewService(newEngine(t), ledger.NewWriter(ledger.NewMemoryStore(), nil), WithMetrics(metrics))

	receipt := s.AppendAudit(context.Background(), ledger.AppendRequest{TenantID: "T1"})
	assert.Equal(t, AuditDropped, receipt.Mode)
	assert.ErrorIs(t, receipt.Err, ledger.ErrInvalidRequest)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuditAppendFailuresTotal.WithLabelValues("invalid")))
}

func TestService_RecordGrantChange(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	s := NewService(newEngine(t), ledger.NewWriter(store, nil))

	grant := &flac.Grant{TenantID: "T1", ResourceType: "crm_accounts", FieldName: "name", Role: "sales_rep", Level: flac.Read}
	s.RecordGrantChange(ctx, "T1", "admin", nil, grant)
	waitInline(t, s)
	s.RecordGrantChange(ctx, "T1", "admin", grant, nil)
	waitInline(t, s)
	s.RecordGrantChange(ctx, "T1", "admin", nil, nil)
	waitInline(t, s)

	entries, err := store.Range(ctx, "T1", 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionGrantUpsert, entries[0].Action)
	assert.Equal(t, "crm_accounts/name/sales_rep", entries[0].EntityID)
	assert.Equal(t, "read", entries[0].Diff["level"].New)
	assert.Nil(t, entries[0].Diff["level"].Old)
	assert.Equal(t, ActionGrantRevoke, entries[1].Action)
	assert.Equal(t, "admin", entries[1].ActorUserID)

	report, err := ledger.NewVerifier(store).Verify(ctx, "T1", 0, 0)
	require.NoError(t, err)
	assert.True(t, report.OK)
}

func TestService_RecordMembershipChange(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	s := NewService(newEngine(t), ledger.NewWriter(store, nil))

	s.RecordMembershipChange(ctx, "T1", "admin", "u-42", "hr_manager", true)
	waitInline(t, s)
	s.RecordMembershipChange(ctx, "T1", "admin", "u-42", "hr_manager", false)
	waitInline(t, s)

	entries, err := store.Range(ctx, "T1", 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionRoleAssign, entries[0].Action)
	assert.Equal(t, EntityMember, entries[0].EntityType)
	assert.Equal(t, "u-42", entries[0].EntityID)
	assert.Equal(t, "hr_manager", entries[0].Diff["role"].New)
	assert.Equal(t, ActionRoleRemove, entries[1].Action)
	assert.Equal(t, "hr_manager", entries[1].Diff["role"].Old)
	assert.Nil(t, entries[1].Diff["role"].New)
}

func TestService_AppendAuditSync(t *testing.T) {
	s := NewService(newEngine(t), ledger.NewWriter(ledger.NewMemoryStore(), nil))
	entry, err := s.AppendAuditSync(context.Background(), auditReq())
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Seq)
	assert.Equal(t, ledger.GenesisHash, entry.PrevHash)
}
