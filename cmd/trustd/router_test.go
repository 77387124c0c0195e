package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/REVIVEINC6/nino360-sub015/pkg/adminauthz"
	"github.com/REVIVEINC6/nino360-sub015/pkg/flac"
	"github.com/REVIVEINC6/nino360-sub015/pkg/ledger"
	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
	"github.com/REVIVEINC6/nino360-sub015/pkg/trust"
)

const testModel = `[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[role_definition]
g = _, _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && (p.dom == "*" || r.dom == p.dom) && r.obj == p.obj && (p.act == "*" || r.act == p.act)
`

const testPolicy = `p, role:tenant-admin, *, flac.grants, *
p, role:tenant-admin, *, flac.members, *
p, role:tenant-admin, *, ledger.entries, read
p, role:tenant-admin, *, ledger.dead_letters, *
p, role:compliance-auditor, *, ledger.entries, read
`

type testServer struct {
	handler http.Handler
	grants  *flac.MemoryStore
	ledger  *ledger.MemoryStore
	queue   *ledger.RedisQueue
	svc     *trust.Service
}

func setupServer(t *testing.T) *testServer {
	t.Helper()

	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.conf")
	policyPath := filepath.Join(dir, "policy.csv")
	require.NoError(t, os.WriteFile(modelPath, []byte(testModel), 0o600))
	require.NoError(t, os.WriteFile(policyPath, []byte(testPolicy), 0o600))

	authorizer, err := adminauthz.NewAuthorizer(modelPath, policyPath, adminauthz.ModeEnforce)
	require.NoError(t, err)

	logger := observability.NopLogger()
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	grants := flac.NewMemoryStore()
	engine := flac.NewEngine(grants, grants, flac.WithLogger(logger), flac.WithMetrics(metrics))

	store := ledger.NewMemoryStore()
	writer := ledger.NewWriter(store, ledger.NewLocalLocker(), ledger.WithWriterLogger(logger))
	svc := trust.NewService(engine, writer, trust.WithLogger(logger))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	queue := ledger.NewRedisQueue(client, "test:audit")

	handler := newAPIRouter(apiDeps{
		grants:         grants,
		engine:         engine,
		onChange:       svc.RecordGrantChange,
		members:        grants,
		onMemberChange: svc.RecordMembershipChange,
		ledgerStore:    store,
		verifier:       ledger.NewVerifier(store),
		deadLetters:    queue,
		guard:          authorizer.Guard(),
		logger:         logger,
		metrics:        metrics,
	})

	return &testServer{handler: handler, grants: grants, ledger: store, queue: queue, svc: svc}
}

func (s *testServer) do(t *testing.T, method, path, roles string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(adminauthz.HeaderUserID, "admin-1")
	if roles != "" {
		req.Header.Set(adminauthz.HeaderRoles, roles)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestAPI_GrantChangeLandsInLedger(t *testing.T) {
	s := setupServer(t)
	ctx := context.Background()

	grant := flac.Grant{ResourceType: "hr_employees", FieldName: "salary", Role: "hr_manager", Level: flac.ReadWrite}
	rec := s.do(t, http.MethodPut, "/api/v1/tenants/acme/grants", "tenant-admin", grant)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.svc.Wait(waitCtx))

	rec = s.do(t, http.MethodGet, "/api/v1/tenants/acme/ledger/entries", "compliance-auditor", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var list ledger.ListEntriesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Entries, 1)
	assert.Equal(t, trust.ActionGrantUpsert, list.Entries[0].Action)
	assert.Equal(t, "admin-1", list.Entries[0].ActorUserID)

	rec = s.do(t, http.MethodGet, "/api/v1/tenants/acme/ledger/verify", "compliance-auditor", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report ledger.Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.True(t, report.OK)
	assert.EqualValues(t, 1, report.Checked)
}

func TestAPI_Authorization(t *testing.T) {
	s := setupServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		roles  string
		want   int
	}{
		{name: "auditor reads ledger", method: http.MethodGet, path: "/api/v1/tenants/acme/ledger/entries", roles: "compliance-auditor", want: http.StatusOK},
		{name: "auditor cannot list grants", method: http.MethodGet, path: "/api/v1/tenants/acme/grants", roles: "compliance-auditor", want: http.StatusForbidden},
		{name: "anonymous denied", method: http.MethodGet, path: "/api/v1/tenants/acme/grants", want: http.StatusForbidden},
		{name: "admin lists grants", method: http.MethodGet, path: "/api/v1/tenants/acme/grants", roles: "tenant-admin", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.roles, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestAPI_MembershipIsAudited(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodPut, "/api/v1/tenants/acme/members/u-42/roles/hr_manager", "tenant-admin", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.svc.Wait(waitCtx))

	entries, err := s.ledger.Range(context.Background(), "acme", 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, trust.ActionRoleAssign, entries[0].Action)
	assert.Equal(t, "u-42", entries[0].EntityID)

	rec = s.do(t, http.MethodPut, "/api/v1/tenants/acme/members/u-42/roles/hr_manager", "compliance-auditor", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_DeadLetterRedrive(t *testing.T) {
	s := setupServer(t)
	ctx := context.Background()

	_, err := s.queue.Enqueue(ctx, ledger.AppendRequest{
		TenantID:    "acme",
		ActorUserID: "u1",
		Action:      "update",
		EntityType:  "hr_employees",
		EntityID:    "e1",
	})
	require.NoError(t, err)
	delivery, err := s.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, s.queue.DeadLetter(ctx, delivery, errors.New("db down")))

	rec := s.do(t, http.MethodGet, "/api/v1/tenants/acme/ledger/dead-letters", "compliance-auditor", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/tenants/acme/ledger/dead-letters", "tenant-admin", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var list ledger.DeadLettersResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "db down", list.Messages[0].LastError)

	rec = s.do(t, http.MethodPost, "/api/v1/tenants/acme/ledger/dead-letters/redrive", "tenant-admin", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"redriven":1}`, rec.Body.String())

	depth, err := s.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestHealthRouter(t *testing.T) {
	registry := prometheus.NewRegistry()
	observability.NewMetrics(registry)
	handler := newHealthRouter(observability.NewHealthChecker("test", nil, nil), observability.MetricsHandler(registry))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	newHealthRouter(observability.NewHealthChecker("test", nil, nil), nil).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleJobs(t *testing.T) {
	logger := observability.NopLogger()
	store := ledger.NewMemoryStore()
	verifier := ledger.NewVerifier(store)

	c := cron.New()
	require.NoError(t, scheduleJobs(context.Background(), c, "@every 1h", verifier, "", nil, logger))
	assert.Len(t, c.Entries(), 1)

	err := scheduleJobs(context.Background(), cron.New(), "not a schedule", verifier, "", nil, logger)
	assert.ErrorContains(t, err, "invalid verify schedule")
}

func TestRunVerification_CountsBrokenChains(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	writer := ledger.NewWriter(store, ledger.NewLocalLocker())
	for _, tenant := range []string{"acme", "globex"} {
		_, err := writer.Append(ctx, ledger.AppendRequest{
			TenantID:    tenant,
			ActorUserID: "u1",
			Action:      "update",
			EntityType:  "hr_employees",
			EntityID:    "1",
		})
		require.NoError(t, err)
	}

	broken := runVerification(ctx, ledger.NewVerifier(store), observability.NopLogger())
	assert.Zero(t, broken)
}
