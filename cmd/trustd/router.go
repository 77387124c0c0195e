package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/REVIVEINC6/nino360-sub015/pkg/adminauthz"
	"github.com/REVIVEINC6/nino360-sub015/pkg/flac"
	"github.com/REVIVEINC6/nino360-sub015/pkg/httputil"
	"github.com/REVIVEINC6/nino360-sub015/pkg/ledger"
	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

const maxRequestBytes = 1 << 20

// apiDeps is everything the admin API mounts
type apiDeps struct {
	grants         flac.GrantStore
	engine         *flac.Engine
	onChange       flac.GrantChangeFunc
	members        flac.MemberStore
	onMemberChange flac.MemberChangeFunc
	ledgerStore    ledger.Store
	verifier       *ledger.Verifier
	deadLetters    ledger.DeadLetterQueue // nil when the audit queue is off
	guard          httputil.Guard
	logger         *observability.Logger
	metrics        *observability.Metrics
}

// newAPIRouter mounts grant administration and ledger inspection under /api/v1
func newAPIRouter(deps apiDeps) http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(
		httputil.RequestIDMiddleware(deps.logger),
		httputil.RecoveryMiddleware,
		httputil.LoggingMiddleware,
		httputil.MaxBytesMiddleware(maxRequestBytes),
		adminauthz.PrincipalMiddleware,
	)
	if deps.metrics != nil {
		api.Use(observability.HTTPMetricsMiddleware(deps.metrics))
	}

	grantHandlers := flac.NewHandlers(deps.grants, deps.engine, deps.onChange)
	if deps.members != nil {
		grantHandlers.WithMembers(deps.members, deps.onMemberChange)
	}
	grantHandlers.RegisterRoutes(api, deps.guard)

	ledgerHandlers := ledger.NewHandlers(deps.ledgerStore, deps.verifier)
	if deps.deadLetters != nil {
		ledgerHandlers.WithDeadLetters(deps.deadLetters)
	}
	ledgerHandlers.RegisterRoutes(api, deps.guard)

	return otelhttp.NewHandler(router, "trustd")
}

// newHealthRouter serves liveness, readiness and, when registry metrics are on, /metrics
func newHealthRouter(checker *observability.HealthChecker, metrics http.Handler) http.Handler {
	router := mux.NewRouter()
	observability.RegisterHealthRoutes(router, checker)
	if metrics != nil {
		router.Handle("/metrics", metrics).Methods("GET")
	}
	return router
}
