package flac

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

// Engine enforces field-level permissions: write-guard and read-mask.
// It is safe for concurrent use and meant to be built once per process.
type Engine struct {
	evaluator  *Evaluator
	roles      RoleSource
	exemptions atomic.Pointer[Exemptions]
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithExemptions sets the identity fields that always survive read-masking
func WithExemptions(e *Exemptions) EngineOption {
	return func(en *Engine) { en.exemptions.Store(e) }
}

// WithLogger sets the logger used when read-masking fails closed
func WithLogger(logger *observability.Logger) EngineOption {
	return func(en *Engine) { en.logger = logger }
}

// WithMetrics enables decision metrics
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(en *Engine) { en.metrics = m }
}

// NewEngine creates an engine reading grants from grants and caller roles from roles
func NewEngine(grants GrantReader, roles RoleSource, opts ...EngineOption) *Engine {
	e := &Engine{
		roles:  roles,
		logger: observability.NopLogger(),
	}
	e.exemptions.Store(DefaultExemptions())
	for _, opt := range opts {
		opt(e)
	}
	e.evaluator = NewEvaluator(grants, e.metrics)
	return e
}

// SetExemptions swaps the identity field list; used by policy file reloads
func (e *Engine) SetExemptions(ex *Exemptions) {
	e.exemptions.Store(ex)
}

// Exemptions returns the identity field list in effect
func (e *Engine) Exemptions() *Exemptions {
	return e.exemptions.Load()
}

// Resolve evaluates fields for an explicit role set
func (e *Engine) Resolve(ctx context.Context, tenantID, resourceType string, fields, roles []string) (map[string]Level, error) {
	return e.evaluator.Resolve(ctx, tenantID, resourceType, fields, roles)
}

// ResolveForCaller evaluates fields for the roles callerID holds in tenantID
func (e *Engine) ResolveForCaller(ctx context.Context, callerID, tenantID, resourceType string, fields []string) (map[string]Level, error) {
	roles, err := e.callerRoles(ctx, tenantID, callerID)
	if err != nil {
		return nil, err
	}
	return e.evaluator.Resolve(ctx, tenantID, resourceType, fields, roles)
}

func (e *Engine) callerRoles(ctx context.Context, tenantID, callerID string) ([]string, error) {
	rc := requestCacheFrom(ctx)
	key := tenantID + "\x00" + callerID
	if rc != nil {
		if roles, ok := rc.getRoles(key); ok {
			return roles, nil
		}
	}
	roles, err := e.roles.RolesFor(ctx, tenantID, callerID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve roles for %s: %w", callerID, err)
	}
	if rc != nil {
		rc.putRoles(key, roles)
	}
	return roles, nil
}

// EnsureWritePermissions returns nil only if the caller holds read_write on every key of fields.
// Otherwise it returns a *DeniedError naming all offending fields. A lookup failure is
// returned as a plain error; either way the mutation must not proceed.
func (e *Engine) EnsureWritePermissions(ctx context.Context, callerID, tenantID, resourceType string, fields map[string]interface{}) (err error) {
	if len(fields) == 0 {
		return nil
	}

	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "flac.EnsureWritePermissions",
		attribute.String("tenant_id", tenantID),
		attribute.String("resource_type", resourceType),
		attribute.Int("fields", len(fields)),
	)
	defer func() { observability.EndSpan(span, err) }()

	names := fieldNames(fields)
	levels, err := e.ResolveForCaller(ctx, callerID, tenantID, resourceType, names)
	if err != nil {
		e.metrics.RecordDecision("write", "error", time.Since(start))
		return fmt.Errorf("write guard: %w", err)
	}

	var denied []string
	for _, name := range names {
		if !levels[name].CanWrite() {
			denied = append(denied, name)
		}
	}
	if len(denied) > 0 {
		e.metrics.RecordDecision("write", "denied", time.Since(start))
		e.metrics.RecordDeniedFields(resourceType, len(denied))
		return newDeniedError(tenantID, resourceType, denied)
	}

	e.metrics.RecordDecision("write", "allowed", time.Since(start))
	return nil
}

// ApplyFieldPermissions returns a copy of row without the fields the caller cannot read.
// Exempt identity fields are always kept. It never fails: when grants cannot be
// loaded only the exempt fields are returned.
func (e *Engine) ApplyFieldPermissions(ctx context.Context, callerID, tenantID, resourceType string, row map[string]interface{}) map[string]interface{} {
	if row == nil {
		return nil
	}

	start := time.Now()
	exemptions := e.exemptions.Load()

	levels, err := e.ResolveForCaller(ctx, callerID, tenantID, resourceType, fieldNames(row))
	if err != nil {
		e.metrics.RecordDecision("read", "error", time.Since(start))
		observability.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"tenant_id":     tenantID,
			"resource_type": resourceType,
			"caller_id":     callerID,
		}).Warn("read mask failed closed; returning identity fields only")
		levels = nil
	}

	masked := make(map[string]interface{}, len(row))
	removed := 0
	for k, v := range row {
		if exemptions.IsExempt(resourceType, k) || levels[k].CanRead() {
			masked[k] = v
			continue
		}
		removed++
	}

	if err == nil {
		outcome := "passed"
		if removed > 0 {
			outcome = "masked"
		}
		e.metrics.RecordDecision("read", outcome, time.Since(start))
		e.metrics.RecordDeniedFields(resourceType, removed)
	}
	return masked
}

// ApplyFieldPermissionsAll masks each row independently, sharing one request-scoped grant cache
func (e *Engine) ApplyFieldPermissionsAll(ctx context.Context, callerID, tenantID, resourceType string, rows []map[string]interface{}) []map[string]interface{} {
	ctx = WithRequestCache(ctx)
	out := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		out[i] = e.ApplyFieldPermissions(ctx, callerID, tenantID, resourceType, row)
	}
	return out
}

func fieldNames(m map[string]interface{}) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
