package trust

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/REVIVEINC6/nino360-sub015/pkg/async"
	"github.com/REVIVEINC6/nino360-sub015/pkg/flac"
	"github.com/REVIVEINC6/nino360-sub015/pkg/ledger"
	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

// Provider is the narrow trust interface injected into business actions
type Provider interface {
	Resolve(ctx context.Context, tenantID, resourceType string, fields, roles []string) (map[string]flac.Level, error)
	EnsureWritePermissions(ctx context.Context, callerID, tenantID, resourceType string, fields map[string]interface{}) error
	ApplyFieldPermissions(ctx context.Context, callerID, tenantID, resourceType string, row map[string]interface{}) map[string]interface{}
	ApplyFieldPermissionsAll(ctx context.Context, callerID, tenantID, resourceType string, rows []map[string]interface{}) []map[string]interface{}
	AppendAudit(ctx context.Context, req ledger.AppendRequest) AuditReceipt
}

// AuditMode says how an audit request was handed off
type AuditMode string

const (
	// AuditQueued means the request sits in the durable queue
	AuditQueued AuditMode = "queued"
	// AuditInline means the request is being appended in the background
	AuditInline AuditMode = "inline"
	// AuditDropped means the request was invalid and will never be recorded
	AuditDropped AuditMode = "dropped"
)

// AuditReceipt describes the hand-off of one audit request. It is informational;
// business actions proceed regardless.
type AuditReceipt struct {
	RequestID string
	Mode      AuditMode
	Err       error
}

// Service implements Provider over the FLAC engine and the ledger
type Service struct {
	engine        *flac.Engine
	writer        ledger.Appender
	queue         ledger.Queue
	inlineTimeout time.Duration
	logger        *observability.Logger
	metrics       *observability.Metrics
	inflight      sync.WaitGroup
}

var _ Provider = (*Service)(nil)

// Option configures a Service
type Option func(*Service)

// WithQueue routes AppendAudit through a durable queue
func WithQueue(q ledger.Queue) Option {
	return func(s *Service) { s.queue = q }
}

// WithInlineTimeout bounds a background append when no queue is configured
func WithInlineTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.inlineTimeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics enables audit hand-off metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates the trust service
func NewService(engine *flac.Engine, writer ledger.Appender, opts ...Option) *Service {
	s := &Service{
		engine:        engine,
		writer:        writer,
		inlineTimeout: 10 * time.Second,
		logger:        observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve returns effective levels for a role set
func (s *Service) Resolve(ctx context.Context, tenantID, resourceType string, fields, roles []string) (map[string]flac.Level, error) {
	return s.engine.Resolve(ctx, tenantID, resourceType, fields, roles)
}

// EnsureWritePermissions returns a *flac.DeniedError when the caller may not write
// every field
func (s *Service) EnsureWritePermissions(ctx context.Context, callerID, tenantID, resourceType string, fields map[string]interface{}) error {
	return s.engine.EnsureWritePermissions(ctx, callerID, tenantID, resourceType, fields)
}

// ApplyFieldPermissions masks one row for the caller
func (s *Service) ApplyFieldPermissions(ctx context.Context, callerID, tenantID, resourceType string, row map[string]interface{}) map[string]interface{} {
	return s.engine.ApplyFieldPermissions(ctx, callerID, tenantID, resourceType, row)
}

// ApplyFieldPermissionsAll masks rows for the caller, resolving grants once
func (s *Service) ApplyFieldPermissionsAll(ctx context.Context, callerID, tenantID, resourceType string, rows []map[string]interface{}) []map[string]interface{} {
	return s.engine.ApplyFieldPermissionsAll(ctx, callerID, tenantID, resourceType, rows)
}

// AppendAudit hands req off for recording and returns immediately. The actor
// defaults to the user on ctx. Failures are logged and counted, never returned
// to the business action.
func (s *Service) AppendAudit(ctx context.Context, req ledger.AppendRequest) AuditReceipt {
	if req.ActorUserID == "" {
		req.ActorUserID = observability.GetUserID(ctx)
	}
	log := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"tenant_id":   req.TenantID,
		"action":      req.Action,
		"entity_type": req.EntityType,
		"entity_id":   req.EntityID,
	})

	if err := req.Validate(); err != nil {
		s.metrics.RecordAuditFailure("invalid")
		log.WithError(err).Error("audit request dropped")
		return AuditReceipt{RequestID: req.RequestID, Mode: AuditDropped, Err: err}
	}

	if s.queue != nil {
		id, err := s.queue.Enqueue(ctx, req)
		if err == nil {
			return AuditReceipt{RequestID: id, Mode: AuditQueued}
		}
		s.metrics.RecordAuditFailure("enqueue")
		log.WithError(err).Warn("audit enqueue failed, appending inline")
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	s.appendInline(ctx, req)
	return AuditReceipt{RequestID: req.RequestID, Mode: AuditInline}
}

func (s *Service) appendInline(ctx context.Context, req ledger.AppendRequest) {
	s.inflight.Add(1)
	async.SafeGo(context.WithoutCancel(ctx), s.inlineTimeout, "audit append", func(ctx context.Context) error {
		defer s.inflight.Done()
		// The writer has already logged and counted the failure.
		_, err := s.writer.Append(ctx, req)
		return err
	})
}

// AppendAuditSync appends req and waits for the entry. Use it where the caller
// needs the recorded entry, such as admin tooling; business actions use AppendAudit.
func (s *Service) AppendAuditSync(ctx context.Context, req ledger.AppendRequest) (*ledger.Entry, error) {
	if req.ActorUserID == "" {
		req.ActorUserID = observability.GetUserID(ctx)
	}
	return s.writer.Append(ctx, req)
}

// Wait blocks until background appends have finished or ctx is done
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Grant and membership change audit vocabulary
const (
	ActionGrantUpsert = "flac.grant.upsert"
	ActionGrantRevoke = "flac.grant.revoke"
	EntityGrant       = "permission_grants"

	ActionRoleAssign = "flac.member.assign"
	ActionRoleRemove = "flac.member.remove"
	EntityMember     = "tenant_member_roles"
)

// RecordGrantChange audits a grant mutation; it matches flac.GrantChangeFunc
func (s *Service) RecordGrantChange(ctx context.Context, tenantID, actorID string, before, after *flac.Grant) {
	var key flac.GrantKey
	action := ActionGrantUpsert
	switch {
	case after != nil:
		key = after.Key()
	case before != nil:
		key = before.Key()
		action = ActionGrantRevoke
	default:
		return
	}

	levelOf := func(g *flac.Grant) interface{} {
		if g == nil {
			return nil
		}
		return g.Level.String()
	}
	s.AppendAudit(ctx, ledger.AppendRequest{
		TenantID:    tenantID,
		ActorUserID: actorID,
		Action:      action,
		EntityType:  EntityGrant,
		EntityID:    fmt.Sprintf("%s/%s/%s", key.ResourceType, key.FieldName, key.Role),
		Diff:        ledger.Diff{"level": {Old: levelOf(before), New: levelOf(after)}},
	})
}

// RecordMembershipChange audits a role assignment or removal; it matches flac.MemberChangeFunc
func (s *Service) RecordMembershipChange(ctx context.Context, tenantID, actorID, userID, role string, assigned bool) {
	action := ActionRoleAssign
	change := ledger.Change{New: role}
	if !assigned {
		action = ActionRoleRemove
		change = ledger.Change{Old: role}
	}
	s.AppendAudit(ctx, ledger.AppendRequest{
		TenantID:    tenantID,
		ActorUserID: actorID,
		Action:      action,
		EntityType:  EntityMember,
		EntityID:    userID,
		Diff:        ledger.Diff{"role": change},
	})
}

// IsDenied reports whether err is a FLAC write denial and returns the denied fields
func IsDenied(err error) ([]string, bool) {
	if !errors.Is(err, flac.ErrFlacDenied) {
		return nil, false
	}
	return flac.DeniedFields(err), true
}
