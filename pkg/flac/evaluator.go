package flac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

// EffectiveLevels resolves a level for every field from the given grants.
//
// Only grants held by one of roles count. For each field, if any field-specific
// grant exists the result is the highest of those, so an explicit none blocks
// any wildcard. Otherwise the highest wildcard grant applies. Otherwise none.
// The result does not depend on the order of grants, fields or roles.
func EffectiveLevels(grants []Grant, fields []string, roles []string) map[string]Level {
	held := roleSet(roles)

	specific := make(map[string]Level)
	wildcard, hasWildcard := None, false
	for _, g := range grants {
		if _, ok := held[g.Role]; !ok {
			continue
		}
		if g.IsWildcard() {
			wildcard = MaxLevel(wildcard, g.Level)
			hasWildcard = true
			continue
		}
		if cur, ok := specific[g.FieldName]; ok {
			specific[g.FieldName] = MaxLevel(cur, g.Level)
		} else {
			specific[g.FieldName] = g.Level
		}
	}

	levels := make(map[string]Level, len(fields))
	for _, field := range fields {
		switch lvl, ok := specific[field]; {
		case ok:
			levels[field] = lvl
		case hasWildcard:
			levels[field] = wildcard
		default:
			levels[field] = None
		}
	}
	return levels
}

// Evaluator resolves effective field levels against a grant store
type Evaluator struct {
	grants  GrantReader
	metrics *observability.Metrics
}

// NewEvaluator creates an evaluator over grants
func NewEvaluator(grants GrantReader, metrics *observability.Metrics) *Evaluator {
	return &Evaluator{grants: grants, metrics: metrics}
}

// Resolve returns the effective level of each field for a caller holding roles.
// Absence of a grant is not an error; it resolves to None.
func (e *Evaluator) Resolve(ctx context.Context, tenantID, resourceType string, fields, roles []string) (map[string]Level, error) {
	start := time.Now()

	grants, err := e.load(ctx, tenantID, resourceType, roles)
	if err != nil {
		e.metrics.RecordDecision("resolve", "error", time.Since(start))
		return nil, err
	}

	levels := EffectiveLevels(grants, fields, roles)
	e.metrics.RecordDecision("resolve", "ok", time.Since(start))
	return levels, nil
}

func (e *Evaluator) load(ctx context.Context, tenantID, resourceType string, roles []string) ([]Grant, error) {
	if len(roles) == 0 {
		return nil, nil
	}

	rc := requestCacheFrom(ctx)
	if rc == nil {
		return e.grants.GrantsFor(ctx, tenantID, resourceType, roles)
	}

	key := grantsKey(tenantID, resourceType, roles)
	if grants, ok := rc.getGrants(key); ok {
		return grants, nil
	}
	grants, err := e.grants.GrantsFor(ctx, tenantID, resourceType, roles)
	if err != nil {
		return nil, err
	}
	rc.putGrants(key, grants)
	return grants, nil
}

func grantsKey(tenantID, resourceType string, roles []string) string {
	sorted := append([]string(nil), roles...)
	sort.Strings(sorted)
	return fmt.Sprintf("%s\x00%s\x00%s", tenantID, resourceType, strings.Join(sorted, "\x00"))
}

type requestCacheKey struct{}

// requestCache holds grants and roles for the lifetime of one request
type requestCache struct {
	mu     sync.Mutex
	grants map[string][]Grant
	roles  map[string][]string
}

// WithRequestCache attaches a grant and role cache scoped to ctx.
// Grants change between requests, so the cache must not outlive the request.
func WithRequestCache(ctx context.Context) context.Context {
	if requestCacheFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, requestCacheKey{}, &requestCache{
		grants: make(map[string][]Grant),
		roles:  make(map[string][]string),
	})
}

func requestCacheFrom(ctx context.Context) *requestCache {
	rc, _ := ctx.Value(requestCacheKey{}).(*requestCache)
	return rc
}

func (rc *requestCache) getGrants(key string) ([]Grant, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	g, ok := rc.grants[key]
	return g, ok
}

func (rc *requestCache) putGrants(key string, grants []Grant) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.grants[key] = grants
}

func (rc *requestCache) getRoles(key string) ([]string, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	r, ok := rc.roles[key]
	return r, ok
}

func (rc *requestCache) putRoles(key string, roles []string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.roles[key] = roles
}
