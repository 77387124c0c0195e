package flac

import (
	"context"
	"sort"
)

// GrantReader loads the grants the evaluator needs for one decision
type GrantReader interface {
	// GrantsFor returns the grants of tenantID/resourceType held by any of roles.
	// An empty roles slice yields no grants.
	GrantsFor(ctx context.Context, tenantID, resourceType string, roles []string) ([]Grant, error)
}

// GrantStore persists permission grants
type GrantStore interface {
	GrantReader

	// ListGrants returns the tenant's grants, restricted to resourceType when it is non-empty
	ListGrants(ctx context.Context, tenantID, resourceType string) ([]Grant, error)

	// UpsertGrant creates the grant or replaces the level of the existing one
	UpsertGrant(ctx context.Context, grant *Grant) error

	// RevokeGrant deletes the grant; ErrGrantNotFound if none matches
	RevokeGrant(ctx context.Context, key GrantKey) error
}

// RoleSource returns the roles a user holds inside a tenant
type RoleSource interface {
	RolesFor(ctx context.Context, tenantID, userID string) ([]string, error)
}

// MemberStore administers the roles users hold inside a tenant
type MemberStore interface {
	RoleSource

	// AssignRole gives userID role inside tenantID; assigning twice is a no-op
	AssignRole(ctx context.Context, tenantID, userID, role string) error

	// RemoveRole takes role away from userID; removing a role not held is a no-op
	RemoveRole(ctx context.Context, tenantID, userID, role string) error
}

// StaticRoles is a fixed tenant -> user -> roles mapping
type StaticRoles map[string]map[string][]string

// RolesFor implements RoleSource
func (s StaticRoles) RolesFor(_ context.Context, tenantID, userID string) ([]string, error) {
	return append([]string(nil), s[tenantID][userID]...), nil
}

// sortGrants orders grants by resource type, field and role so listings are stable
func sortGrants(grants []Grant) {
	sort.Slice(grants, func(i, j int) bool {
		a, b := grants[i], grants[j]
		if a.ResourceType != b.ResourceType {
			return a.ResourceType < b.ResourceType
		}
		if a.FieldName != b.FieldName {
			return a.FieldName < b.FieldName
		}
		return a.Role < b.Role
	})
}

func roleSet(roles []string) map[string]struct{} {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return set
}

// filterByRoles keeps the grants whose role is in roles
func filterByRoles(grants []Grant, roles []string) []Grant {
	if len(roles) == 0 {
		return nil
	}
	set := roleSet(roles)
	out := make([]Grant, 0, len(grants))
	for _, g := range grants {
		if _, ok := set[g.Role]; ok {
			out = append(out, g)
		}
	}
	return out
}
