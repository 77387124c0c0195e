package flac

import (
	"fmt"
	"strings"
	"time"
)

// WildcardField is the reserved field name matching every field of a resource type
const WildcardField = "*"

// Grant maps (tenant, resource type, field, role) to a permission level
type Grant struct {
	TenantID     string    `json:"tenant_id" yaml:"tenant_id"`
	ResourceType string    `json:"resource_type" yaml:"resource_type"`
	FieldName    string    `json:"field_name" yaml:"field_name"`
	Role         string    `json:"role" yaml:"role"`
	Level        Level     `json:"level" yaml:"level"`
	UpdatedAt    time.Time `json:"updated_at,omitempty" yaml:"-"`
	UpdatedBy    string    `json:"updated_by,omitempty" yaml:"-"`
}

// GrantKey identifies a grant; at most one grant exists per key
type GrantKey struct {
	TenantID     string
	ResourceType string
	FieldName    string
	Role         string
}

// Key returns the unique key of the grant
func (g Grant) Key() GrantKey {
	return GrantKey{
		TenantID:     g.TenantID,
		ResourceType: g.ResourceType,
		FieldName:    g.FieldName,
		Role:         g.Role,
	}
}

// IsWildcard reports whether the grant applies to every field
func (g Grant) IsWildcard() bool {
	return g.FieldName == WildcardField
}

// Normalize trims surrounding whitespace from the key columns
func (g *Grant) Normalize() {
	g.TenantID = strings.TrimSpace(g.TenantID)
	g.ResourceType = strings.TrimSpace(g.ResourceType)
	g.FieldName = strings.TrimSpace(g.FieldName)
	g.Role = strings.TrimSpace(g.Role)
}

// Validate checks the grant before it is persisted
func (g Grant) Validate() error {
	return g.Key().Validate(g.Level)
}

// Validate checks the key columns and the level
func (k GrantKey) Validate(level Level) error {
	switch {
	case strings.TrimSpace(k.TenantID) == "":
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidGrant)
	case strings.TrimSpace(k.ResourceType) == "":
		return fmt.Errorf("%w: resource_type is required", ErrInvalidGrant)
	case strings.TrimSpace(k.FieldName) == "":
		return fmt.Errorf("%w: field_name is required", ErrInvalidGrant)
	case strings.TrimSpace(k.Role) == "":
		return fmt.Errorf("%w: role is required", ErrInvalidGrant)
	case strings.Contains(k.ResourceType, WildcardField):
		return fmt.Errorf("%w: %q is only valid as a field name", ErrInvalidGrant, WildcardField)
	case strings.Contains(k.Role, WildcardField):
		return fmt.Errorf("%w: %q is only valid as a field name", ErrInvalidGrant, WildcardField)
	case k.FieldName != WildcardField && strings.Contains(k.FieldName, WildcardField):
		return fmt.Errorf("%w: field %q mixes wildcard and name", ErrInvalidGrant, k.FieldName)
	case !level.Valid():
		return fmt.Errorf("%w: level %s", ErrInvalidGrant, level)
	}
	return nil
}
