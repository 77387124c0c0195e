package flac

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SQLStore persists grants in permission_grants and memberships in tenant_member_roles
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ GrantStore  = (*SQLStore)(nil)
	_ MemberStore = (*SQLStore)(nil)
)

// NewSQLStore creates a store over db
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

const grantColumns = "tenant_id, resource_type, field_name, role, level, updated_at, updated_by"

// GrantsFor implements GrantReader
func (s *SQLStore) GrantsFor(ctx context.Context, tenantID, resourceType string, roles []string) ([]Grant, error) {
	if len(roles) == 0 {
		return nil, nil
	}

	args := make([]interface{}, 0, len(roles)+2)
	args = append(args, tenantID, resourceType)
	placeholders := make([]string, len(roles))
	for i, role := range roles {
		placeholders[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, role)
	}

	query := `
		SELECT ` + grantColumns + `
		FROM permission_grants
		WHERE tenant_id = $1 AND resource_type = $2 AND role IN (` + strings.Join(placeholders, ", ") + `)
	`

	grants, err := s.queryGrants(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}
	return grants, nil
}

// ListGrants implements GrantStore
func (s *SQLStore) ListGrants(ctx context.Context, tenantID, resourceType string) ([]Grant, error) {
	query := `
		SELECT ` + grantColumns + `
		FROM permission_grants
		WHERE tenant_id = $1
	`
	args := []interface{}{tenantID}
	if resourceType != "" {
		query += " AND resource_type = $2"
		args = append(args, resourceType)
	}
	query += " ORDER BY resource_type, field_name, role"

	grants, err := s.queryGrants(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	if grants == nil {
		grants = []Grant{}
	}
	return grants, nil
}

func (s *SQLStore) queryGrants(ctx context.Context, query string, args ...interface{}) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		var level string
		var updatedBy sql.NullString
		if err := rows.Scan(&g.TenantID, &g.ResourceType, &g.FieldName, &g.Role, &level, &g.UpdatedAt, &updatedBy); err != nil {
			return nil, err
		}
		if g.Level, err = ParseLevel(level); err != nil {
			return nil, err
		}
		g.UpdatedBy = updatedBy.String
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// UpsertGrant implements GrantStore
func (s *SQLStore) UpsertGrant(ctx context.Context, grant *Grant) error {
	grant.Normalize()
	if err := grant.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO permission_grants (` + grantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, resource_type, field_name, role)
		DO UPDATE SET level = excluded.level, updated_at = excluded.updated_at, updated_by = excluded.updated_by
	`

	grant.UpdatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, query,
		grant.TenantID,
		grant.ResourceType,
		grant.FieldName,
		grant.Role,
		grant.Level.String(),
		grant.UpdatedAt,
		grant.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert grant: %w", err)
	}
	return nil
}

// RevokeGrant implements GrantStore
func (s *SQLStore) RevokeGrant(ctx context.Context, key GrantKey) error {
	query := `
		DELETE FROM permission_grants
		WHERE tenant_id = $1 AND resource_type = $2 AND field_name = $3 AND role = $4
	`
	result, err := s.db.ExecContext(ctx, query, key.TenantID, key.ResourceType, key.FieldName, key.Role)
	if err != nil {
		return fmt.Errorf("failed to revoke grant: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke grant: %w", err)
	}
	if affected == 0 {
		return ErrGrantNotFound
	}
	return nil
}

// RolesFor implements RoleSource
func (s *SQLStore) RolesFor(ctx context.Context, tenantID, userID string) ([]string, error) {
	query := `
		SELECT role FROM tenant_member_roles
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY role
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	return roles, nil
}

// AssignRole records that userID holds role inside tenantID. Assigning twice is a no-op.
func (s *SQLStore) AssignRole(ctx context.Context, tenantID, userID, role string) error {
	query := `
		INSERT INTO tenant_member_roles (tenant_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, tenantID, userID, role); err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// RemoveRole deletes the membership row if present
func (s *SQLStore) RemoveRole(ctx context.Context, tenantID, userID, role string) error {
	query := `DELETE FROM tenant_member_roles WHERE tenant_id = $1 AND user_id = $2 AND role = $3`
	if _, err := s.db.ExecContext(ctx, query, tenantID, userID, role); err != nil {
		return fmt.Errorf("failed to remove role: %w", err)
	}
	return nil
}
