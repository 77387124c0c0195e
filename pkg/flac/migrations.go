package flac

import "github.com/REVIVEINC6/nino360-sub015/pkg/storage"

// Migrations returns the PostgreSQL schema for grants and tenant role memberships
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     101,
			Description: "Create permission_grants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permission_grants (
					tenant_id     VARCHAR(255) NOT NULL,
					resource_type VARCHAR(255) NOT NULL,
					field_name    VARCHAR(255) NOT NULL,
					role          VARCHAR(255) NOT NULL,
					level         VARCHAR(16)  NOT NULL CHECK (level IN ('none', 'read', 'read_write')),
					updated_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
					updated_by    VARCHAR(255) NOT NULL DEFAULT '',
					PRIMARY KEY (tenant_id, resource_type, field_name, role)
				);

				CREATE INDEX IF NOT EXISTS idx_permission_grants_lookup
					ON permission_grants(tenant_id, resource_type, role);
			`,
		},
		{
			Version:     102,
			Description: "Create tenant_member_roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenant_member_roles (
					tenant_id  VARCHAR(255) NOT NULL,
					user_id    VARCHAR(255) NOT NULL,
					role       VARCHAR(255) NOT NULL,
					created_at TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
					PRIMARY KEY (tenant_id, user_id, role)
				);
			`,
		},
	}
}
