package ledger

import "github.com/REVIVEINC6/nino360-sub015/pkg/storage"

// Migrations returns the PostgreSQL schema for the audit ledger
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     201,
			Description: "Create audit_log table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_log (
					id                  VARCHAR(64)  PRIMARY KEY,
					tenant_id           VARCHAR(255) NOT NULL,
					seq                 BIGINT       NOT NULL CHECK (seq > 0),
					action              VARCHAR(255) NOT NULL,
					entity_type         VARCHAR(255) NOT NULL,
					entity_id           VARCHAR(255) NOT NULL DEFAULT '',
					actor_user_id       VARCHAR(255) NOT NULL DEFAULT '',
					diff                TEXT         NOT NULL,
					created_at          TIMESTAMPTZ  NOT NULL,
					diff_hash           CHAR(64)     NOT NULL,
					prev_hash           CHAR(64)     NOT NULL,
					notary_ref          TEXT,
					notary_attempts     INTEGER      NOT NULL DEFAULT 0,
					verification_status VARCHAR(16)  NOT NULL DEFAULT 'pending'
						CHECK (verification_status IN ('pending', 'verified', 'failed')),
					request_id          VARCHAR(255),
					CONSTRAINT audit_log_tenant_seq UNIQUE (tenant_id, seq),
					CONSTRAINT audit_log_tenant_request UNIQUE (tenant_id, request_id)
				);

				CREATE INDEX IF NOT EXISTS idx_audit_log_pending
					ON audit_log(tenant_id, seq) WHERE notary_ref IS NULL AND verification_status = 'pending';
				CREATE INDEX IF NOT EXISTS idx_audit_log_entity
					ON audit_log(tenant_id, entity_type, entity_id);
			`,
		},
		{
			Version:     202,
			Description: "Make audit_log append-only",
			SQL: `
				CREATE OR REPLACE FUNCTION audit_log_guard() RETURNS trigger AS $$
				BEGIN
					IF TG_OP = 'DELETE' THEN
						RAISE EXCEPTION 'audit_log is append-only';
					END IF;
					IF NEW.id IS DISTINCT FROM OLD.id
						OR NEW.tenant_id IS DISTINCT FROM OLD.tenant_id
						OR NEW.seq IS DISTINCT FROM OLD.seq
						OR NEW.action IS DISTINCT FROM OLD.action
						OR NEW.entity_type IS DISTINCT FROM OLD.entity_type
						OR NEW.entity_id IS DISTINCT FROM OLD.entity_id
						OR NEW.actor_user_id IS DISTINCT FROM OLD.actor_user_id
						OR NEW.diff IS DISTINCT FROM OLD.diff
						OR NEW.created_at IS DISTINCT FROM OLD.created_at
						OR NEW.diff_hash IS DISTINCT FROM OLD.diff_hash
						OR NEW.prev_hash IS DISTINCT FROM OLD.prev_hash
						OR NEW.request_id IS DISTINCT FROM OLD.request_id THEN
						RAISE EXCEPTION 'audit_log hashed columns are immutable';
					END IF;
					RETURN NEW;
				END;
				$$ LANGUAGE plpgsql;

				DROP TRIGGER IF EXISTS audit_log_append_only ON audit_log;
				CREATE TRIGGER audit_log_append_only
					BEFORE UPDATE OR DELETE ON audit_log
					FOR EACH ROW EXECUTE FUNCTION audit_log_guard();
			`,
		},
	}
}
