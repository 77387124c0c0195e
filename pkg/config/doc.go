// Package config loads trustd configuration from TRUST_* environment variables.
//
// Server:
//
//	TRUST_HOST="0.0.0.0"
//	TRUST_PORT="8080"
//	TRUST_HEALTH_PORT="9090"
//
// Storage:
//
//	TRUST_POSTGRES_URL="postgres://trust:secret@db:5432/trust?sslmode=disable"
//	TRUST_POSTGRES_REPLICA_URLS="postgres://replica-1/trust,postgres://replica-2/trust"
//	TRUST_REDIS_URL="redis://cache:6379/0"
//	TRUST_S3_BUCKET="ledger-anchors"
//
// Field-level access control:
//
//	TRUST_FLAC_IDENTITY_FIELDS="*=id;hr_employees=id,employee_no"
//	TRUST_FLAC_GRANT_CACHE_TTL="30s"   # 0 disables the cross-request cache
//	TRUST_POLICY_FILE="/etc/trust/policy.yaml"
//
// Ledger and notary:
//
//	TRUST_LEDGER_LOCK_BACKEND="redis"   # local or redis
//	TRUST_LEDGER_QUEUE_ENABLED="true"
//	TRUST_LEDGER_VERIFY_SCHEDULE="0 3 * * *"
//	TRUST_NOTARY_ENABLED="true"
//	TRUST_NOTARY_SCHEDULE="@every 1m"
//
// Admin authorization:
//
//	TRUST_AUTHZ_MODE="enforce"   # enforce, shadow or disabled
//
// LoadConfig validates the combination, e.g. a Redis lock without a Redis URL is rejected.
package config
