package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
)

// SQLStore keeps the chain in the audit_log table
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store over db
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const entryColumns = `id, tenant_id, seq, action, entity_type, entity_id, actor_user_id, diff, created_at,
	diff_hash, prev_hash, notary_ref, notary_attempts, verification_status, request_id`

// Tail implements Store
func (s *SQLStore) Tail(ctx context.Context, tenantID string) (int64, string, error) {
	query := `
		SELECT seq, diff_hash FROM audit_log
		WHERE tenant_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`
	var seq int64
	var hash string
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, GenesisHash, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to read chain tail: %w", err)
	}
	return seq, hash, nil
}

// Insert implements Store. The unique constraints on (tenant_id, seq) and
// (tenant_id, request_id) make a losing writer insert nothing.
func (s *SQLStore) Insert(ctx context.Context, e *Entry) error {
	_, diffJSON, err := NormalizeDiff(e.Diff)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_log (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.TenantID,
		e.Seq,
		e.Action,
		e.EntityType,
		e.EntityID,
		e.ActorUserID,
		string(diffJSON),
		e.CreatedAt.UTC(),
		e.DiffHash,
		e.PrevHash,
		nullString(e.NotaryRef),
		e.NotaryAttempts,
		string(e.VerificationStatus),
		nullString(e.RequestID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: tenant %s seq %d", ErrSeqConflict, e.TenantID, e.Seq)
	}
	return nil
}

// Get implements Store
func (s *SQLStore) Get(ctx context.Context, tenantID string, seq int64) (*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM audit_log WHERE tenant_id = $1 AND seq = $2`
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, tenantID, seq))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit entry: %w", err)
	}
	return e, nil
}

// FindByRequestID implements Store
func (s *SQLStore) FindByRequestID(ctx context.Context, tenantID, requestID string) (*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM audit_log WHERE tenant_id = $1 AND request_id = $2`
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, tenantID, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find audit entry by request: %w", err)
	}
	return e, nil
}

// Range implements Store
func (s *SQLStore) Range(ctx context.Context, tenantID string, fromSeq, toSeq int64, limit int) ([]*Entry, error) {
	if toSeq <= 0 {
		toSeq = math.MaxInt64
	}
	if limit <= 0 {
		limit = math.MaxInt32
	}
	query := `
		SELECT ` + entryColumns + `
		FROM audit_log
		WHERE tenant_id = $1 AND seq >= $2 AND seq <= $3
		ORDER BY seq
		LIMIT $4
	`
	return s.queryEntries(ctx, "failed to read audit range", query, tenantID, fromSeq, toSeq, limit)
}

// Tenants implements Store
func (s *SQLStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM audit_log ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// Pending implements Store
func (s *SQLStore) Pending(ctx context.Context, tenantID string, limit int) ([]*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM audit_log
		WHERE tenant_id = $1 AND notary_ref IS NULL AND verification_status = $2
		ORDER BY seq
		LIMIT $3
	`
	return s.queryEntries(ctx, "failed to read pending entries", query, tenantID, string(StatusPending), limit)
}

// MarkAnchored implements Store
func (s *SQLStore) MarkAnchored(ctx context.Context, entryID, ref string) error {
	query := `
		UPDATE audit_log
		SET notary_ref = $1, verification_status = $2
		WHERE id = $3 AND notary_ref IS NULL
	`
	if _, err := s.db.ExecContext(ctx, query, ref, string(StatusVerified), entryID); err != nil {
		return fmt.Errorf("failed to record notary reference: %w", err)
	}
	return nil
}

// RecordNotaryFailure implements Store
func (s *SQLStore) RecordNotaryFailure(ctx context.Context, entryID string, maxAttempts int) (Status, error) {
	query := `
		UPDATE audit_log
		SET notary_attempts = notary_attempts + 1,
			verification_status = CASE WHEN notary_attempts + 1 >= $1 THEN $2 ELSE verification_status END
		WHERE id = $3
		RETURNING verification_status
	`
	var status string
	err := s.db.QueryRowContext(ctx, query, maxAttempts, string(StatusFailed), entryID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to record notary failure: %w", err)
	}
	return Status(status), nil
}

func (s *SQLStore) queryEntries(ctx context.Context, msg, query string, args ...interface{}) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", msg, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var diffJSON, status string
	var notaryRef, requestID sql.NullString

	err := row.Scan(
		&e.ID,
		&e.TenantID,
		&e.Seq,
		&e.Action,
		&e.EntityType,
		&e.EntityID,
		&e.ActorUserID,
		&diffJSON,
		&e.CreatedAt,
		&e.DiffHash,
		&e.PrevHash,
		&notaryRef,
		&e.NotaryAttempts,
		&status,
		&requestID,
	)
	if err != nil {
		return nil, err
	}

	if e.Diff, err = ParseDiff([]byte(diffJSON)); err != nil {
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.NotaryRef = notaryRef.String
	e.RequestID = requestID.String
	e.VerificationStatus = Status(status)
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
