package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrAuditAppendFailed is the AUDIT_APPEND_FAILED sentinel. Match with errors.Is.
	ErrAuditAppendFailed = errors.New("AUDIT_APPEND_FAILED")

	// ErrSeqConflict means another entry already holds the (tenant, seq) slot
	ErrSeqConflict = errors.New("ledger sequence conflict")

	// ErrInvalidRequest marks an append request that cannot succeed on retry
	ErrInvalidRequest = errors.New("invalid append request")

	// ErrNotFound is returned when an entry does not exist
	ErrNotFound = errors.New("ledger entry not found")
)

// AppendError is returned once every append attempt has failed
type AppendError struct {
	TenantID string
	Attempts int
	Err      error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("AUDIT_APPEND_FAILED: tenant %s after %d attempt(s): %v", e.TenantID, e.Attempts, e.Err)
}

func (e *AppendError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrAuditAppendFailed) match any AppendError
func (e *AppendError) Is(target error) bool {
	return target == ErrAuditAppendFailed
}
