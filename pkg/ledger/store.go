package ledger

import "context"

// Store persists audit entries. It exposes no way to edit or delete the hashed
// columns of an entry; only the notary bookkeeping columns can change.
type Store interface {
	// Tail returns the highest seq of the tenant and its diff_hash,
	// or (0, GenesisHash) for an empty chain
	Tail(ctx context.Context, tenantID string) (int64, string, error)

	// Insert writes a new entry. It returns ErrSeqConflict when the (tenant, seq)
	// slot or the (tenant, request_id) pair is already taken.
	Insert(ctx context.Context, e *Entry) error

	// Get returns the entry at seq, or ErrNotFound
	Get(ctx context.Context, tenantID string, seq int64) (*Entry, error)

	// FindByRequestID returns the entry recorded for requestID, or ErrNotFound
	FindByRequestID(ctx context.Context, tenantID, requestID string) (*Entry, error)

	// Range returns up to limit entries with fromSeq <= seq <= toSeq in ascending
	// order; toSeq <= 0 means no upper bound
	Range(ctx context.Context, tenantID string, fromSeq, toSeq int64, limit int) ([]*Entry, error)

	// Tenants lists every tenant that has at least one entry
	Tenants(ctx context.Context) ([]string, error)

	// Pending returns up to limit unanchored entries still in pending status, oldest first
	Pending(ctx context.Context, tenantID string, limit int) ([]*Entry, error)

	// MarkAnchored records the notary reference and marks the entry verified
	MarkAnchored(ctx context.Context, entryID, ref string) error

	// RecordNotaryFailure counts a failed anchoring attempt and marks the entry
	// failed once maxAttempts is reached. It returns the resulting status.
	RecordNotaryFailure(ctx context.Context, entryID string, maxAttempts int) (Status, error)
}
