package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

// Kind classifies a verification finding
type Kind string

const (
	// KindChainBroken means stored content no longer matches its hash linkage
	KindChainBroken Kind = "CHAIN_BROKEN"
	// KindChainGap means a seq is missing; the surviving entries may still hash correctly
	KindChainGap Kind = "CHAIN_GAP"
)

// Reason details a finding
type Reason string

const (
	ReasonHashMismatch     Reason = "hash_mismatch"
	ReasonPrevHashMismatch Reason = "prev_hash_mismatch"
	ReasonMissingEntry     Reason = "missing_entry"
)

// Report is the outcome of verifying one tenant chain or sub-range
type Report struct {
	TenantID       string    `json:"tenant_id"`
	FromSeq        int64     `json:"from_seq"`
	ToSeq          int64     `json:"to_seq"`
	OK             bool      `json:"ok"`
	Checked        int64     `json:"checked"`
	LastSeq        int64     `json:"last_seq,omitempty"`
	LastHash       string    `json:"last_hash,omitempty"`
	FirstBrokenSeq int64     `json:"first_broken_seq,omitempty"`
	Kind           Kind      `json:"kind,omitempty"`
	Reason         Reason    `json:"reason,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	VerifiedAt     time.Time `json:"verified_at"`
}

func (r *Report) fail(seq int64, kind Kind, reason Reason, detail string) *Report {
	r.OK = false
	r.FirstBrokenSeq = seq
	r.Kind = kind
	r.Reason = reason
	r.Detail = detail
	return r
}

// Verifier recomputes tenant chains. It never writes.
type Verifier struct {
	store       Store
	pageSize    int
	concurrency int
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// VerifierOption configures a Verifier
type VerifierOption func(*Verifier)

// WithPageSize sets how many entries are read per store round trip
func WithPageSize(n int) VerifierOption {
	return func(v *Verifier) {
		if n > 0 {
			v.pageSize = n
		}
	}
}

// WithConcurrency bounds how many tenants VerifyAll checks at once
func WithConcurrency(n int) VerifierOption {
	return func(v *Verifier) {
		if n > 0 {
			v.concurrency = n
		}
	}
}

// WithVerifierLogger sets the logger
func WithVerifierLogger(logger *observability.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = logger }
}

// WithVerifierMetrics enables verification metrics
func WithVerifierMetrics(m *observability.Metrics) VerifierOption {
	return func(v *Verifier) { v.metrics = m }
}

// NewVerifier creates a verifier reading from store
func NewVerifier(store Store, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		store:       store,
		pageSize:    500,
		concurrency: 4,
		logger:      observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks entries fromSeq..toSeq of the tenant chain in ascending order and
// stops at the first finding. fromSeq <= 0 means 1 and toSeq <= 0 means the current
// tail. A sub-range is anchored on the recomputed hash of entry fromSeq-1. The only
// error returned is a store failure or ctx cancellation; findings go in the report.
func (v *Verifier) Verify(ctx context.Context, tenantID string, fromSeq, toSeq int64) (report *Report, err error) {
	ctx, span := observability.StartSpan(ctx, "ledger.Verify", attribute.String("tenant_id", tenantID))
	defer func() {
		observability.EndSpan(span, err)
		switch {
		case err != nil:
			v.metrics.RecordVerification("error")
		case report.OK:
			v.metrics.RecordVerification("ok")
		case report.Kind == KindChainGap:
			v.metrics.RecordVerification("gap")
		default:
			v.metrics.RecordVerification("broken")
		}
	}()

	if fromSeq <= 0 {
		fromSeq = 1
	}
	tailSeq, _, err := v.store.Tail(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if toSeq <= 0 || toSeq > tailSeq {
		toSeq = tailSeq
	}

	report = &Report{TenantID: tenantID, FromSeq: fromSeq, ToSeq: toSeq, OK: true, VerifiedAt: time.Now().UTC()}
	if toSeq < fromSeq {
		return report, nil
	}

	prevHash := GenesisHash
	if fromSeq > 1 {
		anchor, err := v.store.Get(ctx, tenantID, fromSeq-1)
		if errors.Is(err, ErrNotFound) {
			return report.fail(fromSeq-1, KindChainGap, ReasonMissingEntry,
				fmt.Sprintf("entry %d preceding the range is missing", fromSeq-1)), nil
		}
		if err != nil {
			return nil, err
		}
		if prevHash, err = ComputeHash(anchor); err != nil {
			return nil, err
		}
	}

	expected := fromSeq
	for expected <= toSeq {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := v.store.Range(ctx, tenantID, expected, toSeq, v.pageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		for _, e := range page {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if e.Seq != expected {
				return report.fail(expected, KindChainGap, ReasonMissingEntry,
					fmt.Sprintf("expected seq %d, found %d", expected, e.Seq)), nil
			}

			recomputed, err := ComputeHash(e)
			if err != nil {
				return nil, err
			}
			if recomputed != e.DiffHash {
				return report.fail(e.Seq, KindChainBroken, ReasonHashMismatch,
					fmt.Sprintf("stored diff_hash %s, recomputed %s", e.DiffHash, recomputed)), nil
			}
			if e.PrevHash != prevHash {
				return report.fail(e.Seq, KindChainBroken, ReasonPrevHashMismatch,
					fmt.Sprintf("prev_hash %s does not match preceding entry hash %s", e.PrevHash, prevHash)), nil
			}

			prevHash = recomputed
			report.Checked++
			report.LastSeq = e.Seq
			report.LastHash = recomputed
			expected++
		}
	}

	if expected <= toSeq {
		return report.fail(expected, KindChainGap, ReasonMissingEntry,
			fmt.Sprintf("chain ends at %d before %d", expected-1, toSeq)), nil
	}
	return report, nil
}

// VerifyAll verifies every tenant chain with bounded concurrency and returns the
// reports ordered by tenant. Broken chains are logged at error level.
func (v *Verifier) VerifyAll(ctx context.Context, fromSeq, toSeq int64) ([]*Report, error) {
	tenants, err := v.store.Tenants(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	reports := make([]*Report, 0, len(tenants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for _, tenantID := range tenants {
		tenantID := tenantID
		g.Go(func() error {
			report, err := v.Verify(gctx, tenantID, fromSeq, toSeq)
			if err != nil {
				return fmt.Errorf("verify %s: %w", tenantID, err)
			}
			if !report.OK {
				v.logger.WithFields(map[string]interface{}{
					"tenant_id":        tenantID,
					"first_broken_seq": report.FirstBrokenSeq,
					"kind":             string(report.Kind),
					"reason":           string(report.Reason),
				}).Error("ledger chain verification failed")
			}
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].TenantID < reports[j].TenantID })
	return reports, nil
}
