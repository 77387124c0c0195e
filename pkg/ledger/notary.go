package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/REVIVEINC6/nino360-sub015/pkg/async"
	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

// Notary anchors entry hashes in an external, independently verifiable sink.
// It returns a reference per anchored hash.
type Notary interface {
	Anchor(ctx context.Context, tenantID string, hashes []string) (map[string]string, error)
}

// Anchorer submits pending entries to a Notary in batches and records the outcome.
// Anchoring failures never affect the chain; entries stay locally verifiable.
type Anchorer struct {
	store       Store
	notary      Notary
	maxAttempts int
	batchSize   int
	workers     int
	timeout     time.Duration
	anchored    *lru.Cache[string, string]
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// AnchorerConfig tunes an Anchorer
type AnchorerConfig struct {
	MaxAttempts int
	BatchSize   int
	Workers     int
	Timeout     time.Duration
	// RecentHashes bounds the memory of recently anchored hashes used for dedupe
	RecentHashes int
}

// NewAnchorer creates an anchorer; zero config values take defaults
func NewAnchorer(store Store, notary Notary, cfg AnchorerConfig, logger *observability.Logger, metrics *observability.Metrics) *Anchorer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RecentHashes <= 0 {
		cfg.RecentHashes = 10000
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	anchored, _ := lru.New[string, string](cfg.RecentHashes)

	return &Anchorer{
		store:       store,
		notary:      notary,
		maxAttempts: cfg.MaxAttempts,
		batchSize:   cfg.BatchSize,
		workers:     cfg.Workers,
		timeout:     cfg.Timeout,
		anchored:    anchored,
		logger:      logger,
		metrics:     metrics,
	}
}

// Submit anchors entries and returns entry ID -> notary reference for every entry
// that is anchored after the call. Entries that already carry a reference are
// reported but not resubmitted, and each distinct diff_hash reaches the notary at
// most once. A notary failure counts an attempt against every affected entry.
func (a *Anchorer) Submit(ctx context.Context, entries []*Entry) (map[string]string, error) {
	refs := make(map[string]string, len(entries))

	byTenant := make(map[string][]*Entry)
	var order []string
	for _, e := range entries {
		if e.NotaryRef != "" {
			refs[e.ID] = e.NotaryRef
			continue
		}
		if _, ok := byTenant[e.TenantID]; !ok {
			order = append(order, e.TenantID)
		}
		byTenant[e.TenantID] = append(byTenant[e.TenantID], e)
	}

	var errs []error
	for _, tenantID := range order {
		if err := a.submitTenant(ctx, tenantID, byTenant[tenantID], refs); err != nil {
			errs = append(errs, err)
		}
	}
	return refs, errors.Join(errs...)
}

func (a *Anchorer) submitTenant(ctx context.Context, tenantID string, entries []*Entry, refs map[string]string) (err error) {
	ctx, span := observability.StartSpan(ctx, "ledger.Anchor",
		attribute.String("tenant_id", tenantID),
		attribute.Int("entries", len(entries)),
	)
	defer func() { observability.EndSpan(span, err) }()

	known := make(map[string]string)
	var fresh []string
	seen := make(map[string]bool)
	for _, e := range entries {
		if seen[e.DiffHash] {
			continue
		}
		seen[e.DiffHash] = true
		if ref, ok := a.anchored.Get(e.DiffHash); ok {
			known[e.DiffHash] = ref
			continue
		}
		fresh = append(fresh, e.DiffHash)
	}

	if len(fresh) > 0 {
		anchoredRefs, err := a.notary.Anchor(ctx, tenantID, fresh)
		if err != nil {
			a.metrics.RecordNotarySubmission("error", 0)
			a.recordFailures(ctx, entries, known)
			return fmt.Errorf("notary anchor for %s: %w", tenantID, err)
		}
		for hash, ref := range anchoredRefs {
			known[hash] = ref
			a.anchored.Add(hash, ref)
		}
	}

	var missing []*Entry
	anchoredCount := 0
	for _, e := range entries {
		ref, ok := known[e.DiffHash]
		if !ok || ref == "" {
			missing = append(missing, e)
			continue
		}
		if err := a.store.MarkAnchored(ctx, e.ID, ref); err != nil {
			return err
		}
		refs[e.ID] = ref
		anchoredCount++
	}
	a.metrics.RecordNotarySubmission("ok", anchoredCount)

	if len(missing) > 0 {
		a.recordFailures(ctx, missing, nil)
		return fmt.Errorf("notary returned no reference for %d entries of %s", len(missing), tenantID)
	}
	return nil
}

// recordFailures counts an attempt for every entry whose hash is not in skip
func (a *Anchorer) recordFailures(ctx context.Context, entries []*Entry, skip map[string]string) {
	for _, e := range entries {
		if _, ok := skip[e.DiffHash]; ok {
			if err := a.store.MarkAnchored(ctx, e.ID, skip[e.DiffHash]); err == nil {
				continue
			}
		}
		status, err := a.store.RecordNotaryFailure(ctx, e.ID, a.maxAttempts)
		if err != nil {
			a.logger.WithError(err).WithField("entry_id", e.ID).Warn("failed to record notary failure")
			continue
		}
		if status == StatusFailed {
			a.logger.WithFields(map[string]interface{}{
				"tenant_id": e.TenantID,
				"seq":       e.Seq,
				"entry_id":  e.ID,
			}).Warn("notary retry budget exhausted; entry remains locally verifiable")
		}
	}
}

// Run anchors one batch of pending entries for every tenant
func (a *Anchorer) Run(ctx context.Context) error {
	tenants, err := a.store.Tenants(ctx)
	if err != nil {
		return err
	}

	errs := async.Batch(ctx, tenants, a.workers, "notary anchor", a.timeout, func(ctx context.Context, tenantID string) error {
		pending, err := a.store.Pending(ctx, tenantID, a.batchSize)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		_, err = a.Submit(ctx, pending)
		return err
	})
	return errors.Join(errs...)
}
