package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

// Appender records audit entries
type Appender interface {
	Append(ctx context.Context, req AppendRequest) (*Entry, error)
}

// Writer appends entries to tenant hash chains. At most one append per tenant is
// in flight: the read-tail, hash and insert sequence runs under the tenant lock,
// and the store's conditional insert rejects any second claim on a seq.
type Writer struct {
	store       Store
	locker      Locker
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
	newID       func() string
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// WriterOption configures a Writer
type WriterOption func(*Writer)

// WithRetry sets the number of attempts and the base backoff between them
func WithRetry(attempts int, backoff time.Duration) WriterOption {
	return func(w *Writer) {
		if attempts > 0 {
			w.maxAttempts = attempts
		}
		w.backoff = backoff
	}
}

// WithWriterLogger sets the logger
func WithWriterLogger(logger *observability.Logger) WriterOption {
	return func(w *Writer) { w.logger = logger }
}

// WithWriterMetrics enables append metrics
func WithWriterMetrics(m *observability.Metrics) WriterOption {
	return func(w *Writer) { w.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// NewWriter creates a writer; locker defaults to a LocalLocker
func NewWriter(store Store, locker Locker, opts ...WriterOption) *Writer {
	if locker == nil {
		locker = NewLocalLocker()
	}
	w := &Writer{
		store:       store,
		locker:      locker,
		maxAttempts: 3,
		backoff:     25 * time.Millisecond,
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Append records req as the next entry of the tenant's chain. Transient failures
// are retried with the lock re-acquired each time; when every attempt fails the
// result is an *AppendError. A request_id that was already recorded returns the
// existing entry.
func (w *Writer) Append(ctx context.Context, req AppendRequest) (entry *Entry, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	diff, _, err := NormalizeDiff(req.Diff)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Diff = diff

	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "ledger.Append",
		attribute.String("tenant_id", req.TenantID),
		attribute.String("action", req.Action),
	)
	defer func() { observability.EndSpan(span, err) }()

	var lastErr error
	attempts := 0
	for attempts < w.maxAttempts {
		attempts++
		entry, lastErr = w.appendOnce(ctx, req)
		if lastErr == nil {
			span.SetAttributes(attribute.Int64("seq", entry.Seq))
			w.metrics.RecordAppend("ok", time.Since(start))
			return entry, nil
		}
		if ctx.Err() != nil || attempts == w.maxAttempts {
			break
		}

		w.metrics.RecordAppendRetry()
		w.logger.WithError(lastErr).WithFields(map[string]interface{}{
			"tenant_id": req.TenantID,
			"attempt":   attempts,
		}).Warn("ledger append failed, retrying")

		delay := w.backoff << (attempts - 1)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	w.metrics.RecordAppend("failed", time.Since(start))
	w.metrics.RecordAuditFailure("append")
	appendErr := &AppendError{TenantID: req.TenantID, Attempts: attempts, Err: lastErr}
	w.logger.WithError(lastErr).WithFields(map[string]interface{}{
		"tenant_id":   req.TenantID,
		"action":      req.Action,
		"entity_type": req.EntityType,
		"entity_id":   req.EntityID,
		"attempts":    attempts,
	}).Error("audit append failed")
	return nil, appendErr
}

func (w *Writer) appendOnce(ctx context.Context, req AppendRequest) (*Entry, error) {
	unlock, err := w.locker.Lock(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire tenant lock: %w", err)
	}
	defer unlock()

	// Holding the lock: finish or fail explicitly, never stop half way.
	ctx = context.WithoutCancel(ctx)

	if req.RequestID != "" {
		existing, err := w.store.FindByRequestID(ctx, req.TenantID, req.RequestID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	tailSeq, tailHash, err := w.store.Tail(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:                 w.newID(),
		TenantID:           req.TenantID,
		Seq:                tailSeq + 1,
		Action:             req.Action,
		EntityType:         req.EntityType,
		EntityID:           req.EntityID,
		ActorUserID:        req.ActorUserID,
		Diff:               req.Diff,
		CreatedAt:          w.now().UTC().Truncate(time.Microsecond),
		PrevHash:           tailHash,
		VerificationStatus: StatusPending,
		RequestID:          req.RequestID,
	}
	if entry.DiffHash, err = ComputeHash(entry); err != nil {
		return nil, err
	}

	if err := w.store.Insert(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}
