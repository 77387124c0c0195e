package ledger

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

// Dispatcher drains a Queue into an Appender
type Dispatcher struct {
	queue         Queue
	appender      Appender
	maxDeliveries int
	workers       int
	pollTimeout   time.Duration
	retryBase     time.Duration
	retryMax      time.Duration
	logger        *observability.Logger
	metrics       *observability.Metrics
}

// DispatcherConfig tunes a Dispatcher
type DispatcherConfig struct {
	// MaxDeliveries is how many times a message is tried before it is dead-lettered
	MaxDeliveries int
	Workers       int
	PollTimeout   time.Duration
	// RetryBase is the delay after the first failed delivery; it doubles on
	// each further failure up to RetryMax.
	RetryBase time.Duration
	RetryMax  time.Duration
}

// NewDispatcher creates a dispatcher; zero config values take defaults
func NewDispatcher(queue Queue, appender Appender, cfg DispatcherConfig, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Minute
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Dispatcher{
		queue:         queue,
		appender:      appender,
		maxDeliveries: cfg.MaxDeliveries,
		workers:       cfg.Workers,
		pollTimeout:   cfg.PollTimeout,
		retryBase:     cfg.RetryBase,
		retryMax:      cfg.RetryMax,
		logger:        logger,
		metrics:       metrics,
	}
}

// ProcessOne handles at most one message. It reports whether a message was found.
func (d *Dispatcher) ProcessOne(ctx context.Context) (bool, error) {
	delivery, err := d.queue.Dequeue(ctx, d.pollTimeout)
	if err != nil || delivery == nil {
		return false, err
	}

	_, appendErr := d.appender.Append(ctx, delivery.Message.Request)

	// The append already happened or failed; queue bookkeeping must not be cut short.
	qctx := context.WithoutCancel(ctx)
	if appendErr == nil {
		return true, d.queue.Ack(qctx, delivery)
	}

	req := delivery.Message.Request
	log := d.logger.WithError(appendErr).WithFields(map[string]interface{}{
		"tenant_id":   req.TenantID,
		"action":      req.Action,
		"entity_type": req.EntityType,
		"entity_id":   req.EntityID,
		"request_id":  req.RequestID,
		"attempts":    delivery.Message.Attempts + 1,
	})

	if errors.Is(appendErr, ErrInvalidRequest) || delivery.Message.Attempts+1 >= d.maxDeliveries {
		d.metrics.RecordDeadLetter()
		d.metrics.RecordAuditFailure("dead_letter")
		log.Error("audit message dead-lettered")
		return true, d.queue.DeadLetter(qctx, delivery, appendErr)
	}

	delay := d.retryDelay(delivery.Message.Attempts)
	log.WithField("retry_in", delay.String()).Warn("audit message append failed, requeueing")
	return true, d.queue.Retry(qctx, delivery, appendErr, delay)
}

// retryDelay is RetryBase doubled once per earlier failure, capped at RetryMax
func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	delay := d.retryBase
	for i := 0; i < attempts && delay < d.retryMax; i++ {
		delay *= 2
	}
	if delay > d.retryMax {
		delay = d.retryMax
	}
	return delay
}

// Run processes messages with the configured worker count until ctx is done
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				if _, err := d.ProcessOne(ctx); err != nil && ctx.Err() == nil {
					d.logger.WithError(err).Warn("audit dispatcher error")
					select {
					case <-ctx.Done():
					case <-time.After(d.pollTimeout):
					}
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			if depth, err := d.queue.Depth(ctx); err == nil {
				d.metrics.SetQueueDepth(depth)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	return g.Wait()
}
