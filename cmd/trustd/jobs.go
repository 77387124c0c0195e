package main

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/REVIVEINC6/nino360-sub015/pkg/ledger"
	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

// scheduleJobs registers the periodic verification and notary sweeps. Either
// schedule may be empty, and anchorer may be nil when notarization is off.
func scheduleJobs(ctx context.Context, c *cron.Cron, verifySchedule string, verifier *ledger.Verifier,
	notarySchedule string, anchorer *ledger.Anchorer, logger *observability.Logger) error {

	if verifySchedule != "" {
		if _, err := c.AddFunc(verifySchedule, func() { runVerification(ctx, verifier, logger) }); err != nil {
			return fmt.Errorf("invalid verify schedule %q: %w", verifySchedule, err)
		}
		logger.WithField("schedule", verifySchedule).Info("scheduled ledger verification")
	}

	if anchorer != nil && notarySchedule != "" {
		_, err := c.AddFunc(notarySchedule, func() {
			if err := anchorer.Run(ctx); err != nil {
				logger.WithError(err).Warn("notary sweep finished with errors")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid notary schedule %q: %w", notarySchedule, err)
		}
		logger.WithField("schedule", notarySchedule).Info("scheduled notary sweep")
	}
	return nil
}

// runVerification verifies every tenant chain and logs a summary. It returns the
// number of broken chains.
func runVerification(ctx context.Context, verifier *ledger.Verifier, logger *observability.Logger) int {
	reports, err := verifier.VerifyAll(ctx, 0, 0)
	if err != nil {
		logger.WithError(err).Error("ledger verification sweep failed")
		return 0
	}

	broken := 0
	for _, r := range reports {
		if !r.OK {
			broken++
		}
	}
	logger.WithFields(map[string]interface{}{
		"tenants": len(reports),
		"broken":  broken,
	}).Info("ledger verification sweep complete")
	return broken
}
