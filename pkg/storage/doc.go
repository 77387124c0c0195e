// Package storage opens the backends the trust layer persists to and applies
// its schema.
//
// PostgreSQL holds permission grants, role membership and the audit ledger.
// ConnectionManager keeps the primary pool for writes and optional read
// replicas that verification and export can read from:
//
//	cm, err := storage.NewConnectionManager(ctx, cfg, logger)
//	err = storage.Migrate(ctx, cm.Primary(), logger, flac.Migrations(), ledger.Migrations())
//
// Redis is optional. When configured it backs the distributed per-tenant
// ledger lock, the durable audit queue and grant cache invalidation.
//
// S3 (or any S3-compatible store) is the default notary sink.
package storage
