// Package flac implements field-level access control for multi-tenant resources.
//
// A Grant maps (tenant, resource type, field, role) to a Level: none, read or
// read_write. Absence of a grant means none. The reserved field "*" grants every
// field of a resource type, but any field-specific grant held by the caller wins
// over wildcards, so an explicit none cannot be widened by a wildcard.
//
// The Engine builds two operations on top of the Evaluator:
//
//	// write-guard: all-or-nothing, names every blocked field
//	if err := engine.EnsureWritePermissions(ctx, userID, tenantID, "crm_accounts", changes); err != nil {
//		return err // errors.Is(err, flac.ErrFlacDenied)
//	}
//
//	// read-mask: drops unreadable keys, keeps identity fields, never fails
//	row = engine.ApplyFieldPermissions(ctx, userID, tenantID, "crm_accounts", row)
//
// Stores: SQLStore (PostgreSQL, also runs on SQLite), MemoryStore, and CachedStore,
// an expiring LRU that invalidates a tenant on every grant change and can fan
// invalidations out to other instances over Redis pub/sub.
//
// Identity fields exempt from masking come from Exemptions, configured with
// TRUST_FLAC_IDENTITY_FIELDS or the identity_fields section of the YAML policy file.
package flac
