// Package ledger keeps one append-only, hash-chained audit log per tenant.
//
// Every entry's diff_hash is the SHA-256 of a canonical JSON document covering
// the tenant, seq, action, entity, actor, diff, created_at and the previous
// entry's hash. The first entry links to GenesisHash. Writer serializes appends
// per tenant with a Locker and relies on the store's unique (tenant_id, seq)
// constraint as the last line against forks. Verifier recomputes a chain and
// reports the first CHAIN_BROKEN or CHAIN_GAP finding.
//
// Appends normally travel through a Queue drained by a Dispatcher, so a business
// action never waits on or fails because of the ledger. An Anchorer periodically
// submits pending hashes to a Notary such as S3Notary.
package ledger
