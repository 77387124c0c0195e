package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GenesisHash is the prev_hash of the first entry of every tenant chain
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Status is the external anchoring state of an entry
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
)

// Change is the before and after value of one field
type Change struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// Diff maps field name to its change
type Diff map[string]Change

// Entry is one immutable audit record in a tenant's hash chain.
// Only NotaryRef, NotaryAttempts and VerificationStatus change after insert.
type Entry struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenant_id"`
	Seq                int64     `json:"seq"`
	Action             string    `json:"action"`
	EntityType         string    `json:"entity_type"`
	EntityID           string    `json:"entity_id"`
	ActorUserID        string    `json:"actor_user_id"`
	Diff               Diff      `json:"diff"`
	CreatedAt          time.Time `json:"created_at"`
	DiffHash           string    `json:"diff_hash"`
	PrevHash           string    `json:"prev_hash"`
	NotaryRef          string    `json:"notary_ref,omitempty"`
	NotaryAttempts     int       `json:"notary_attempts"`
	VerificationStatus Status    `json:"verification_status"`
	RequestID          string    `json:"request_id,omitempty"`
}

// AppendRequest describes a privileged mutation to record
type AppendRequest struct {
	TenantID    string `json:"tenant_id"`
	ActorUserID string `json:"actor_user_id"`
	Action      string `json:"action"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	Diff        Diff   `json:"diff"`
	RequestID   string `json:"request_id,omitempty"`
}

// Validate rejects requests that can never be appended
func (r AppendRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.TenantID) == "":
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.Action) == "":
		return fmt.Errorf("%w: action is required", ErrInvalidRequest)
	case strings.TrimSpace(r.EntityType) == "":
		return fmt.Errorf("%w: entity_type is required", ErrInvalidRequest)
	}
	return nil
}

// hashInput is the exact field set covered by diff_hash
type hashInput struct {
	TenantID    string `json:"tenant_id"`
	Seq         int64  `json:"seq"`
	Action      string `json:"action"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	ActorUserID string `json:"actor_user_id"`
	Diff        Diff   `json:"diff"`
	CreatedAt   string `json:"created_at"`
	PrevHash    string `json:"prev_hash"`
}

// FormatTime renders a timestamp the way it enters the hash
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ComputeHash returns the hex SHA-256 of the entry's canonical hash input
func ComputeHash(e *Entry) (string, error) {
	diff := e.Diff
	if diff == nil {
		diff = Diff{}
	}
	data, err := CanonicalJSON(hashInput{
		TenantID:    e.TenantID,
		Seq:         e.Seq,
		Action:      e.Action,
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		ActorUserID: e.ActorUserID,
		Diff:        diff,
		CreatedAt:   FormatTime(e.CreatedAt),
		PrevHash:    e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeDiff returns the canonical text of d and the diff decoded back from it,
// so values compare equal to what a store round trip produces
func NormalizeDiff(d Diff) (Diff, []byte, error) {
	if d == nil {
		d = Diff{}
	}
	data, err := CanonicalJSON(d)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to canonicalize diff: %w", err)
	}
	parsed, err := ParseDiff(data)
	if err != nil {
		return nil, nil, err
	}
	return parsed, data, nil
}

// ParseDiff decodes stored diff text, keeping numbers exact
func ParseDiff(data []byte) (Diff, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var d Diff
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("failed to decode diff: %w", err)
	}
	if d == nil {
		d = Diff{}
	}
	return d, nil
}
