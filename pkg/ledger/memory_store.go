package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-node tooling
type MemoryStore struct {
	mu      sync.RWMutex
	chains  map[string][]*Entry
	byID    map[string]*Entry
	request map[string]*Entry
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains:  make(map[string][]*Entry),
		byID:    make(map[string]*Entry),
		request: make(map[string]*Entry),
	}
}

func clone(e *Entry) *Entry {
	c := *e
	if e.Diff != nil {
		c.Diff = make(Diff, len(e.Diff))
		for k, v := range e.Diff {
			c.Diff[k] = v
		}
	}
	return &c
}

func requestKey(tenantID, requestID string) string {
	return tenantID + "\x00" + requestID
}

// Tail implements Store
func (s *MemoryStore) Tail(_ context.Context, tenantID string) (int64, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[tenantID]
	if len(chain) == 0 {
		return 0, GenesisHash, nil
	}
	last := chain[len(chain)-1]
	return last.Seq, last.DiffHash, nil
}

// Insert implements Store
func (s *MemoryStore) Insert(_ context.Context, e *Entry) error {
	diff, _, err := NormalizeDiff(e.Diff)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[e.TenantID]
	idx := sort.Search(len(chain), func(i int) bool { return chain[i].Seq >= e.Seq })
	if idx < len(chain) && chain[idx].Seq == e.Seq {
		return fmt.Errorf("%w: tenant %s seq %d", ErrSeqConflict, e.TenantID, e.Seq)
	}
	if e.RequestID != "" {
		if _, ok := s.request[requestKey(e.TenantID, e.RequestID)]; ok {
			return fmt.Errorf("%w: tenant %s request %s", ErrSeqConflict, e.TenantID, e.RequestID)
		}
	}

	stored := clone(e)
	stored.Diff = diff
	stored.CreatedAt = e.CreatedAt.UTC()

	chain = append(chain, nil)
	copy(chain[idx+1:], chain[idx:])
	chain[idx] = stored
	s.chains[e.TenantID] = chain
	s.byID[stored.ID] = stored
	if stored.RequestID != "" {
		s.request[requestKey(e.TenantID, e.RequestID)] = stored
	}
	return nil
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, tenantID string, seq int64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[tenantID]
	idx := sort.Search(len(chain), func(i int) bool { return chain[i].Seq >= seq })
	if idx < len(chain) && chain[idx].Seq == seq {
		return clone(chain[idx]), nil
	}
	return nil, ErrNotFound
}

// FindByRequestID implements Store
func (s *MemoryStore) FindByRequestID(_ context.Context, tenantID, requestID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.request[requestKey(tenantID, requestID)]; ok {
		return clone(e), nil
	}
	return nil, ErrNotFound
}

// Range implements Store
func (s *MemoryStore) Range(_ context.Context, tenantID string, fromSeq, toSeq int64, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, e := range s.chains[tenantID] {
		if e.Seq < fromSeq || (toSeq > 0 && e.Seq > toSeq) {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, clone(e))
	}
	return out, nil
}

// Tenants implements Store
func (s *MemoryStore) Tenants(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenants := make([]string, 0, len(s.chains))
	for t, chain := range s.chains {
		if len(chain) > 0 {
			tenants = append(tenants, t)
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

// Pending implements Store
func (s *MemoryStore) Pending(_ context.Context, tenantID string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, e := range s.chains[tenantID] {
		if e.NotaryRef != "" || e.VerificationStatus != StatusPending {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, clone(e))
	}
	return out, nil
}

// MarkAnchored implements Store
func (s *MemoryStore) MarkAnchored(_ context.Context, entryID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[entryID]
	if !ok {
		return ErrNotFound
	}
	if e.NotaryRef == "" {
		e.NotaryRef = ref
		e.VerificationStatus = StatusVerified
	}
	return nil
}

// RecordNotaryFailure implements Store
func (s *MemoryStore) RecordNotaryFailure(_ context.Context, entryID string, maxAttempts int) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[entryID]
	if !ok {
		return "", ErrNotFound
	}
	e.NotaryAttempts++
	if e.NotaryAttempts >= maxAttempts {
		e.VerificationStatus = StatusFailed
	}
	return e.VerificationStatus, nil
}
