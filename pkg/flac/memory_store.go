package flac

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory GrantStore and RoleSource used by tests and local tooling
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[GrantKey]Grant
	roles  map[string]map[string]map[string]struct{}
	now    func() time.Time
}

var (
	_ GrantStore  = (*MemoryStore)(nil)
	_ MemberStore = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		grants: make(map[GrantKey]Grant),
		roles:  make(map[string]map[string]map[string]struct{}),
		now:    time.Now,
	}
}

// GrantsFor implements GrantReader
func (s *MemoryStore) GrantsFor(_ context.Context, tenantID, resourceType string, roles []string) ([]Grant, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	set := roleSet(roles)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Grant
	for k, g := range s.grants {
		if k.TenantID != tenantID || k.ResourceType != resourceType {
			continue
		}
		if _, ok := set[k.Role]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

// ListGrants implements GrantStore
func (s *MemoryStore) ListGrants(_ context.Context, tenantID, resourceType string) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Grant{}
	for k, g := range s.grants {
		if k.TenantID != tenantID {
			continue
		}
		if resourceType != "" && k.ResourceType != resourceType {
			continue
		}
		out = append(out, g)
	}
	sortGrants(out)
	return out, nil
}

// UpsertGrant implements GrantStore
func (s *MemoryStore) UpsertGrant(_ context.Context, grant *Grant) error {
	grant.Normalize()
	if err := grant.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	grant.UpdatedAt = s.now().UTC()
	s.grants[grant.Key()] = *grant
	return nil
}

// RevokeGrant implements GrantStore
func (s *MemoryStore) RevokeGrant(_ context.Context, key GrantKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[key]; !ok {
		return ErrGrantNotFound
	}
	delete(s.grants, key)
	return nil
}

// AssignRole gives userID the role inside tenantID
func (s *MemoryStore) AssignRole(_ context.Context, tenantID, userID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, ok := s.roles[tenantID]
	if !ok {
		users = make(map[string]map[string]struct{})
		s.roles[tenantID] = users
	}
	if users[userID] == nil {
		users[userID] = make(map[string]struct{})
	}
	users[userID][role] = struct{}{}
	return nil
}

// RemoveRole takes the role away from userID
func (s *MemoryStore) RemoveRole(_ context.Context, tenantID, userID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.roles[tenantID][userID], role)
	return nil
}

// RolesFor implements RoleSource
func (s *MemoryStore) RolesFor(_ context.Context, tenantID, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for role := range s.roles[tenantID][userID] {
		out = append(out, role)
	}
	sort.Strings(out)
	return out, nil
}
