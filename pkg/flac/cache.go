package flac

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

// DefaultInvalidationChannel is the Redis pub/sub channel carrying tenant invalidations
const DefaultInvalidationChannel = "trust:flac:invalidate"

// CachedStore caches a tenant's grants per resource type across requests.
// Every upsert or revoke through the store drops the tenant's entries and, with an
// invalidation bus configured, tells other instances to do the same.
type CachedStore struct {
	inner   GrantStore
	cache   *lru.LRU[string, []Grant]
	redis   *redis.Client
	channel string
	logger  *observability.Logger
	metrics *observability.Metrics

	// generations counts invalidations per tenant. A listing read before an
	// invalidation is not cached after it.
	mu          sync.Mutex
	generations map[string]uint64
}

// CacheOption configures a CachedStore
type CacheOption func(*CachedStore)

// WithInvalidationBus broadcasts and receives invalidations over Redis pub/sub
func WithInvalidationBus(client *redis.Client, channel string) CacheOption {
	return func(c *CachedStore) {
		c.redis = client
		if channel != "" {
			c.channel = channel
		}
	}
}

// WithCacheLogger sets the logger
func WithCacheLogger(logger *observability.Logger) CacheOption {
	return func(c *CachedStore) { c.logger = logger }
}

// WithCacheMetrics records hit/miss/invalidate events
func WithCacheMetrics(m *observability.Metrics) CacheOption {
	return func(c *CachedStore) { c.metrics = m }
}

// NewCachedStore wraps inner with an expiring LRU of size entries
func NewCachedStore(inner GrantStore, size int, ttl time.Duration, opts ...CacheOption) *CachedStore {
	if size <= 0 {
		size = 1024
	}
	c := &CachedStore{
		inner:       inner,
		cache:       lru.NewLRU[string, []Grant](size, nil, ttl),
		channel:     DefaultInvalidationChannel,
		logger:      observability.NopLogger(),
		generations: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cacheKey(tenantID, resourceType string) string {
	return tenantID + "\x00" + resourceType
}

// GrantsFor implements GrantReader from the cached resource type listing
func (c *CachedStore) GrantsFor(ctx context.Context, tenantID, resourceType string, roles []string) ([]Grant, error) {
	if len(roles) == 0 {
		return nil, nil
	}

	key := cacheKey(tenantID, resourceType)
	if grants, ok := c.cache.Get(key); ok {
		c.metrics.RecordCacheEvent("hit")
		return filterByRoles(grants, roles), nil
	}

	c.metrics.RecordCacheEvent("miss")
	gen := c.generation(tenantID)
	grants, err := c.inner.ListGrants(ctx, tenantID, resourceType)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.generations[tenantID] == gen {
		c.cache.Add(key, grants)
	}
	c.mu.Unlock()
	return filterByRoles(grants, roles), nil
}

func (c *CachedStore) generation(tenantID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[tenantID]
}

// ListGrants always reads through to the underlying store
func (c *CachedStore) ListGrants(ctx context.Context, tenantID, resourceType string) ([]Grant, error) {
	return c.inner.ListGrants(ctx, tenantID, resourceType)
}

// UpsertGrant writes through and invalidates the tenant
func (c *CachedStore) UpsertGrant(ctx context.Context, grant *Grant) error {
	if err := c.inner.UpsertGrant(ctx, grant); err != nil {
		return err
	}
	c.invalidate(ctx, grant.TenantID)
	return nil
}

// RevokeGrant writes through and invalidates the tenant
func (c *CachedStore) RevokeGrant(ctx context.Context, key GrantKey) error {
	if err := c.inner.RevokeGrant(ctx, key); err != nil {
		return err
	}
	c.invalidate(ctx, key.TenantID)
	return nil
}

func (c *CachedStore) invalidate(ctx context.Context, tenantID string) {
	c.InvalidateTenant(tenantID)
	if c.redis == nil {
		return
	}
	if err := c.redis.Publish(ctx, c.channel, tenantID).Err(); err != nil {
		c.logger.WithError(err).WithField("tenant_id", tenantID).Warn("failed to publish grant invalidation")
	}
}

// InvalidateTenant drops every cached resource type of tenantID on this instance
func (c *CachedStore) InvalidateTenant(tenantID string) {
	c.mu.Lock()
	c.generations[tenantID]++
	prefix := tenantID + "\x00"
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Remove(key)
		}
	}
	c.mu.Unlock()
	c.metrics.RecordCacheEvent("invalidate")
}

// Listen applies invalidations published by other instances until ctx is done.
// ready, if non-nil, is closed once the subscription is active.
func (c *CachedStore) Listen(ctx context.Context, ready chan<- struct{}) error {
	if c.redis == nil {
		return fmt.Errorf("grant cache: no invalidation bus configured")
	}

	sub := c.redis.Subscribe(ctx, c.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("grant cache: subscribe %s: %w", c.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			c.InvalidateTenant(msg.Payload)
			c.logger.WithField("tenant_id", msg.Payload).Debug("grant cache invalidated by peer")
		}
	}
}
