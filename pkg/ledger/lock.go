package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

// Locker serializes appends per tenant. Lock blocks until the tenant's lock is
// held or ctx is done; the returned func releases it.
type Locker interface {
	Lock(ctx context.Context, tenantID string) (unlock func(), err error)
}

// LocalLocker is an in-process per-tenant lock. Different tenants never contend,
// and a tenant's lock is dropped once nobody holds or waits for it.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*tenantLock
}

type tenantLock struct {
	sem  chan struct{}
	refs int
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*tenantLock)}
}

// Lock implements Locker
func (l *LocalLocker) Lock(ctx context.Context, tenantID string) (func(), error) {
	l.mu.Lock()
	tl, ok := l.locks[tenantID]
	if !ok {
		tl = &tenantLock{sem: make(chan struct{}, 1)}
		l.locks[tenantID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(tenantID, tl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-tl.sem
			l.release(tenantID, tl)
		})
	}, nil
}

func (l *LocalLocker) release(tenantID string, tl *tenantLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, tenantID)
	}
}

// size reports how many tenants currently have lock state
func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a per-tenant lock shared by every instance using the same Redis.
// The TTL bounds how long a crashed holder blocks the tenant.
type RedisLocker struct {
	client    *redis.Client
	ttl       time.Duration
	retry     time.Duration
	keyPrefix string
	logger    *observability.Logger
}

// NewRedisLocker creates a distributed locker
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *observability.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RedisLocker{
		client:    client,
		ttl:       ttl,
		retry:     10 * time.Millisecond,
		keyPrefix: "trust:ledger:lock:",
		logger:    logger,
	}
}

// Lock implements Locker
func (l *RedisLocker) Lock(ctx context.Context, tenantID string) (func(), error) {
	key := l.keyPrefix + tenantID
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire ledger lock for %s: %w", tenantID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.WithError(err).WithField("tenant_id", tenantID).Warn("failed to release ledger lock; it will expire")
			}
		})
	}, nil
}
