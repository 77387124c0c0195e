package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

func setupQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisQueue(client, "test:audit"), mr
}

// manualClock drives the queue's notion of now
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(q *RedisQueue) *manualClock {
	c := &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	q.now = c.Now
	return c
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRedisQueue_Lifecycle(t *testing.T) {
	ctx := context.Background()
	q, mr := setupQueue(t)

	id, err := q.Enqueue(ctx, appendReq("T1", 0))
	require.NoError(t, err)
	assert.NotEmpty(t, id, "a request_id is assigned at enqueue")

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	d, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, id, d.Message.Request.RequestID)
	assert.Equal(t, 0, d.Message.Attempts)

	processing, _ := mr.List("test:audit:processing")
	assert.Len(t, processing, 1, "in flight until acked")

	clock := newManualClock(q)
	require.NoError(t, q.Retry(ctx, d, errors.New("db down"), 30*time.Second))
	assert.False(t, mr.Exists("test:audit:processing"))
	assert.False(t, mr.Exists("test:audit:pending"), "parked until the delay passes")
	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "delayed retries count toward depth")

	clock.Advance(29 * time.Second)
	n, err := q.promote(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Second)
	d, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1, d.Message.Attempts)
	assert.Equal(t, "db down", d.Message.LastError)

	require.NoError(t, q.Ack(ctx, d))
	assert.False(t, mr.Exists("test:audit:processing"))
	assert.False(t, mr.Exists("test:audit:pending"))
}

func TestRedisQueue_EmptyAndInvalid(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)

	_, err := q.Enqueue(ctx, AppendRequest{TenantID: "T1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	d, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestRedisQueue_GarbageIsParked(t *testing.T) {
	ctx := context.Background()
	q, mr := setupQueue(t)
	_, err := mr.Lpush("test:audit:pending", "{not json")
	require.NoError(t, err)

	_, err = q.Dequeue(ctx, time.Second)
	assert.ErrorContains(t, err, "failed to decode audit message")
	dead, _ := mr.List("test:audit:dead")
	assert.Equal(t, []string{"{not json"}, dead)
	assert.False(t, mr.Exists("test:audit:processing"))
}

func TestRedisQueue_Recover(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, appendReq("T1", i))
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
	}

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	depth, _ := q.Depth(ctx)
	assert.Equal(t, int64(3), depth)
}

func TestDispatcher_AppendsAndAcks(t *testing.T) {
	ctx := context.Background()
	q, mr := setupQueue(t)
	store := NewMemoryStore()
	d := NewDispatcher(q, NewWriter(store, nil), DispatcherConfig{PollTimeout: time.Second}, nil, nil)

	id, err := q.Enqueue(ctx, appendReq("T1", 0))
	require.NoError(t, err)

	found, err := d.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, found)

	e, err := store.FindByRequestID(ctx, "T1", id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Seq)
	assert.False(t, mr.Exists("test:audit:processing"))
}

func TestDispatcher_RedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)
	store := NewMemoryStore()
	w := NewWriter(store, nil)

	_, err := q.Enqueue(ctx, appendReq("T1", 0))
	require.NoError(t, err)

	// Crash between append and ack: the message is appended but stays in processing.
	delivery, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	_, err = w.Append(ctx, delivery.Message.Request)
	require.NoError(t, err)
	_, err = q.Recover(ctx)
	require.NoError(t, err)

	d := NewDispatcher(q, w, DispatcherConfig{PollTimeout: time.Second}, nil, nil)
	_, err = d.ProcessOne(ctx)
	require.NoError(t, err)

	tail, _, _ := store.Tail(ctx, "T1")
	assert.Equal(t, int64(1), tail)
}

type errAppender struct{ err error }

func (a errAppender) Append(context.Context, AppendRequest) (*Entry, error) {
	return nil, a.err
}

func TestDispatcher_DeadLettersAfterMaxDeliveries(t *testing.T) {
	ctx := context.Background()
	q, mr := setupQueue(t)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	clock := newManualClock(q)
	failure := &AppendError{TenantID: "T1", Attempts: 3, Err: errors.New("db down")}
	d := NewDispatcher(q, errAppender{err: failure}, DispatcherConfig{MaxDeliveries: 3, PollTimeout: time.Second}, nil, metrics)

	_, err := q.Enqueue(ctx, appendReq("T1", 0))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		found, err := d.ProcessOne(ctx)
		require.NoError(t, err)
		assert.True(t, found)
		clock.Advance(time.Hour)
	}

	assert.False(t, mr.Exists("test:audit:pending"))
	assert.False(t, mr.Exists("test:audit:delayed"))
	dead, err := q.DeadLetters(ctx, "T1", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Contains(t, dead[0].LastError, "db down")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuditDeadLettersTotal))
}

func TestDispatcher_InvalidRequestGoesStraightToDead(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)
	d := NewDispatcher(q, errAppender{err: ErrInvalidRequest}, DispatcherConfig{PollTimeout: time.Second}, nil, nil)

	_, err := q.Enqueue(ctx, appendReq("T1", 0))
	require.NoError(t, err)
	_, err = d.ProcessOne(ctx)
	require.NoError(t, err)

	dead, _ := q.DeadLetters(ctx, "", 10)
	assert.Len(t, dead, 1)
}

func TestDispatcher_RetryDelayGrows(t *testing.T) {
	d := NewDispatcher(nil, nil, DispatcherConfig{RetryBase: time.Second, RetryMax: time.Minute}, nil, nil)
	assert.Equal(t, time.Second, d.retryDelay(0))
	assert.Equal(t, 2*time.Second, d.retryDelay(1))
	assert.Equal(t, 16*time.Second, d.retryDelay(4))
	assert.Equal(t, time.Minute, d.retryDelay(6))
	assert.Equal(t, time.Minute, d.retryDelay(1000))
}

// outageAppender fails every append until the clock reaches until
type outageAppender struct {
	clock *manualClock
	until time.Time
	next  Appender
	calls int
}

func (a *outageAppender) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	a.calls++
	if a.clock.Now().Before(a.until) {
		return nil, &AppendError{TenantID: req.TenantID, Attempts: 3, Err: errors.New("connection refused")}
	}
	return a.next.Append(ctx, req)
}

func TestDispatcher_SurvivesOutageLongerThanBackToBackRetries(t *testing.T) {
	ctx := context.Background()
	q, mr := setupQueue(t)
	clock := newManualClock(q)
	store := NewMemoryStore()
	appender := &outageAppender{clock: clock, until: clock.Now().Add(45 * time.Second), next: NewWriter(store, nil)}
	d := NewDispatcher(q, appender, DispatcherConfig{
		MaxDeliveries: 10,
		PollTimeout:   time.Second,
		RetryBase:     time.Second,
		RetryMax:      time.Minute,
	}, nil, nil)

	id, err := q.Enqueue(ctx, appendReq("T1", 0))
	require.NoError(t, err)

	// Step the clock a second at a time and deliver whatever has come due.
	for i := 0; i < 120; i++ {
		if pending, _ := mr.List("test:audit:pending"); len(pending) > 0 {
			_, err := d.ProcessOne(ctx)
			require.NoError(t, err)
		}
		if n, _ := q.promote(ctx); n > 0 {
			_, err := d.ProcessOne(ctx)
			require.NoError(t, err)
		}
		clock.Advance(time.Second)
	}

	dead, err := q.DeadLetters(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, dead, "a 45s outage must not exhaust the delivery budget")

	e, err := store.FindByRequestID(ctx, "T1", id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Seq)
	assert.LessOrEqual(t, appender.calls, 7, "deliveries are spaced out, not back to back")
}

func TestRedisQueue_RedriveByTenant(t *testing.T) {
	ctx := context.Background()
	q, mr := setupQueue(t)

	for _, tenant := range []string{"T1", "T2", "T1"} {
		_, err := q.Enqueue(ctx, appendReq(tenant, 0))
		require.NoError(t, err)
		d, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NoError(t, q.DeadLetter(ctx, d, errors.New("db down")))
	}
	_, err := mr.Lpush("test:audit:dead", "{not json")
	require.NoError(t, err)

	t1, err := q.DeadLetters(ctx, "T1", 10)
	require.NoError(t, err)
	assert.Len(t, t1, 2)
	limited, err := q.DeadLetters(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	n, err := q.Redrive(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	remaining, err := q.DeadLetters(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "T2", remaining[0].Request.TenantID)
	dead, _ := mr.List("test:audit:dead")
	assert.Contains(t, dead, "{not json", "undecodable payloads stay parked")

	d, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "T1", d.Message.Request.TenantID)
	assert.Equal(t, 0, d.Message.Attempts, "redrive restores the delivery budget")
	assert.Equal(t, "db down", d.Message.LastError)
}

func TestDispatcher_Run(t *testing.T) {
	q, _ := setupQueue(t)
	store := NewMemoryStore()
	d := NewDispatcher(q, NewWriter(store, nil), DispatcherConfig{Workers: 3, PollTimeout: time.Second}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 10; i++ {
		_, err := q.Enqueue(ctx, appendReq("T1", i))
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	assert.Eventually(t, func() bool {
		tail, _, _ := store.Tail(context.Background(), "T1")
		return tail == 10
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestRedisQueue_KeepsExactNumbers(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)

	req := appendReq("T1", 0)
	req.Diff = Diff{"balance": {Old: json.Number("123456789012345678901234"), New: json.Number("123456789012345678901235")}}
	_, err := q.Enqueue(ctx, req)
	require.NoError(t, err)

	d, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, json.Number("123456789012345678901235"), d.Message.Request.Diff["balance"].New)
}
