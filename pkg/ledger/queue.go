package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// DefaultQueuePrefix namespaces the audit queue lists
const DefaultQueuePrefix = "trust:ledger:queue"

// Message is one queued append request
type Message struct {
	Request    AppendRequest `json:"request"`
	Attempts   int           `json:"attempts"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	LastError  string        `json:"last_error,omitempty"`
}

// Delivery is a dequeued message. It stays in the processing list until it is
// acked, retried or dead-lettered.
type Delivery struct {
	Message Message
	raw     string
}

// Queue is a durable hand-off between request handlers and the ledger writer
type Queue interface {
	Enqueue(ctx context.Context, req AppendRequest) (string, error)
	Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Retry makes the delivery available again once delay has passed
	Retry(ctx context.Context, d *Delivery, cause error, delay time.Duration) error
	DeadLetter(ctx context.Context, d *Delivery, cause error) error
	Depth(ctx context.Context) (int64, error)
}

// DeadLetterQueue lets operators inspect and redrive parked messages
type DeadLetterQueue interface {
	DeadLetters(ctx context.Context, tenantID string, limit int64) ([]Message, error)
	Redrive(ctx context.Context, tenantID string) (int, error)
}

// RedisQueue implements Queue with the reliable-queue list pattern: a message
// moves atomically from pending to processing and is removed only once handled.
// Retried messages wait in a sorted set scored by their not-before time.
type RedisQueue struct {
	client     *redis.Client
	pending    string
	processing string
	delayed    string
	dead       string
	now        func() time.Time
}

// promoteScript moves up to ARGV[2] delayed messages due at ARGV[1] onto pending
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, msg in ipairs(due) do
	redis.call("ZREM", KEYS[1], msg)
	redis.call("LPUSH", KEYS[2], msg)
end
return #due
`)

// redriveScript replaces ARGV[1] on the dead list with ARGV[2] on pending, if it is still there
var redriveScript = redis.NewScript(`
if redis.call("LREM", KEYS[1], 1, ARGV[1]) == 1 then
	redis.call("LPUSH", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

const promoteBatch = 100

// NewRedisQueue creates a queue under prefix; an empty prefix uses DefaultQueuePrefix
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = DefaultQueuePrefix
	}
	return &RedisQueue{
		client:     client,
		pending:    prefix + ":pending",
		processing: prefix + ":processing",
		delayed:    prefix + ":delayed",
		dead:       prefix + ":dead",
		now:        time.Now,
	}
}

// Enqueue adds req to the queue. A request without a request_id gets one so
// redelivery cannot produce a second entry. The request_id is returned.
func (q *RedisQueue) Enqueue(ctx context.Context, req AppendRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	data, err := json.Marshal(Message{Request: req, EnqueuedAt: q.now().UTC()})
	if err != nil {
		return "", fmt.Errorf("failed to encode audit message: %w", err)
	}
	if err := q.client.LPush(ctx, q.pending, data).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue audit message: %w", err)
	}
	return req.RequestID, nil
}

// Dequeue waits up to timeout for a message. It returns (nil, nil) when none arrived.
// Delayed messages that have come due are moved to pending first.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	if _, err := q.promote(ctx); err != nil {
		return nil, err
	}
	raw, err := q.client.BRPopLPush(ctx, q.pending, q.processing, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue audit message: %w", err)
	}

	msg, err := decodeMessage(raw)
	if err != nil {
		// Unparseable payloads can never succeed; park them.
		_, _ = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, q.processing, 1, raw)
			p.LPush(ctx, q.dead, raw)
			return nil
		})
		return nil, fmt.Errorf("failed to decode audit message: %w", err)
	}
	return &Delivery{Message: msg, raw: raw}, nil
}

// Ack removes a handled delivery
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	return q.client.LRem(ctx, q.processing, 1, d.raw).Err()
}

// Retry bumps the attempt count and parks the delivery until delay has passed
func (q *RedisQueue) Retry(ctx context.Context, d *Delivery, cause error, delay time.Duration) error {
	data, err := encodeRetry(d.Message, cause)
	if err != nil {
		return err
	}
	notBefore := q.now().Add(delay).UnixMilli()

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.processing, 1, d.raw)
		p.ZAdd(ctx, q.delayed, &redis.Z{Score: float64(notBefore), Member: data})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue audit message: %w", err)
	}
	return nil
}

// DeadLetter parks the delivery for operator inspection
func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery, cause error) error {
	data, err := encodeRetry(d.Message, cause)
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.processing, 1, d.raw)
		p.LPush(ctx, q.dead, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter audit message: %w", err)
	}
	return nil
}

// decodeMessage keeps diff numbers as exact decimal text
func decodeMessage(raw string) (Message, error) {
	var msg Message
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func encodeRetry(msg Message, cause error) ([]byte, error) {
	msg.Attempts++
	if cause != nil {
		msg.LastError = cause.Error()
	}
	return json.Marshal(msg)
}

func (q *RedisQueue) promote(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{q.delayed, q.pending},
		q.now().UnixMilli(), promoteBatch).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to promote delayed audit messages: %w", err)
	}
	return n, nil
}

// Recover moves deliveries left in processing by a crashed worker back to pending.
// Call it before workers start.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.RPopLPush(ctx, q.processing, q.pending).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// Depth returns the number of messages waiting for delivery, delayed retries included
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	var pending, delayed *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		pending = p.LLen(ctx, q.pending)
		delayed = p.ZCard(ctx, q.delayed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pending.Val() + delayed.Val(), nil
}

// DeadLetters returns up to limit dead-lettered messages of tenantID, newest
// first. An empty tenantID matches every tenant.
func (q *RedisQueue) DeadLetters(ctx context.Context, tenantID string, limit int64) ([]Message, error) {
	raws, err := q.client.LRange(ctx, q.dead, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	out := []Message{}
	for _, raw := range raws {
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		if tenantID != "" && msg.Request.TenantID != tenantID {
			continue
		}
		out = append(out, msg)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

// Redrive moves the dead letters of tenantID back to pending with a fresh
// attempt budget. An empty tenantID redrives every tenant. Payloads that do
// not decode stay parked.
func (q *RedisQueue) Redrive(ctx context.Context, tenantID string) (int, error) {
	raws, err := q.client.LRange(ctx, q.dead, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read dead letters: %w", err)
	}

	n := 0
	for _, raw := range raws {
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		if tenantID != "" && msg.Request.TenantID != tenantID {
			continue
		}
		msg.Attempts = 0
		data, err := json.Marshal(msg)
		if err != nil {
			return n, err
		}

		moved, err := redriveScript.Run(ctx, q.client, []string{q.dead, q.pending}, raw, data).Int()
		if err != nil {
			return n, fmt.Errorf("failed to redrive audit message: %w", err)
		}
		n += moved
	}
	return n, nil
}
