package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dq-rule-engine/internal/config"
)

// Request asks an executor to run one rule. LeaseToken proves the scheduler
// that enqueued it holds the rule's lease; the executor releases it when done.
type Request struct {
	RuleID     string    `json:"rule_id"`
	LeaseToken string    `json:"lease_token"`
	FiredAt    time.Time `json:"fired_at"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	DryRun     bool      `json:"dry_run,omitempty"`
}

// Queue is the shared execution-request queue between schedulers and executors.
type Queue interface {
	Enqueue(ctx context.Context, req Request) error
	// Dequeue blocks up to wait for a request. ok is false when none arrived.
	Dequeue(ctx context.Context, wait time.Duration) (Request, bool, error)
	Depth(ctx context.Context) (int64, error)
}

// NewClient builds the Redis client shared by the queue and the state tables.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RedisQueue is a FIFO of JSON-encoded requests on a Redis list.
type RedisQueue struct {
	client   *redis.Client
	readyKey string
	dlqKey   string
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue builds a queue on key. Undecodable payloads are parked on key + ":dlq".
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "dq:queue:ready"
	}
	return &RedisQueue{client: client, readyKey: key, dlqKey: key + ":dlq"}
}

func (q *RedisQueue) Enqueue(ctx context.Context, req Request) error {
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return q.client.RPush(ctx, q.readyKey, payload).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (Request, bool, error) {
	res, err := q.client.BLPop(ctx, wait, q.readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, err
	}
	if len(res) != 2 {
		return Request{}, false, fmt.Errorf("unexpected BLPOP reply: %v", res)
	}
	var req Request
	if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
		_ = q.client.RPush(ctx, q.dlqKey, res[1]).Err()
		return Request{}, false, fmt.Errorf("decode request: %w", err)
	}
	return req, true, nil
}

// Depth returns the number of requests waiting.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// DLQPeek reads the oldest payloads that could not be decoded.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}
