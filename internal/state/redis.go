package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Leases is the Redis-backed LeaseTable. A lease is a key holding a random
// token with a TTL; only the holder of the token may release or extend it.
type Leases struct {
	client *redis.Client
	prefix string
}

var _ LeaseTable = (*Leases)(nil)

func NewLeases(client *redis.Client, prefix string) *Leases {
	if prefix == "" {
		prefix = "dq"
	}
	return &Leases{client: client, prefix: prefix}
}

func (l *Leases) key(ruleID string) string {
	return fmt.Sprintf("%s:lease:%s", l.prefix, ruleID)
}

func (l *Leases) heartbeatKey() string {
	return l.prefix + ":scheduler:last_tick"
}

func (l *Leases) Acquire(ctx context.Context, ruleID string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.key(ruleID), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", ruleID, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *Leases) Release(ctx context.Context, ruleID, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key(ruleID)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("release lease %s: %w", ruleID, err)
	}
	return n == 1, nil
}

func (l *Leases) Extend(ctx context.Context, ruleID, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key(ruleID)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend lease %s: %w", ruleID, err)
	}
	return n == 1, nil
}

// CountActive walks the lease keyspace with SCAN; expired leases are already gone.
func (l *Leases) CountActive(ctx context.Context) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := l.client.Scan(ctx, cursor, l.prefix+":lease:*", 200).Result()
		if err != nil {
			return 0, fmt.Errorf("scan leases: %w", err)
		}
		total += len(keys)
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}

func (l *Leases) Heartbeat(ctx context.Context, at time.Time) error {
	return l.client.Set(ctx, l.heartbeatKey(), at.UnixMilli(), 0).Err()
}

func (l *Leases) LastTick(ctx context.Context) (time.Time, error) {
	raw, err := l.client.Get(ctx, l.heartbeatKey()).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read heartbeat: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse heartbeat %q: %w", raw, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Suppression is the Redis-backed SuppressionTable.
type Suppression struct {
	client *redis.Client
	prefix string
}

var _ SuppressionTable = (*Suppression)(nil)

func NewSuppression(client *redis.Client, prefix string) *Suppression {
	if prefix == "" {
		prefix = "dq"
	}
	return &Suppression{client: client, prefix: prefix}
}

func (s *Suppression) key(ruleID string) string {
	return fmt.Sprintf("%s:suppression:%s", s.prefix, ruleID)
}

func (s *Suppression) TryMark(ctx context.Context, ruleID string, now time.Time, cooldown time.Duration) (bool, error) {
	n, err := markScript.Run(ctx, s.client, []string{s.key(ruleID)}, now.UnixMilli(), cooldown.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("mark suppression %s: %w", ruleID, err)
	}
	return n == 1, nil
}

func (s *Suppression) LastAlerted(ctx context.Context, ruleID string) (time.Time, bool, error) {
	ms, err := s.client.Get(ctx, s.key(ruleID)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read suppression %s: %w", ruleID, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (s *Suppression) Reset(ctx context.Context, ruleID string) error {
	return s.client.Del(ctx, s.key(ruleID)).Err()
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// markScript stores ARGV[1] (now, ms) unless the previous alert is younger than
// ARGV[2] (cooldown, ms).
var markScript = redis.NewScript(`
local last = redis.call('GET', KEYS[1])
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])
if last and (now - tonumber(last)) < cooldown then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)
