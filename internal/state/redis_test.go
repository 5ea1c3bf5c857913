package state

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLeasesAtMostOneHolder(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	leases := NewLeases(client, "test")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := leases.Acquire(ctx, "rule-1", time.Minute)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())

	n, err := leases.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLeaseReleaseRequiresToken(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	leases := NewLeases(client, "test")

	token, ok, err := leases.Acquire(ctx, "rule-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := leases.Release(ctx, "rule-1", "someone-else")
	require.NoError(t, err)
	assert.False(t, released)

	extended, err := leases.Extend(ctx, "rule-1", token, 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)

	released, err = leases.Release(ctx, "rule-1", token)
	require.NoError(t, err)
	assert.True(t, released)

	_, ok, err = leases.Acquire(ctx, "rule-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	leases := NewLeases(client, "test")

	_, ok, err := leases.Acquire(ctx, "rule-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = leases.Acquire(ctx, "rule-1", 30*time.Second)
	assert.False(t, ok)

	mr.FastForward(31 * time.Second)

	_, ok, err = leases.Acquire(ctx, "rule-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease must be reclaimable")
}

func TestHeartbeatRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	leases := NewLeases(client, "test")

	last, err := leases.LastTick(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	at := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
	require.NoError(t, leases.Heartbeat(ctx, at))
	last, err = leases.LastTick(ctx)
	require.NoError(t, err)
	assert.True(t, last.Equal(at))
}

func TestSuppressionCooldown(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	sup := NewSuppression(client, "test")
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	ok, err := sup.TryMark(ctx, "rule-1", base, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = sup.TryMark(ctx, "rule-1", base.Add(5*time.Minute), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	last, found, err := sup.LastAlerted(ctx, "rule-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, last.Equal(base), "suppressed attempts must not move last_alerted_at")

	ok, err = sup.TryMark(ctx, "rule-1", base.Add(time.Hour), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, sup.Reset(ctx, "rule-1"))
	_, found, err = sup.LastAlerted(ctx, "rule-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSuppressionConcurrentMarkEmitsOnce(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	sup := NewSuppression(client, "test")
	now := time.Now()

	var emitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := sup.TryMark(ctx, "rule-1", now, 10*time.Minute)
			assert.NoError(t, err)
			if ok {
				emitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, emitted.Load())
}
