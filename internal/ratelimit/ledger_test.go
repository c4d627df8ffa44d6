package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseLedger(t *testing.T, ledger Ledger) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		ok, err := ledger.Allow(ctx, "S1", start.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}

	ok, err := ledger.Allow(ctx, "S1", start.Add(10*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "11th request within the hour should be denied")

	ok, err = ledger.Allow(ctx, "S2", start.Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "other owners are unaffected")

	// The first event leaves the window one hour after it was recorded.
	ok, err = ledger.Allow(ctx, "S1", start.Add(60*time.Minute+time.Second))
	require.NoError(t, err)
	assert.True(t, ok, "a slot frees up once the oldest event ages out")

	ok, err = ledger.Allow(ctx, "S1", start.Add(60*time.Minute+2*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "only one slot freed")
}

func TestSlidingWindow_Allow(t *testing.T) {
	exerciseLedger(t, NewSlidingWindow(10, time.Hour))
}

func TestSlidingWindow_DeniedCallsAreNotRecorded(t *testing.T) {
	ledger := NewSlidingWindow(1, time.Hour)
	now := time.Now()

	ok, _ := ledger.Allow(context.Background(), "S1", now)
	assert.True(t, ok)
	for i := 0; i < 5; i++ {
		ok, _ = ledger.Allow(context.Background(), "S1", now)
		assert.False(t, ok)
	}
	assert.Equal(t, 1, ledger.Count("S1", now))
}

func TestRedisLedger_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	exerciseLedger(t, NewRedisLedger(client, 10, time.Hour))
}

func TestRedisLedger_DeniedEventIsRolledBack(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ledger := NewRedisLedger(client, 2, time.Hour)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		_, err := ledger.Allow(ctx, "S1", now)
		require.NoError(t, err)
	}

	members, err := mr.ZMembers("unlock:downloads:S1")
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), mr.Addr())
	require.NoError(t, err)
	_ = client.Close()

	client, err = Connect(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	_ = client.Close()

	_, err = Connect(context.Background(), "redis://%zz")
	assert.Error(t, err)
}
