package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewWithClient(client, "test"), mr
}

func TestIncrRequestsCounts(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := l.IncrRequests(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	// Counters are per user.
	n, err := l.IncrRequests(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTokensZeroWhenUnused(t *testing.T) {
	l, _ := testLedger(t)

	n, err := l.Tokens(context.Background(), 9)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAddTokensAccumulates(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	n, err := l.AddTokens(ctx, 1, 120)
	require.NoError(t, err)
	assert.Equal(t, int64(120), n)

	n, err = l.AddTokens(ctx, 1, 80)
	require.NoError(t, err)
	assert.Equal(t, int64(200), n)

	total, err := l.Tokens(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(200), total)
}

func TestAddTokensIgnoresNonPositive(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	_, err := l.AddTokens(ctx, 1, 50)
	require.NoError(t, err)

	n, err := l.AddTokens(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)

	n, err = l.AddTokens(ctx, 1, -10)
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
}

func TestCountersKeyOnUTCDay(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	day1 := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	l.WithClock(func() time.Time { return day1 })

	n, err := l.IncrRequests(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = l.AddTokens(ctx, 1, 500)
	require.NoError(t, err)

	// Ten minutes later it is the next UTC day; budgets reset.
	l.WithClock(func() time.Time { return day1.Add(10 * time.Minute) })

	n, err = l.IncrRequests(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	tokens, err := l.Tokens(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, tokens)
}

func TestCountersExpireAtMidnight(t *testing.T) {
	l, mr := testLedger(t)
	ctx := context.Background()

	_, err := l.IncrRequests(ctx, 1)
	require.NoError(t, err)

	day, _ := l.day()
	ttl := mr.TTL(l.requestKey(1, day))
	assert.Greater(t, ttl, time.Duration(0), "counter must carry an expiry")
	assert.LessOrEqual(t, ttl, 24*time.Hour)
}
