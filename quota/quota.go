// Package quota tracks per-user daily request and token counters in Redis.
// Counters key on the UTC date and expire at the next UTC midnight, so the
// rollover needs no scheduled job. Redis INCR makes them linearizable: N
// concurrent chat turns against a limit of L admit exactly min(N, L).
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/config"
)

// Ledger is the daily quota counter store.
type Ledger struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// New connects to Redis and verifies connectivity.
func New(ctx context.Context, cfg config.RedisConfig) (*Ledger, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(client *redis.Client, prefix string) *Ledger {
	if prefix == "" {
		prefix = "quarry"
	}
	return &Ledger{client: client, prefix: prefix, now: time.Now}
}

// WithClock replaces the wall clock. Used by tests to pin the day boundary.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Close releases the Redis connection.
func (l *Ledger) Close() error {
	return l.client.Close()
}

func (l *Ledger) requestKey(userID uint, day string) string {
	return fmt.Sprintf("%s:req:%s:%d", l.prefix, day, userID)
}

func (l *Ledger) tokenKey(userID uint, day string) string {
	return fmt.Sprintf("%s:tok:%s:%d", l.prefix, day, userID)
}

// day returns the current UTC date and the following midnight.
func (l *Ledger) day() (string, time.Time) {
	now := l.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).
		AddDate(0, 0, 1)
	return now.Format("2006-01-02"), midnight
}

// IncrRequests counts one request against today's budget and returns the
// new total. The caller compares it against the user's cap; counting before
// comparing is what makes concurrent turns race-free.
func (l *Ledger) IncrRequests(ctx context.Context, userID uint) (int64, error) {
	day, midnight := l.day()
	key := l.requestKey(userID, day)

	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, common.Wrap(common.KindQueueUnavailable, "incrementing request counter", err)
	}
	// Set the expiry on every increment; it is idempotent and saves a
	// round-trip to test for first use.
	if err := l.client.ExpireAt(ctx, key, midnight).Err(); err != nil {
		return n, common.Wrap(common.KindQueueUnavailable, "expiring request counter", err)
	}
	return n, nil
}

// Tokens returns today's token total for a user, zero when unused.
func (l *Ledger) Tokens(ctx context.Context, userID uint) (int64, error) {
	day, _ := l.day()
	n, err := l.client.Get(ctx, l.tokenKey(userID, day)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, common.Wrap(common.KindQueueUnavailable, "reading token counter", err)
	}
	return n, nil
}

// AddTokens records consumed tokens and returns the new total.
func (l *Ledger) AddTokens(ctx context.Context, userID uint, tokens int64) (int64, error) {
	if tokens <= 0 {
		return l.Tokens(ctx, userID)
	}
	day, midnight := l.day()
	key := l.tokenKey(userID, day)

	n, err := l.client.IncrBy(ctx, key, tokens).Result()
	if err != nil {
		return 0, common.Wrap(common.KindQueueUnavailable, "incrementing token counter", err)
	}
	if err := l.client.ExpireAt(ctx, key, midnight).Err(); err != nil {
		return n, common.Wrap(common.KindQueueUnavailable, "expiring token counter", err)
	}
	return n, nil
}

// Ping verifies connectivity.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
