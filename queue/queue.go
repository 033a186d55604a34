// Package queue implements the durable job queue backing the asynchronous
// plane: document processing, knowledge base teardown, test set generation
// and experiment runs. Jobs live in Redis so they survive restarts; delivery
// is at-least-once. Each named queue is a list of job ids; payloads are
// stored per job, delayed retries sit in one ZSET keyed by ready time, and
// in-flight jobs sit in another keyed by their visibility deadline.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/config"
)

// Queue names. Structure-aware parsing is routed to its own queue so a
// dedicated (GPU-capable) worker pool can drain it.
const (
	QueueDefault = "default"
	QueueDocling = "docling"
)

// Job is one unit of background work. Attempt counts deliveries so far;
// MaxTries, RetryDelay and Timeout are stamped from the function table at
// enqueue time and travel with the job.
type Job struct {
	ID         string          `json:"id"`
	Function   string          `json:"function"`
	Args       json.RawMessage `json:"args"`
	Queue      string          `json:"queue"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempt    int             `json:"attempt"`
	MaxTries   int             `json:"max_tries"`
	RetryDelay time.Duration   `json:"retry_delay"`
	Timeout    time.Duration   `json:"timeout"`
}

// NewJob builds a job for a registered function, marshalling args to JSON.
func NewJob(function, queueName string, args interface{}) (*Job, error) {
	spec, ok := SpecFor(function)
	if !ok {
		return nil, fmt.Errorf("unknown job function %q", function)
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshalling args for %s: %w", function, err)
	}

	return &Job{
		ID:         uuid.NewString(),
		Function:   function,
		Args:       raw,
		Queue:      queueName,
		EnqueuedAt: time.Now().UTC(),
		MaxTries:   spec.MaxTries,
		RetryDelay: spec.RetryDelay,
		Timeout:    spec.Timeout,
	}, nil
}

// UnmarshalArgs decodes the job's argument payload into target.
func (j *Job) UnmarshalArgs(target interface{}) error {
	if err := json.Unmarshal(j.Args, target); err != nil {
		return fmt.Errorf("unmarshalling args of job %s (%s): %w", j.ID, j.Function, err)
	}
	return nil
}

// Queue is a Redis-backed job queue client. Safe for concurrent use.
type Queue struct {
	client *redis.Client
	prefix string
	log    *logrus.Logger
}

// New connects to Redis and verifies connectivity.
func New(ctx context.Context, cfg config.RedisConfig, log *logrus.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix, log), nil
}

// NewWithClient wraps an existing Redis client. Used by tests and by
// callers sharing one connection pool between queue and quota ledger.
func NewWithClient(client *redis.Client, prefix string, log *logrus.Logger) *Queue {
	if prefix == "" {
		prefix = "quarry"
	}
	if log == nil {
		log = common.Logger
	}
	return &Queue{client: client, prefix: prefix, log: log}
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) queueKey(name string) string { return q.prefix + ":q:" + name }
func (q *Queue) jobKey(id string) string     { return q.prefix + ":job:" + id }
func (q *Queue) delayedKey() string          { return q.prefix + ":delayed" }
func (q *Queue) processingKey() string       { return q.prefix + ":processing" }

// saveJob persists the job payload.
func (q *Queue) saveJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshalling job %s: %w", job.ID, err)
	}
	return q.client.Set(ctx, q.jobKey(job.ID), raw, 0).Err()
}

// loadJob reads a payload back. Returns nil for a missing payload (already
// acked or discarded).
func (q *Queue) loadJob(ctx context.Context, id string) (*Job, error) {
	raw, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("unmarshalling job %s: %w", id, err)
	}
	return &job, nil
}

// Enqueue makes a job immediately available on its queue.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if err := q.saveJob(ctx, job); err != nil {
		return common.Wrap(common.KindQueueUnavailable, "persisting job", err)
	}
	if err := q.client.RPush(ctx, q.queueKey(job.Queue), job.ID).Err(); err != nil {
		return common.Wrap(common.KindQueueUnavailable, "enqueueing job", err)
	}
	return nil
}

// EnqueueIn schedules a job to become available after delay.
func (q *Queue) EnqueueIn(ctx context.Context, job *Job, delay time.Duration) error {
	if err := q.saveJob(ctx, job); err != nil {
		return common.Wrap(common.KindQueueUnavailable, "persisting job", err)
	}
	err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(time.Now().Add(delay).Unix()),
		Member: job.ID,
	}).Err()
	return common.Wrap(common.KindQueueUnavailable, "scheduling job", err)
}

// promoteDue moves delayed jobs whose ready time has passed onto their
// queues. Runs before every dequeue so no dedicated scheduler is needed.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().Unix())
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		// Only the mover that wins the ZRem pushes, so a job promoted by
		// two workers at once is still delivered once.
		removed, err := q.client.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		job, err := q.loadJob(ctx, id)
		if err != nil {
			return err
		}
		if job == nil {
			continue
		}
		if err := q.client.RPush(ctx, q.queueKey(job.Queue), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue blocks up to block waiting for a job on any of the given queues,
// in priority order. A dequeued job is marked in-flight with a visibility
// deadline of now plus its timeout; crashed workers are recovered by
// RequeueExpired. Returns (nil, nil) when the wait times out.
func (q *Queue) Dequeue(ctx context.Context, queues []string, block time.Duration) (*Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, common.Wrap(common.KindQueueUnavailable, "promoting delayed jobs", err)
	}

	keys := make([]string, len(queues))
	for i, name := range queues {
		keys[i] = q.queueKey(name)
	}

	result, err := q.client.BLPop(ctx, block, keys...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, common.Wrap(common.KindQueueUnavailable, "dequeueing", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	job, err := q.loadJob(ctx, result[1])
	if err != nil {
		return nil, common.Wrap(common.KindQueueUnavailable, "loading job payload", err)
	}
	if job == nil {
		// Payload vanished (discarded while queued); treat as empty poll.
		return nil, nil
	}

	job.Attempt++
	if err := q.saveJob(ctx, job); err != nil {
		return nil, common.Wrap(common.KindQueueUnavailable, "updating job attempt", err)
	}
	err = q.client.ZAdd(ctx, q.processingKey(), redis.Z{
		Score:  float64(time.Now().Add(job.Timeout).Unix()),
		Member: job.ID,
	}).Err()
	if err != nil {
		return nil, common.Wrap(common.KindQueueUnavailable, "marking job in-flight", err)
	}

	return job, nil
}

// Ack removes a finished job and its payload.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), job.ID)
	pipe.Del(ctx, q.jobKey(job.ID))
	_, err := pipe.Exec(ctx)
	return common.Wrap(common.KindQueueUnavailable, "acking job", err)
}

// Retry reschedules a failed job after delay, keeping its attempt count.
func (q *Queue) Retry(ctx context.Context, job *Job, delay time.Duration) error {
	if err := q.client.ZRem(ctx, q.processingKey(), job.ID).Err(); err != nil {
		return common.Wrap(common.KindQueueUnavailable, "removing in-flight mark", err)
	}
	return q.EnqueueIn(ctx, job, delay)
}

// Discard drops a job that exhausted its tries. Same cleanup as Ack; kept
// separate so call sites read correctly.
func (q *Queue) Discard(ctx context.Context, job *Job) error {
	return q.Ack(ctx, job)
}

// RequeueExpired returns jobs whose visibility deadline passed to their
// queues. Called periodically by the worker so jobs held by a crashed
// process are redelivered. Returns the number of jobs recovered.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return 0, common.Wrap(common.KindQueueUnavailable, "scanning in-flight jobs", err)
	}

	recovered := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.processingKey(), id).Result()
		if err != nil {
			return recovered, common.Wrap(common.KindQueueUnavailable, "removing expired mark", err)
		}
		if removed == 0 {
			continue
		}
		job, err := q.loadJob(ctx, id)
		if err != nil {
			return recovered, common.Wrap(common.KindQueueUnavailable, "loading expired job", err)
		}
		if job == nil {
			continue
		}
		if err := q.client.RPush(ctx, q.queueKey(job.Queue), id).Err(); err != nil {
			return recovered, common.Wrap(common.KindQueueUnavailable, "requeueing expired job", err)
		}
		q.log.WithFields(logrus.Fields{
			"job":      id,
			"function": job.Function,
			"attempt":  job.Attempt,
		}).Warn("requeued job past its visibility deadline")
		recovered++
	}
	return recovered, nil
}

// Depth returns the number of jobs waiting on a queue.
func (q *Queue) Depth(ctx context.Context, name string) (int64, error) {
	return q.client.LLen(ctx, q.queueKey(name)).Result()
}

// Ping verifies connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
