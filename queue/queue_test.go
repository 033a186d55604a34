package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewWithClient(client, "test", log)
}

func TestNewJobStampsFunctionSpec(t *testing.T) {
	job, err := NewJob(FnProcessDocument, QueueDocling, ProcessDocumentArgs{DocumentID: 42})
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, FnProcessDocument, job.Function)
	assert.Equal(t, QueueDocling, job.Queue)
	assert.Equal(t, 3, job.MaxTries)
	assert.Equal(t, 5*time.Second, job.RetryDelay)
	assert.Equal(t, 10*time.Minute, job.Timeout)
	assert.Zero(t, job.Attempt)

	var args ProcessDocumentArgs
	require.NoError(t, job.UnmarshalArgs(&args))
	assert.Equal(t, uint(42), args.DocumentID)
}

func TestNewJobUnknownFunction(t *testing.T) {
	_, err := NewJob("no_such_function", QueueDefault, nil)
	assert.Error(t, err)
}

func TestEnqueueDequeueAck(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	job, err := NewJob(FnDeleteKnowledge, QueueDefault, DeleteKnowledgeArgs{KnowledgeBaseID: 7})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, job))

	depth, err := q.Depth(ctx, QueueDefault)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	got, err := q.Dequeue(ctx, []string{QueueDefault}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, 1, got.Attempt)

	depth, err = q.Depth(ctx, QueueDefault)
	require.NoError(t, err)
	assert.Zero(t, depth)

	require.NoError(t, q.Ack(ctx, got))

	// Payload gone: acked jobs cannot be redelivered.
	loaded, err := q.loadJob(ctx, got.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestDequeueEmptyTimesOut(t *testing.T) {
	q := testQueue(t)

	got, err := q.Dequeue(context.Background(), []string{QueueDefault}, time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDequeuePriorityOrder(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	slow, err := NewJob(FnGenerateTestset, QueueDefault, GenerateTestsetArgs{TestSetID: 1})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, slow))

	urgent, err := NewJob(FnProcessDocument, QueueDocling, ProcessDocumentArgs{DocumentID: 2})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, urgent))

	// The docling queue is listed first, so its job wins.
	got, err := q.Dequeue(ctx, []string{QueueDocling, QueueDefault}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, urgent.ID, got.ID)
}

func TestEnqueueInDelaysDelivery(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	job, err := NewJob(FnRunExperiment, QueueDefault, RunExperimentArgs{ExperimentID: 3})
	require.NoError(t, err)
	require.NoError(t, q.EnqueueIn(ctx, job, time.Hour))

	got, err := q.Dequeue(ctx, []string{QueueDefault}, time.Second)
	require.NoError(t, err)
	assert.Nil(t, got, "delayed job must not deliver before its ready time")
}

func TestPromoteDueDelivers(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	job, err := NewJob(FnRunExperiment, QueueDefault, RunExperimentArgs{ExperimentID: 4})
	require.NoError(t, err)
	// Ready time already in the past; the next dequeue promotes it.
	require.NoError(t, q.EnqueueIn(ctx, job, -time.Second))

	got, err := q.Dequeue(ctx, []string{QueueDefault}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
}

func TestRetryKeepsAttemptCount(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	job, err := NewJob(FnProcessDocument, QueueDefault, ProcessDocumentArgs{DocumentID: 5})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, job))

	first, err := q.Dequeue(ctx, []string{QueueDefault}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, first.Attempt)

	require.NoError(t, q.Retry(ctx, first, -time.Second))

	second, err := q.Dequeue(ctx, []string{QueueDefault}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempt)
}

func TestDiscardDropsJob(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	job, err := NewJob(FnProcessDocument, QueueDefault, ProcessDocumentArgs{DocumentID: 6})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, job))

	got, err := q.Dequeue(ctx, []string{QueueDefault}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, q.Discard(ctx, got))

	again, err := q.Dequeue(ctx, []string{QueueDefault}, time.Second)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestRequeueExpiredRecoversCrashedJobs(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	job, err := NewJob(FnProcessDocument, QueueDefault, ProcessDocumentArgs{DocumentID: 8})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, job))

	got, err := q.Dequeue(ctx, []string{QueueDefault}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	// Deadline not reached: nothing to recover.
	recovered, err := q.RequeueExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, recovered)

	// Past the visibility deadline the job comes back.
	recovered, err = q.RequeueExpired(ctx, time.Now().Add(got.Timeout+time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	redelivered, err := q.Dequeue(ctx, []string{QueueDefault}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, got.ID, redelivered.ID)
	assert.Equal(t, 2, redelivered.Attempt)
}
