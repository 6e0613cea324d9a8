package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, zap.NewNop())
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{Kind: KindProcessJob, JobID: "job-1"}))
	require.NoError(t, q.Enqueue(ctx, Task{Kind: KindProcessChunk, JobID: "job-2", ChunkIndex: 3, Attempt: 1}))

	task, ok, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindProcessJob, task.Kind)
	assert.Equal(t, "job-1", task.JobID)

	task, ok, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, task.ChunkIndex)
	assert.Equal(t, 1, task.Attempt)
}

func TestDepthTracksPendingTasks(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	require.NoError(t, q.Enqueue(ctx, Task{Kind: KindSplitJob, JobID: "job-1"}))
	require.NoError(t, q.Enqueue(ctx, Task{Kind: KindSplitJob, JobID: "job-2"}))

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)
}

func TestDequeueTimesOutEmpty(t *testing.T) {
	q := newTestQueue(t)

	_, ok, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPing(t *testing.T) {
	q := newTestQueue(t)
	assert.NoError(t, q.Ping(context.Background()))
}
