package harvest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remilejeune/udata-harvest/errors"
	harvesttest "github.com/remilejeune/udata-harvest/internal/testing"
)

func TestLaunchQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	q := NewLaunchQueue(harvesttest.CreateTestDB(t))

	empty, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)

	first, err := q.Enqueue(ctx, "alpha", false)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "beta", true)
	require.NoError(t, err)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, LaunchRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)
	assert.True(t, got.Debug)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "running launches are not handed out twice")
}

func TestLaunchQueue_Outcomes(t *testing.T) {
	ctx := context.Background()
	q := NewLaunchQueue(harvesttest.CreateTestDB(t))

	ok, err := q.Enqueue(ctx, "ok", false)
	require.NoError(t, err)
	bad, err := q.Enqueue(ctx, "bad", false)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, ok.ID, "job-1"))
	require.NoError(t, q.Fail(ctx, bad.ID, errors.New("source not found")))

	done, err := q.Get(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, LaunchDone, done.Status)
	assert.Equal(t, "job-1", done.JobID)
	assert.Empty(t, done.Error)
	assert.NotNil(t, done.CompletedAt)

	failed, err := q.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, LaunchFailed, failed.Status)
	assert.Equal(t, "source not found", failed.Error)
	assert.Empty(t, failed.JobID)

	_, err = q.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrLaunchNotFound))
	assert.True(t, IsNotFound(err))
	assert.True(t, errors.Is(q.Complete(ctx, "missing", ""), ErrLaunchNotFound))

	list, err := q.List(ctx, LaunchFailed, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, bad.ID, list[0].ID)

	all, err := q.List(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLaunchQueue_Requeue(t *testing.T) {
	ctx := context.Background()
	q := NewLaunchQueue(harvesttest.CreateTestDB(t))

	a, err := q.Enqueue(ctx, "a", false)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "b", false)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "c", false)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := q.Dequeue(ctx)
		require.NoError(t, err)
	}
	queued, running, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	assert.Equal(t, 2, running)

	require.NoError(t, q.Requeue(ctx, a.ID))
	assert.True(t, errors.Is(q.Requeue(ctx, a.ID), ErrLaunchNotFound), "only running launches are requeued")

	n, err := q.RequeueRunning(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	queued, running, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, queued)
	assert.Zero(t, running)

	got, err := q.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, got.StartedAt)
}

func TestLaunchQueue_Cleanup(t *testing.T) {
	ctx := context.Background()
	q := NewLaunchQueue(harvesttest.CreateTestDB(t))

	finished, err := q.Enqueue(ctx, "finished", false)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, finished.ID, ""))
	pending, err := q.Enqueue(ctx, "pending", false)
	require.NoError(t, err)

	n, err := q.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.Cleanup(ctx, -time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = q.Get(ctx, pending.ID)
	assert.NoError(t, err, "queued launches survive cleanup")
}
