package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/hive/internal/cluster"
)

func TestDigestExecutor(t *testing.T) {
	ctx := context.Background()
	task := cluster.Task{ID: "t", Type: cluster.TaskCompute, Payload: []byte("payload")}
	exec := DigestExecutor{}

	result, err := exec.Execute(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, Digest([]byte("payload")), result)

	verdict, err := exec.Validate(ctx, task, result)
	require.NoError(t, err)
	assert.True(t, verdict.Approved)

	verdict, err = exec.Validate(ctx, task, []byte("forged"))
	require.NoError(t, err)
	assert.False(t, verdict.Approved)
	assert.Equal(t, "digest mismatch", verdict.Reason)
}

func TestDigestExecutorHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := DigestExecutor{Delay: time.Minute}.Execute(ctx, cluster.Task{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJobQueue(t *testing.T) {
	q := newJobQueue()
	for _, id := range []string{"a", "b", "c"} {
		q.push(job{kind: jobExecute, id: id})
	}
	assert.Equal(t, 3, q.len())

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		j, ok := q.pop(ctx)
		require.True(t, ok)
		assert.Equal(t, want, j.id)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, ok := q.pop(ctx)
	assert.False(t, ok)
}
