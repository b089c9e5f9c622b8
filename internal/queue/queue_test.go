package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/infra"
)

func setupQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := New(rdb, infra.QueueConfig{
		Name:          "test",
		SimpleTimeout: time.Minute,
		EvalTimeout:   10 * time.Minute,
		Retries:       2,
		StallInterval: time.Second,
	}, nil, zap.NewNop())
	return q, mr
}

func TestEnqueueAppliesDefaults(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	page, err := q.Enqueue(ctx, domain.Job{Domain: "example.com", Page: "https://example.com/"}, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, page.ID)
	assert.Equal(t, time.Minute, page.Timeout)
	assert.Equal(t, 2, page.Retries)
	assert.NotZero(t, page.QueueTime)

	sweep, err := q.Enqueue(ctx, domain.Job{Domain: "example.com"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, sweep.Timeout)
}

func TestReserveAckFIFO(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, domain.Job{Domain: "a.com", URLTarget: "https://x.com/1.js"}, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, domain.Job{Domain: "b.com", URLTarget: "https://x.com/2.js"}, 0)
	require.NoError(t, err)

	job, err := q.Reserve(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, first.ID, job.ID)
	assert.Equal(t, "https://x.com/1.js", job.URLTarget)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, Processing: 1}, stats)

	require.NoError(t, q.Ack(ctx, *job))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1}, stats)
}

func TestReserveEmpty(t *testing.T) {
	q, _ := setupQueue(t)
	job, err := q.Reserve(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDelayedJobBecomesAvailable(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()
	now := time.Now()
	q.now = func() time.Time { return now }

	_, err := q.Enqueue(ctx, domain.Job{Domain: "example.com"}, 5*time.Second)
	require.NoError(t, err)

	job, err := q.Reserve(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, job)

	now = now.Add(6 * time.Second)
	job, err = q.Reserve(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "example.com", job.Domain)
}

func TestFailRetriesThenGivesUp(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.Job{Domain: "example.com"}, 0)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		job, err := q.Reserve(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, attempt-1, job.Attempts)

		retried, err := q.Fail(ctx, *job, errors.New("whois timeout"))
		require.NoError(t, err)
		assert.True(t, retried)
	}

	job, err := q.Reserve(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	retried, err := q.Fail(ctx, *job, errors.New("whois timeout"))
	require.NoError(t, err)
	assert.False(t, retried)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1}, stats)

	failed, err := q.Failed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Equal(t, "whois timeout", failed[0].LastError)
}

func TestReapStalledCountsAttempt(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()
	now := time.Now()
	q.now = func() time.Time { return now }

	_, err := q.Enqueue(ctx, domain.Job{Domain: "example.com", Page: "https://example.com/"}, 0)
	require.NoError(t, err)
	job, err := q.Reserve(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)

	n, err := q.ReapStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease is still valid")

	now = now.Add(2 * time.Minute)
	n, err = q.ReapStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.Reserve(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, "lease expired", again.LastError)

	// второй проход не задваивает
	n, err = q.ReapStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStalledJobExhaustsRetryBudget(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()
	now := time.Now()
	q.now = func() time.Time { return now }

	_, err := q.Enqueue(ctx, domain.Job{Domain: "poison.example"}, 0)
	require.NoError(t, err)

	deliveries := 0
	for round := 0; round < 10; round++ {
		job, err := q.Reserve(ctx, 0)
		require.NoError(t, err)
		if job == nil {
			break
		}
		deliveries++
		now = now.Add(job.Timeout + time.Second)
		_, err = q.ReapStalled(ctx)
		require.NoError(t, err)
	}

	// первая выдача и два повтора
	assert.Equal(t, 3, deliveries)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1}, stats)

	failed, err := q.Failed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Equal(t, "lease expired", failed[0].LastError)
}

func TestReserveLeasesAtomically(t *testing.T) {
	q, mr := setupQueue(t)
	ctx := context.Background()
	now := time.Now()
	q.now = func() time.Time { return now }

	_, err := q.Enqueue(ctx, domain.Job{Domain: "example.com", Page: "https://example.com/"}, 0)
	require.NoError(t, err)
	job, err := q.Reserve(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)

	score, err := mr.ZScore(q.active, job.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(now.Add(time.Minute).UnixMilli()), score)

	processing, err := mr.List(q.processing)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, processing)
}

func TestReserveDropsOrphanID(t *testing.T) {
	q, mr := setupQueue(t)
	ctx := context.Background()

	_, err := mr.Lpush(q.pending, "ghost")
	require.NoError(t, err)

	job, err := q.Reserve(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, job)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.False(t, mr.Exists(q.active))
}

func TestReserveWaitsForJob(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = q.Enqueue(ctx, domain.Job{Domain: "late.example"}, 0)
	}()

	job, err := q.Reserve(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "late.example", job.Domain)
}

func TestRunReaperStopsOnCancel(t *testing.T) {
	q, _ := setupQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.RunReaper(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
