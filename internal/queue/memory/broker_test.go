package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"adscout/internal/scout"
)

func testBroker(cfg Config) *Broker {
	return NewBroker(cfg, zap.NewNop())
}

func TestBrokerEnqueueDeduplicates(t *testing.T) {
	t.Parallel()

	b := testBroker(Config{})
	ctx := context.Background()
	job := scout.Job{ID: scout.JobID("run-1"), RunID: "run-1", OrganisationID: "org-1"}

	require.NoError(t, b.Enqueue(ctx, job))
	err := b.Enqueue(ctx, job)
	require.ErrorIs(t, err, scout.ErrDuplicateJob)

	snap := b.Counts()
	require.Equal(t, 1, snap.Waiting)
	require.Equal(t, 1, snap.Total)
}

func TestBrokerNextReturnsFIFO(t *testing.T) {
	t.Parallel()

	b := testBroker(Config{})
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, scout.Job{ID: "scrape-a", RunID: "a"}))
	require.NoError(t, b.Enqueue(ctx, scout.Job{ID: "scrape-b", RunID: "b"}))

	first, err := b.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "scrape-a", first.ID)
	require.Equal(t, 1, first.Attempt)

	second, err := b.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "scrape-b", second.ID)

	snap := b.Counts()
	require.Equal(t, 2, snap.Active)
	require.Zero(t, snap.Waiting)
}

func TestBrokerNextBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()

	b := testBroker(Config{})
	ctx := context.Background()

	got := make(chan scout.Job, 1)
	go func() {
		job, err := b.Next(ctx)
		if err == nil {
			got <- job
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Enqueue(ctx, scout.Job{ID: "scrape-late", RunID: "late"}))

	select {
	case job := <-got:
		require.Equal(t, "scrape-late", job.ID)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake after enqueue")
	}
}

func TestBrokerNextHonorsContext(t *testing.T) {
	t.Parallel()

	b := testBroker(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Next(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBrokerFailRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	b := testBroker(Config{MaxAttempts: 3, BackoffBase: 30 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, scout.Job{ID: "scrape-r", RunID: "r"}))

	job, err := b.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, job.Attempt)

	start := time.Now()
	b.Fail(job.ID, errors.New("boom"))
	require.Equal(t, 1, b.Counts().Delayed)

	job, err = b.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, job.Attempt)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// Second failure doubles the delay.
	start = time.Now()
	b.Fail(job.ID, errors.New("boom again"))
	job, err = b.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, job.Attempt)
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestBrokerExhaustedJobLandsInFailedHistory(t *testing.T) {
	t.Parallel()

	b := testBroker(Config{MaxAttempts: 2, BackoffBase: time.Millisecond})
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, scout.Job{ID: "scrape-f", RunID: "f"}))

	for attempt := 1; attempt <= 2; attempt++ {
		job, err := b.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, attempt, job.Attempt)
		b.Fail(job.ID, scout.ErrPollTimeout)
	}

	require.False(t, b.Has("scrape-f"))
	snap := b.Counts()
	require.Equal(t, 1, snap.Failed)
	require.Zero(t, snap.Waiting+snap.Active+snap.Delayed)

	history := b.FailedHistory()
	require.Len(t, history, 1)
	require.Equal(t, "scrape-f", history[0].Job.ID)
	require.Contains(t, history[0].Reason, "did not finish")

	// The run can be resubmitted once the job is terminal.
	require.NoError(t, b.Enqueue(ctx, scout.Job{ID: "scrape-f", RunID: "f"}))
}

func TestBrokerHistoriesAreBounded(t *testing.T) {
	t.Parallel()

	b := testBroker(Config{MaxAttempts: 1, BackoffBase: time.Millisecond, KeepCompleted: 2, KeepFailed: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("scrape-c%d", i)
		require.NoError(t, b.Enqueue(ctx, scout.Job{ID: id, RunID: id}))
		job, err := b.Next(ctx)
		require.NoError(t, err)
		b.Complete(job.ID)
	}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("scrape-x%d", i)
		require.NoError(t, b.Enqueue(ctx, scout.Job{ID: id, RunID: id}))
		job, err := b.Next(ctx)
		require.NoError(t, err)
		b.Fail(job.ID, errors.New("nope"))
	}

	completed := b.CompletedHistory()
	require.Len(t, completed, 2)
	require.Equal(t, "scrape-c3", completed[0].Job.ID)
	require.Equal(t, "scrape-c4", completed[1].Job.ID)

	failed := b.FailedHistory()
	require.Len(t, failed, 3)
	require.Equal(t, "scrape-x2", failed[0].Job.ID)
	require.Equal(t, "scrape-x4", failed[2].Job.ID)

	// Cumulative totals survive the trim.
	snap := b.Counts()
	require.Equal(t, 5, snap.Completed)
	require.Equal(t, 5, snap.Failed)
}

func TestBrokerReapRequeuesStalledJobs(t *testing.T) {
	t.Parallel()

	b := testBroker(Config{StallTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, scout.Job{ID: "scrape-s", RunID: "s"}))

	job, err := b.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, b.Counts().Active)

	// Fresh heartbeat: not stalled.
	b.Heartbeat(job.ID)
	require.Zero(t, b.Reap())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, b.Reap())
	require.Equal(t, 1, b.Counts().Waiting)

	again, err := b.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, again.ID)
	require.Equal(t, 2, again.Attempt)
}

func TestStartReaperRunsUntilCanceled(t *testing.T) {
	t.Parallel()

	b := testBroker(Config{StallTimeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		b.StartReaper(ctx, 5*time.Millisecond)
		close(done)
	}()

	// The reaper is a blocking loop; it must keep ticking while the
	// context is live and return promptly once it is canceled.
	select {
	case <-done:
		t.Fatal("reaper returned while its context was still live")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after cancel")
	}
}

func TestBrokerCloseUnblocksConsumers(t *testing.T) {
	t.Parallel()

	b := testBroker(Config{})
	done := make(chan error, 1)
	go func() {
		_, err := b.Next(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}

	require.ErrorIs(t, b.Enqueue(context.Background(), scout.Job{ID: "scrape-z"}), ErrClosed)
}
