package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"traffic-eye/internal/db"
)

type clock struct {
	t time.Time
}

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func setup(t *testing.T, maxAttempts int) (*Queue, *gorm.DB, *clock) {
	t.Helper()
	database, err := db.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)

	c := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	q := New(database, Options{
		Table:       CloudTable,
		DoneStatus:  StatusDone,
		MaxAttempts: maxAttempts,
		BackoffCap:  300 * time.Second,
		Now:         c.Now,
	})
	return q, database, c
}

func insertViolation(t *testing.T, database *gorm.DB, id string) {
	t.Helper()
	err := database.Exec(
		`INSERT INTO violations (id, type, confidence, timestamp, status, consecutive_frames, created_at, updated_at)
		 VALUES (?, 'no_helmet', 0.8, ?, 'pending', 3, ?, ?)`,
		id, time.Now().UTC(), time.Now().UTC(), time.Now().UTC(),
	).Error
	require.NoError(t, err)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{8, 256 * time.Second},
		{9, 300 * time.Second},
		{100, 300 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempts, 300*time.Second), "attempts=%d", tt.attempts)
	}
}

func TestEnqueueLeaseComplete(t *testing.T) {
	q, database, _ := setup(t, 5)
	ctx := context.Background()
	insertViolation(t, database, "v1")

	id, err := q.Enqueue(ctx, "v1")
	require.NoError(t, err)

	again, err := q.Enqueue(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	jobs, err := q.Lease(ctx, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusProcessing, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Attempts)

	none, err := q.Lease(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, none, "a leased job must not be leased twice")

	require.NoError(t, q.Complete(ctx, id, map[string]any{"is_violation": true}))

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, job.Status)
	assert.JSONEq(t, `{"is_violation": true}`, string(job.ResponseJSON))

	assert.ErrorIs(t, q.Complete(ctx, id, nil), ErrLeaseLost)
	assert.ErrorIs(t, q.Complete(ctx, 999, nil), ErrJobNotFound)
}

func TestLeaseRespectsLimitAndOrder(t *testing.T) {
	q, database, _ := setup(t, 5)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("v%d", i)
		insertViolation(t, database, id)
		_, err := q.Enqueue(ctx, id)
		require.NoError(t, err)
	}

	first, err := q.Lease(ctx, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, "v0", first[0].ViolationID)

	rest, err := q.Lease(ctx, 3)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "v3", rest[0].ViolationID)
}

func TestFailBacksOffThenExhausts(t *testing.T) {
	q, database, c := setup(t, 3)
	ctx := context.Background()
	insertViolation(t, database, "v1")
	id, err := q.Enqueue(ctx, "v1")
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		jobs, err := q.Lease(ctx, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1, "attempt %d", attempt)
		assert.Equal(t, attempt, jobs[0].Attempts)

		terminal, err := q.Fail(ctx, id, errors.New("smtp timeout"))
		require.NoError(t, err)
		assert.Equal(t, attempt == 3, terminal)

		if attempt < 3 {
			early, err := q.Lease(ctx, 1)
			require.NoError(t, err)
			assert.Empty(t, early, "job must wait out its backoff")
			c.Advance(Backoff(attempt, 300*time.Second))
		}
	}

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "smtp timeout", *job.ErrorMessage)

	c.Advance(24 * time.Hour)
	jobs, err := q.Lease(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestLeaseSkipsBackedOffJobsAhead(t *testing.T) {
	q, database, c := setup(t, 20)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("v%d", i)
		insertViolation(t, database, id)
		_, err := q.Enqueue(ctx, id)
		require.NoError(t, err)
	}

	backedOff, err := q.Lease(ctx, 2)
	require.NoError(t, err)
	require.Len(t, backedOff, 2)
	for _, job := range backedOff {
		_, err := q.Fail(ctx, job.ID, errors.New("vision api 503"))
		require.NoError(t, err)
	}

	jobs, err := q.Lease(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "v2", jobs[0].ViolationID)

	c.Advance(2 * time.Second)
	jobs, err = q.Lease(ctx, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "v0", jobs[0].ViolationID)
}

func TestLeaseBackoffAtCeiling(t *testing.T) {
	q, database, c := setup(t, 20)
	ctx := context.Background()
	insertViolation(t, database, "v1")
	id, err := q.Enqueue(ctx, "v1")
	require.NoError(t, err)
	require.NoError(t, database.Exec("UPDATE cloud_queue SET attempts = 11 WHERE id = ?", id).Error)

	jobs, err := q.Lease(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	_, err = q.Fail(ctx, id, errors.New("timeout"))
	require.NoError(t, err)

	c.Advance(299 * time.Second)
	jobs, err = q.Lease(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	c.Advance(time.Second)
	jobs, err = q.Lease(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 13, jobs[0].Attempts)
}

func TestRecoverStaleAfterCrash(t *testing.T) {
	q, database, c := setup(t, 5)
	ctx := context.Background()
	insertViolation(t, database, "v1")
	id, err := q.Enqueue(ctx, "v1")
	require.NoError(t, err)

	_, err = q.Lease(ctx, 1)
	require.NoError(t, err)

	c.Advance(5 * time.Minute)
	n, err := q.RecoverStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "job is still within its processing timeout")

	c.Advance(6 * time.Minute)
	n, err = q.RecoverStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err := q.Lease(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, 2, jobs[0].Attempts)
}

func TestRecoverStaleExhaustedGoesFailed(t *testing.T) {
	q, database, _ := setup(t, 1)
	ctx := context.Background()
	insertViolation(t, database, "v1")
	id, err := q.Enqueue(ctx, "v1")
	require.NoError(t, err)
	_, err = q.Lease(ctx, 1)
	require.NoError(t, err)

	n, err := q.RecoverStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
}

func TestReleaseAndRequeue(t *testing.T) {
	q, database, c := setup(t, 1)
	ctx := context.Background()
	insertViolation(t, database, "v1")
	id, err := q.Enqueue(ctx, "v1")
	require.NoError(t, err)

	_, err = q.Lease(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, q.Release(ctx, id))

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)

	_, err = q.Requeue(ctx, id)
	assert.ErrorIs(t, err, ErrNotFailed)

	c.Advance(2 * time.Second)
	_, err = q.Lease(ctx, 1)
	require.NoError(t, err)
	terminal, err := q.Fail(ctx, id, errors.New("boom"))
	require.NoError(t, err)
	require.True(t, terminal)

	requeued, err := q.Requeue(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, requeued.Status)
	assert.Equal(t, 2, requeued.Attempts)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[StatusPending])
}

func TestSuccessesSince(t *testing.T) {
	q, database, c := setup(t, 5)
	ctx := context.Background()
	insertViolation(t, database, "v1")
	id, err := q.Enqueue(ctx, "v1")
	require.NoError(t, err)
	_, err = q.Lease(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, id, nil))

	times, err := q.SuccessesSince(ctx, c.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, times, 1)

	times, err = q.SuccessesSince(ctx, c.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, times)
}
