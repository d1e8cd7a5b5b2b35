package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrLeaseLost   = errors.New("job is no longer leased")
	ErrNotFailed   = errors.New("job is not failed")
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusSent       = "sent"
	StatusFailed     = "failed"
)

const (
	CloudTable = "cloud_queue"
	EmailTable = "email_queue"
)

type Job struct {
	ID            int64 `gorm:"primaryKey;autoIncrement"`
	ViolationID   string
	Status        string
	Attempts      int
	LastAttemptAt *time.Time
	ResponseJSON  datatypes.JSON `gorm:"column:response_json"`
	ErrorMessage  *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Options struct {
	// Table is the job table, CloudTable or EmailTable.
	Table string
	// DoneStatus is the status written by Complete.
	DoneStatus  string
	MaxAttempts int
	BackoffCap  time.Duration
	Now         func() time.Time
}

// Queue is a durable job table. Every mutation runs in a single transaction and
// lease uses a conditional update so a job is held by at most one worker.
type Queue struct {
	db   *gorm.DB
	opts Options
}

func New(db *gorm.DB, opts Options) *Queue {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DoneStatus == "" {
		opts.DoneStatus = StatusDone
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 300 * time.Second
	}
	return &Queue{db: db, opts: opts}
}

func (q *Queue) Name() string {
	return q.opts.Table
}

func (q *Queue) now() time.Time {
	return q.opts.Now().UTC()
}

func (q *Queue) table(ctx context.Context) *gorm.DB {
	return q.db.WithContext(ctx).Table(q.opts.Table)
}

// Backoff returns min(cap, 2^attempts seconds).
func Backoff(attempts int, ceiling time.Duration) time.Duration {
	if attempts <= 0 {
		return 0
	}
	if attempts >= 32 {
		return ceiling
	}
	d := time.Duration(math.Pow(2, float64(attempts))) * time.Second
	if d > ceiling {
		return ceiling
	}
	return d
}

// Enqueue adds a pending job for violationID. A violation has at most one job
// per table; enqueueing again returns the existing job id.
func (q *Queue) Enqueue(ctx context.Context, violationID string) (int64, error) {
	var id int64
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Job
		err := tx.Table(q.opts.Table).Where("violation_id = ?", violationID).First(&existing).Error
		if err == nil {
			id = existing.ID
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := q.now()
		job := Job{
			ViolationID: violationID,
			Status:      StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Table(q.opts.Table).Create(&job).Error; err != nil {
			return err
		}
		id = job.ID
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", q.opts.Table, err)
	}
	return id, nil
}

// Lease marks up to limit eligible pending jobs as processing and returns them.
// A retried job is eligible once its backoff since the last attempt has elapsed.
func (q *Queue) Lease(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	var leased []Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := q.now()
		eligible, args := q.eligibleClause(now)
		query := tx.Table(q.opts.Table).
			Where("status = ?", StatusPending).
			Where(eligible, args...).
			Order("id ASC").
			Limit(limit)
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var pending []Job
		if err := query.Find(&pending).Error; err != nil {
			return err
		}

		for _, job := range pending {
			res := tx.Table(q.opts.Table).
				Where("id = ? AND status = ?", job.ID, StatusPending).
				Updates(map[string]any{
					"status":          StatusProcessing,
					"attempts":        gorm.Expr("attempts + 1"),
					"last_attempt_at": now,
					"updated_at":      now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				continue
			}

			job.Status = StatusProcessing
			job.Attempts++
			job.LastAttemptAt = &now
			job.UpdatedAt = now
			leased = append(leased, job)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lease %s: %w", q.opts.Table, err)
	}
	return leased, nil
}

// eligibleClause is the backoff test as a WHERE condition: one term per attempt
// count whose delay is below the ceiling, then one term for the rest.
func (q *Queue) eligibleClause(now time.Time) (string, []any) {
	terms := []string{"attempts = 0", "last_attempt_at IS NULL"}
	var args []any
	for k := 1; ; k++ {
		d := Backoff(k, q.opts.BackoffCap)
		if d >= q.opts.BackoffCap || k >= 32 {
			terms = append(terms, "(attempts >= ? AND last_attempt_at <= ?)")
			args = append(args, k, now.Add(-d))
			break
		}
		terms = append(terms, "(attempts = ? AND last_attempt_at <= ?)")
		args = append(args, k, now.Add(-d))
	}
	return "(" + strings.Join(terms, " OR ") + ")", args
}

// Complete resolves a leased job with the done status and an optional response payload.
func (q *Queue) Complete(ctx context.Context, id int64, response any) error {
	updates := map[string]any{
		"status":        q.opts.DoneStatus,
		"error_message": nil,
		"updated_at":    q.now(),
	}
	if response != nil {
		raw, err := json.Marshal(response)
		if err != nil {
			return fmt.Errorf("marshal response: %w", err)
		}
		updates["response_json"] = datatypes.JSON(raw)
	}
	return q.resolve(ctx, id, updates)
}

// Fail records a failed attempt. The job returns to pending for a backed-off retry,
// or becomes failed once attempts reach the ceiling. It reports whether the job is now failed.
func (q *Queue) Fail(ctx context.Context, id int64, cause error) (bool, error) {
	var terminal bool
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := q.getTx(tx, id)
		if err != nil {
			return err
		}
		if job.Status != StatusProcessing {
			return ErrLeaseLost
		}

		status := StatusPending
		if job.Attempts >= q.opts.MaxAttempts {
			status = StatusFailed
			terminal = true
		}
		return q.updateLeased(tx, id, map[string]any{
			"status":        status,
			"error_message": errorText(cause),
			"updated_at":    q.now(),
		})
	})
	return terminal, err
}

// Abandon marks a leased job failed without retry.
func (q *Queue) Abandon(ctx context.Context, id int64, reason string, response any) error {
	updates := map[string]any{
		"status":        StatusFailed,
		"error_message": reason,
		"updated_at":    q.now(),
	}
	if response != nil {
		raw, err := json.Marshal(response)
		if err != nil {
			return fmt.Errorf("marshal response: %w", err)
		}
		updates["response_json"] = datatypes.JSON(raw)
	}
	return q.resolve(ctx, id, updates)
}

// Release returns a leased job to pending without judging the attempt.
func (q *Queue) Release(ctx context.Context, id int64) error {
	return q.resolve(ctx, id, map[string]any{
		"status":     StatusPending,
		"updated_at": q.now(),
	})
}

func (q *Queue) resolve(ctx context.Context, id int64, updates map[string]any) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return q.updateLeased(tx, id, updates)
	})
}

func (q *Queue) updateLeased(tx *gorm.DB, id int64, updates map[string]any) error {
	res := tx.Table(q.opts.Table).
		Where("id = ? AND status = ?", id, StatusProcessing).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := q.getTx(tx, id); err != nil {
			return err
		}
		return ErrLeaseLost
	}
	return nil
}

// RecoverStale returns jobs stuck in processing longer than timeout to pending,
// or to failed when their attempts are exhausted. A zero timeout recovers every
// processing job, which is what startup after a crash wants.
func (q *Queue) RecoverStale(ctx context.Context, timeout time.Duration) (int, error) {
	var recovered int
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stuck []Job
		if err := tx.Table(q.opts.Table).Where("status = ?", StatusProcessing).Find(&stuck).Error; err != nil {
			return err
		}

		now := q.now()
		for _, job := range stuck {
			if timeout > 0 && job.LastAttemptAt != nil && now.Sub(*job.LastAttemptAt) < timeout {
				continue
			}
			status := StatusPending
			if job.Attempts >= q.opts.MaxAttempts {
				status = StatusFailed
			}
			res := tx.Table(q.opts.Table).
				Where("id = ? AND status = ?", job.ID, StatusProcessing).
				Updates(map[string]any{
					"status":        status,
					"error_message": "recovered after processing timeout",
					"updated_at":    now,
				})
			if res.Error != nil {
				return res.Error
			}
			recovered += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recover %s: %w", q.opts.Table, err)
	}
	return recovered, nil
}

// Requeue moves a failed job back to pending. Attempts are preserved.
func (q *Queue) Requeue(ctx context.Context, id int64) (*Job, error) {
	var job *Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := q.getTx(tx, id)
		if err != nil {
			return err
		}
		if current.Status != StatusFailed {
			return fmt.Errorf("%w: job %d is %s", ErrNotFailed, id, current.Status)
		}
		now := q.now()
		if err := tx.Table(q.opts.Table).
			Where("id = ? AND status = ?", id, StatusFailed).
			Updates(map[string]any{"status": StatusPending, "updated_at": now}).Error; err != nil {
			return err
		}
		current.Status = StatusPending
		current.UpdatedAt = now
		job = current
		return nil
	})
	return job, err
}

func (q *Queue) Get(ctx context.Context, id int64) (*Job, error) {
	return q.getTx(q.db.WithContext(ctx), id)
}

func (q *Queue) getTx(tx *gorm.DB, id int64) (*Job, error) {
	var job Job
	err := tx.Table(q.opts.Table).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *Queue) FindByViolation(ctx context.Context, violationID string) (*Job, error) {
	var job Job
	err := q.table(ctx).Where("violation_id = ?", violationID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := q.table(ctx).Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

// SuccessesSince returns completion times of jobs finished after since.
func (q *Queue) SuccessesSince(ctx context.Context, since time.Time) ([]time.Time, error) {
	var jobs []Job
	err := q.table(ctx).
		Select("updated_at").
		Where("status = ? AND updated_at >= ?", q.opts.DoneStatus, since.UTC()).
		Order("updated_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.UpdatedAt)
	}
	return out, nil
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	if len(s) > 2000 {
		s = s[:2000]
	}
	return &s
}
