package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"traffic-eye/internal/domain/traffic"
	"traffic-eye/internal/queue"
	"traffic-eye/internal/repository"
)

const (
	releaseTimeout = 5 * time.Second
	finishTimeout  = 30 * time.Second
)

// release hands a leased job back to pending. It runs detached from the caller's
// context because it is used while shutting down.
func release(q *queue.Queue, job queue.Job, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := q.Release(ctx, job.ID); err != nil {
		log.Error().Err(err).Int64("job_id", job.ID).Msg("failed to release job")
		return
	}
	log.Info().Int64("job_id", job.ID).Msg("job released for later")
}

func releaseAll(q *queue.Queue, jobs []queue.Job, log zerolog.Logger) {
	for _, job := range jobs {
		release(q, job, log)
	}
}

func abandon(ctx context.Context, q *queue.Queue, job queue.Job, reason string, log zerolog.Logger) {
	if err := q.Abandon(ctx, job.ID, reason, nil); err != nil {
		log.Error().Err(err).Msg("failed to abandon job")
	}
}

// failJob records a failed attempt and reports whether the job is now terminally failed.
func failJob(ctx context.Context, q *queue.Queue, job queue.Job, cause error, log zerolog.Logger) bool {
	terminal, err := q.Fail(ctx, job.ID, cause)
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("failed to record job attempt")
		return false
	}
	if terminal {
		log.Error().Err(cause).Str("queue", q.Name()).Msg("job exhausted its attempts")
		return true
	}
	log.Warn().Err(cause).Str("queue", q.Name()).Msg("job attempt failed, will retry")
	return false
}

func setStatus(ctx context.Context, repo *repository.ViolationRepository, id string, status traffic.Status, log zerolog.Logger) {
	if err := repo.UpdateStatus(ctx, id, status); err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("failed to update violation status")
	}
}
