package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"traffic-eye/internal/domain/traffic"
	"traffic-eye/internal/queue"
	"traffic-eye/internal/repository"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

const (
	QueueKindCloud = "cloud"
	QueueKindEmail = "email"
)

// ViolationDetail is a violation with its evidence integrity and queue jobs.
type ViolationDetail struct {
	Violation repository.Violation `json:"violation"`
	Evidence  []FileCheck          `json:"evidence"`
	Intact    bool                 `json:"intact"`
	CloudJob  *queue.Job           `json:"cloud_job,omitempty"`
	EmailJob  *queue.Job           `json:"email_job,omitempty"`
}

// ViolationService backs the operator API.
type ViolationService struct {
	repo   *repository.ViolationRepository
	queues map[string]*queue.Queue
	log    zerolog.Logger
}

func NewViolationService(repo *repository.ViolationRepository, cloudQueue, emailQueue *queue.Queue, log zerolog.Logger) *ViolationService {
	return &ViolationService{
		repo: repo,
		queues: map[string]*queue.Queue{
			QueueKindCloud: cloudQueue,
			QueueKindEmail: emailQueue,
		},
		log: log,
	}
}

func (s *ViolationService) ListViolations(ctx context.Context, status *string, limit, offset int) ([]repository.Violation, error) {
	if status != nil {
		normalized := strings.ToLower(strings.TrimSpace(*status))
		if !validStatus(traffic.Status(normalized)) {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *status)
		}
		status = &normalized
	}
	return s.repo.FindViolations(ctx, status, limit, offset)
}

func (s *ViolationService) GetViolation(ctx context.Context, id string) (*ViolationDetail, error) {
	v, err := s.repo.GetViolation(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: violation %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	files, err := s.repo.ListEvidence(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &ViolationDetail{Violation: *v, Intact: true}
	for _, f := range files {
		check, _ := checkFile(f)
		if !check.Present || !check.HashValid {
			detail.Intact = false
			s.log.Error().
				Str("violation_id", id).
				Str("path", f.FilePath).
				Bool("present", check.Present).
				Msg("evidence integrity check failed")
		}
		detail.Evidence = append(detail.Evidence, check)
	}

	if job, err := s.queues[QueueKindCloud].FindByViolation(ctx, id); err == nil {
		detail.CloudJob = job
	}
	if job, err := s.queues[QueueKindEmail].FindByViolation(ctx, id); err == nil {
		detail.EmailJob = job
	}
	return detail, nil
}

func (s *ViolationService) QueueStats(ctx context.Context) (map[string]map[string]int64, error) {
	violations, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]map[string]int64{"violations": violations}
	for _, q := range s.queues {
		stats, err := q.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out[q.Name()] = stats
	}
	return out, nil
}

// RequeueJob gives a failed job another round. A violation that failed with it
// moves back to the state the queue expects.
func (s *ViolationService) RequeueJob(ctx context.Context, kind string, id int64) (*queue.Job, error) {
	q, ok := s.queues[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown queue %q", ErrInvalidInput, kind)
	}

	job, err := q.Requeue(ctx, id)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		return nil, fmt.Errorf("%w: job %d", ErrNotFound, id)
	case errors.Is(err, queue.ErrNotFailed):
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	case err != nil:
		return nil, err
	}

	v, err := s.repo.GetViolation(ctx, job.ViolationID)
	if err != nil {
		return job, nil
	}
	if traffic.Status(v.Status) == traffic.StatusFailed {
		target := traffic.StatusPending
		if kind == QueueKindEmail {
			target = traffic.StatusVerified
		}
		if err := s.repo.UpdateStatus(ctx, v.ID, target); err != nil {
			return nil, err
		}
	}

	s.log.Info().
		Str("queue", q.Name()).
		Int64("job_id", id).
		Str("violation_id", job.ViolationID).
		Int("attempts", job.Attempts).
		Msg("job requeued by operator")
	return job, nil
}

func validStatus(s traffic.Status) bool {
	switch s {
	case traffic.StatusPending, traffic.StatusProcessing, traffic.StatusVerified, traffic.StatusDiscarded,
		traffic.StatusSent, traffic.StatusCleaned, traffic.StatusFailed:
		return true
	}
	return false
}
