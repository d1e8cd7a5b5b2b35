package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"traffic-eye/internal/cloud"
	"traffic-eye/internal/domain/traffic"
	"traffic-eye/internal/queue"
	"traffic-eye/internal/repository"
	"traffic-eye/internal/utils"
)

// Prober reports whether the network is reachable.
type Prober interface {
	Online(ctx context.Context) bool
}

// CloudProcessor resolves mid-confidence violations with a vision model.
// Confirmed violations move to verified and get an email job; rejected ones are discarded.
type CloudProcessor struct {
	repo       *repository.ViolationRepository
	queue      *queue.Queue
	emailQueue *queue.Queue
	verifier   cloud.Verifier
	probe      Prober
	threshold  float64
	batchSize  int
	log        zerolog.Logger
}

func NewCloudProcessor(
	repo *repository.ViolationRepository,
	cloudQueue *queue.Queue,
	emailQueue *queue.Queue,
	verifier cloud.Verifier,
	probe Prober,
	threshold float64,
	batchSize int,
	log zerolog.Logger,
) *CloudProcessor {
	if batchSize <= 0 {
		batchSize = 5
	}
	return &CloudProcessor{
		repo:       repo,
		queue:      cloudQueue,
		emailQueue: emailQueue,
		verifier:   verifier,
		probe:      probe,
		threshold:  threshold,
		batchSize:  batchSize,
		log:        log.With().Str("component", "cloud_processor").Str("provider", verifier.Provider()).Logger(),
	}
}

// ProcessBatch verifies one batch and returns how many violations were confirmed.
// Nothing is leased while offline, so an outage does not burn retry budgets.
func (p *CloudProcessor) ProcessBatch(ctx context.Context) (int, error) {
	if p.probe != nil && !p.probe.Online(ctx) {
		p.log.Debug().Msg("offline, skipping cloud verification")
		return 0, nil
	}

	jobs, err := p.queue.Lease(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}

	confirmed := 0
	for i, job := range jobs {
		if ctx.Err() != nil {
			releaseAll(p.queue, jobs[i:], p.log)
			break
		}
		if p.processJob(ctx, job) {
			confirmed++
		}
	}
	return confirmed, nil
}

func (p *CloudProcessor) processJob(ctx context.Context, job queue.Job) bool {
	log := p.log.With().Int64("job_id", job.ID).Str("violation_id", job.ViolationID).Int("attempt", job.Attempts).Logger()

	v, err := p.repo.GetViolation(ctx, job.ViolationID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Error().Msg("violation row missing, abandoning cloud job")
		abandon(ctx, p.queue, job, "violation not found", log)
		return false
	}
	if err != nil {
		p.fail(ctx, job, err, log)
		return false
	}

	files, err := p.repo.ListEvidence(ctx, v.ID)
	if err != nil {
		p.fail(ctx, job, err, log)
		return false
	}
	frames, _ := loadFrames(files, log)
	if len(frames) == 0 {
		log.Error().Msg("no verifiable evidence frame, abandoning cloud job")
		abandon(ctx, p.queue, job, "no verifiable evidence frames", log)
		setStatus(ctx, p.repo, v.ID, traffic.StatusFailed, log)
		return false
	}

	result, err := p.verifier.Verify(ctx, cloud.Request{ViolationType: v.Type, Image: frames[0]})
	if err != nil {
		if ctx.Err() != nil {
			release(p.queue, job, log)
			return false
		}
		p.fail(ctx, job, err, log)
		return false
	}

	if err := p.queue.Complete(ctx, job.ID, result); err != nil {
		log.Error().Err(err).Msg("failed to complete cloud job")
		return false
	}

	if !result.Confirmed || result.Confidence < p.threshold {
		log.Info().
			Bool("confirmed", result.Confirmed).
			Float64("cloud_confidence", result.Confidence).
			Msg("cloud rejected violation")
		setStatus(ctx, p.repo, v.ID, traffic.StatusDiscarded, log)
		return false
	}

	plate := ""
	if result.PlateNumber != "" {
		var valid bool
		plate, valid = utils.ProcessPlate(result.PlateNumber)
		if !valid {
			log.Warn().Str("plate", plate).Msg("cloud plate does not match a known format")
		}
	}
	if err := p.repo.MarkVerified(ctx, v.ID, plate, result.Confidence); err != nil {
		log.Error().Err(err).Msg("failed to mark violation verified")
		return false
	}
	if _, err := p.emailQueue.Enqueue(ctx, v.ID); err != nil {
		log.Error().Err(err).Msg("failed to enqueue email job")
	}

	log.Info().
		Float64("cloud_confidence", result.Confidence).
		Str("plate", plate).
		Msg("cloud confirmed violation")
	return true
}

func (p *CloudProcessor) fail(ctx context.Context, job queue.Job, cause error, log zerolog.Logger) {
	if failJob(ctx, p.queue, job, cause, log) {
		setStatus(ctx, p.repo, job.ViolationID, traffic.StatusFailed, log)
	}
}
