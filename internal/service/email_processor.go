package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"traffic-eye/internal/domain/traffic"
	"traffic-eye/internal/notify"
	"traffic-eye/internal/queue"
	"traffic-eye/internal/repository"
)

// Archiver copies a local evidence file to long-term storage.
type Archiver interface {
	ArchiveFile(ctx context.Context, violationID, filePath string) (string, error)
}

// Geocoder resolves a coordinate to an address, or "" when it cannot.
type Geocoder interface {
	Reverse(ctx context.Context, lat, lon float64) string
}

type EmailProcessorOptions struct {
	BatchSize     int
	EvidenceDir   string
	CloudProvider string
	// Optional. Fills in the address of violations stored without one.
	Geocoder Geocoder
	Now      func() time.Time
}

// EmailProcessor delivers reports for verified violations. Reports are rebuilt
// from stored rows and files so delivery survives restarts.
type EmailProcessor struct {
	repo       *repository.ViolationRepository
	queue      *queue.Queue
	cloudQueue *queue.Queue
	mailer     notify.Mailer
	archiver   Archiver
	window     *queue.SuccessWindow
	opts       EmailProcessorOptions
	log        zerolog.Logger
}

func NewEmailProcessor(
	repo *repository.ViolationRepository,
	emailQueue *queue.Queue,
	cloudQueue *queue.Queue,
	mailer notify.Mailer,
	archiver Archiver,
	window *queue.SuccessWindow,
	opts EmailProcessorOptions,
	log zerolog.Logger,
) *EmailProcessor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &EmailProcessor{
		repo:       repo,
		queue:      emailQueue,
		cloudQueue: cloudQueue,
		mailer:     mailer,
		archiver:   archiver,
		window:     window,
		opts:       opts,
		log:        log.With().Str("component", "email_processor").Logger(),
	}
}

// Seed loads the sends of the last hour into the rate window.
func (p *EmailProcessor) Seed(ctx context.Context) error {
	times, err := p.queue.SuccessesSince(ctx, p.opts.Now().Add(-time.Hour))
	if err != nil {
		return fmt.Errorf("seed email rate window: %w", err)
	}
	p.window.Seed(times)
	return nil
}

// ProcessBatch sends up to one batch of pending reports and returns how many went out.
func (p *EmailProcessor) ProcessBatch(ctx context.Context) (int, error) {
	limit := p.opts.BatchSize
	if remaining := p.window.Remaining(); remaining >= 0 {
		if remaining == 0 {
			p.log.Info().Msg("hourly email limit reached, pausing queue")
			return 0, nil
		}
		limit = min(limit, remaining)
	}

	jobs, err := p.queue.Lease(ctx, limit)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i, job := range jobs {
		if ctx.Err() != nil {
			releaseAll(p.queue, jobs[i:], p.log)
			break
		}
		if p.processJob(ctx, job) {
			sent++
		}
	}
	return sent, nil
}

func (p *EmailProcessor) processJob(ctx context.Context, job queue.Job) bool {
	log := p.log.With().Int64("job_id", job.ID).Str("violation_id", job.ViolationID).Int("attempt", job.Attempts).Logger()

	v, err := p.repo.GetViolation(ctx, job.ViolationID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Error().Msg("violation row missing, abandoning email job")
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

	frames, excluded := loadFrames(files, log)
	if len(frames) == 0 {
		log.Error().Int("excluded", excluded).Msg("no verifiable evidence frames, abandoning email job")
		abandon(ctx, p.queue, job, "no verifiable evidence frames", log)
		p.setStatus(ctx, v.ID, traffic.StatusFailed, log)
		return false
	}

	p.resolveAddress(ctx, v, log)

	report, err := BuildReport(v, frames, p.cloudVerified(ctx, v.ID), p.opts.CloudProvider)
	if err != nil {
		abandon(ctx, p.queue, job, err.Error(), log)
		p.setStatus(ctx, v.ID, traffic.StatusFailed, log)
		return false
	}

	if err := p.mailer.Send(ctx, report.Message()); err != nil {
		if ctx.Err() != nil {
			release(p.queue, job, log)
			return false
		}
		p.fail(ctx, job, err, log)
		return false
	}

	p.window.Record()
	log.Info().Str("subject", report.Subject).Int("attachments", len(report.Attachments)).Msg("violation report sent")

	// The report is out; record it even if shutdown has started.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	response := map[string]any{
		"subject":     report.Subject,
		"attachments": len(report.Attachments),
		"excluded":    excluded,
	}
	if err := p.queue.Complete(finishCtx, job.ID, response); err != nil {
		log.Error().Err(err).Msg("email sent but job completion failed, keeping evidence")
		return true
	}
	p.setStatus(finishCtx, v.ID, traffic.StatusSent, log)

	p.cleanup(finishCtx, v.ID, files, log)
	return true
}

func (p *EmailProcessor) resolveAddress(ctx context.Context, v *repository.Violation, log zerolog.Logger) {
	if p.opts.Geocoder == nil || v.GPSLat == nil || v.GPSLon == nil || v.GPSAddress != nil {
		return
	}
	address := p.opts.Geocoder.Reverse(ctx, *v.GPSLat, *v.GPSLon)
	if address == "" {
		return
	}
	v.GPSAddress = &address
	if err := p.repo.SetAddress(ctx, v.ID, address); err != nil {
		log.Warn().Err(err).Msg("failed to store resolved address")
	}
}

func (p *EmailProcessor) cloudVerified(ctx context.Context, violationID string) bool {
	if p.cloudQueue == nil {
		return false
	}
	job, err := p.cloudQueue.FindByViolation(ctx, violationID)
	return err == nil && job.Status == queue.StatusDone
}

// cleanup archives the evidence when storage is configured, then drops the local copy.
// If archiving fails the files stay and the violation remains sent.
func (p *EmailProcessor) cleanup(ctx context.Context, violationID string, files []repository.EvidenceFile, log zerolog.Logger) {
	if p.archiver != nil {
		for _, f := range files {
			if _, err := p.archiver.ArchiveFile(ctx, violationID, f.FilePath); err != nil {
				log.Warn().Err(err).Str("path", f.FilePath).Msg("evidence archive failed, keeping local copy")
				return
			}
		}
	}

	if err := removeDir(filepath.Join(p.opts.EvidenceDir, violationID)); err != nil {
		log.Warn().Err(err).Msg("failed to remove evidence directory")
		return
	}
	if err := p.repo.MarkCleaned(ctx, violationID); err != nil {
		log.Error().Err(err).Msg("failed to mark violation cleaned")
	}
}

func (p *EmailProcessor) fail(ctx context.Context, job queue.Job, cause error, log zerolog.Logger) {
	if failJob(ctx, p.queue, job, cause, log) {
		p.setStatus(ctx, job.ViolationID, traffic.StatusFailed, log)
	}
}

func (p *EmailProcessor) setStatus(ctx context.Context, id string, status traffic.Status, log zerolog.Logger) {
	setStatus(ctx, p.repo, id, status, log)
}
