package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"traffic-eye/internal/domain/traffic"
	"traffic-eye/internal/queue"
	"traffic-eye/internal/repository"
)

const reclaimBatch = 50

type ReconcilerOptions struct {
	EvidenceDir         string
	Retention           time.Duration
	MaxDiskUsagePercent float64
	ProcessingTimeout   time.Duration
	// DiskUsage reports used percent of the filesystem holding a path.
	DiskUsage func(path string) (float64, error)
	Now       func() time.Time
}

type ReconcileReport struct {
	Recovered    int `json:"recovered"`
	Expired      int `json:"expired"`
	OrphanDirs   int `json:"orphan_dirs"`
	MissingFiles int `json:"missing_files"`
	Reclaimed    int `json:"reclaimed"`
}

// Reconciler keeps the database, the queues and the evidence directory consistent.
type Reconciler struct {
	repo   *repository.ViolationRepository
	queues []*queue.Queue
	opts   ReconcilerOptions
	log    zerolog.Logger
}

func NewReconciler(repo *repository.ViolationRepository, queues []*queue.Queue, opts ReconcilerOptions, log zerolog.Logger) *Reconciler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{
		repo:   repo,
		queues: queues,
		opts:   opts,
		log:    log.With().Str("component", "reconciler").Logger(),
	}
}

func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	for _, q := range r.queues {
		n, err := q.RecoverStale(ctx, r.opts.ProcessingTimeout)
		if err != nil {
			return report, err
		}
		report.Recovered += n
	}

	steps := []struct {
		name string
		run  func(context.Context) (int, error)
		dst  *int
	}{
		{"expire", r.expire, &report.Expired},
		{"orphan_dirs", r.removeOrphanDirs, &report.OrphanDirs},
		{"missing_files", r.dropMissingFiles, &report.MissingFiles},
		{"reclaim", r.reclaimDisk, &report.Reclaimed},
	}
	for _, step := range steps {
		n, err := step.run(ctx)
		if err != nil {
			return report, fmt.Errorf("reconcile %s: %w", step.name, err)
		}
		*step.dst = n
	}

	if report != (ReconcileReport{}) {
		r.log.Info().
			Int("recovered", report.Recovered).
			Int("expired", report.Expired).
			Int("orphan_dirs", report.OrphanDirs).
			Int("missing_files", report.MissingFiles).
			Int("reclaimed", report.Reclaimed).
			Msg("reconciliation pass finished")
	}
	return report, nil
}

func (r *Reconciler) expire(ctx context.Context) (int, error) {
	if r.opts.Retention <= 0 {
		return 0, nil
	}
	expired, err := r.repo.FindExpired(ctx, r.opts.Now().Add(-r.opts.Retention))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, v := range expired {
		if err := removeDir(r.dir(v.ID)); err != nil {
			r.log.Warn().Err(err).Str("violation_id", v.ID).Msg("failed to remove expired evidence")
			continue
		}
		if err := r.repo.DeleteViolation(ctx, v.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (r *Reconciler) removeOrphanDirs(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(r.opts.EvidenceDir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	known, err := r.repo.ViolationIDs(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := known[e.Name()]; ok {
			continue
		}
		if err := removeDir(r.dir(e.Name())); err != nil {
			r.log.Warn().Err(err).Str("dir", e.Name()).Msg("failed to remove orphan evidence directory")
			continue
		}
		r.log.Warn().Str("dir", e.Name()).Msg("removed evidence directory without violation row")
		removed++
	}
	return removed, nil
}

func (r *Reconciler) dropMissingFiles(ctx context.Context) (int, error) {
	files, err := r.repo.AllEvidence(ctx)
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, f := range files {
		if _, err := os.Stat(f.FilePath); !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		r.log.Error().
			Str("violation_id", f.ViolationID).
			Str("path", f.FilePath).
			Msg("evidence file missing on disk, dropping row")
		if err := r.repo.DeleteEvidenceFile(ctx, f.ID); err != nil {
			return dropped, err
		}
		dropped++
	}
	return dropped, nil
}

// reclaimDisk cleans discarded violations first, then the oldest sent ones,
// until usage is back under the ceiling.
func (r *Reconciler) reclaimDisk(ctx context.Context) (int, error) {
	if r.opts.DiskUsage == nil || r.opts.MaxDiskUsagePercent <= 0 {
		return 0, nil
	}

	over := func() (bool, error) {
		used, err := r.opts.DiskUsage(r.opts.EvidenceDir)
		if err != nil {
			return false, err
		}
		return used >= r.opts.MaxDiskUsagePercent, nil
	}

	full, err := over()
	if err != nil || !full {
		return 0, err
	}
	r.log.Warn().Float64("max_percent", r.opts.MaxDiskUsagePercent).Msg("disk usage above ceiling, reclaiming evidence")

	reclaimed := 0
	for _, status := range []traffic.Status{traffic.StatusDiscarded, traffic.StatusSent} {
		victims, err := r.repo.FindByStatusOldest(ctx, status, reclaimBatch)
		if err != nil {
			return reclaimed, err
		}
		for _, v := range victims {
			if err := removeDir(r.dir(v.ID)); err != nil {
				r.log.Warn().Err(err).Str("violation_id", v.ID).Msg("failed to remove evidence")
				continue
			}
			if err := r.repo.MarkCleaned(ctx, v.ID); err != nil {
				return reclaimed, err
			}
			reclaimed++

			if full, err = over(); err != nil || !full {
				return reclaimed, err
			}
		}
	}
	return reclaimed, nil
}

func (r *Reconciler) dir(violationID string) string {
	return filepath.Join(r.opts.EvidenceDir, violationID)
}
