package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RunPeriodic calls task immediately and then every interval until ctx is done.
// Errors are logged; the loop keeps going.
func RunPeriodic(ctx context.Context, name string, interval time.Duration, log zerolog.Logger, task func(context.Context) error) {
	log = log.With().Str("task", name).Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run := func() {
		if err := task(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("periodic task failed")
		}
	}

	log.Info().Dur("interval", interval).Msg("periodic task started")
	run()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("periodic task stopped")
			return
		case <-ticker.C:
			run()
		}
	}
}
