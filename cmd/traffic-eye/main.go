package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"traffic-eye/internal/auth"
	"traffic-eye/internal/capture"
	"traffic-eye/internal/cloud"
	"traffic-eye/internal/config"
	"traffic-eye/internal/db"
	"traffic-eye/internal/events"
	"traffic-eye/internal/evidence"
	"traffic-eye/internal/geocode"
	httphandler "traffic-eye/internal/http"
	"traffic-eye/internal/http/middleware"
	"traffic-eye/internal/ingest"
	"traffic-eye/internal/logger"
	"traffic-eye/internal/notify"
	"traffic-eye/internal/queue"
	"traffic-eye/internal/repository"
	"traffic-eye/internal/service"
	"traffic-eye/internal/storage"
	"traffic-eye/internal/tracking"
	"traffic-eye/internal/violation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.NewWithLevel(cfg.Environment, cfg.LogLevel)

	database, err := db.New(cfg, appLogger)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("failed to connect database")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	violationRepo := repository.NewViolationRepository(database)
	cloudQueue := queue.New(database, queue.Options{
		Table:       queue.CloudTable,
		DoneStatus:  queue.StatusDone,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffCap:  cfg.Queue.BackoffCap,
	})
	emailQueue := queue.New(database, queue.Options{
		Table:       queue.EmailTable,
		DoneStatus:  queue.StatusSent,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffCap:  cfg.Queue.BackoffCap,
	})

	// Nothing can be mid-flight right after start, so every processing job is stale.
	for _, q := range []*queue.Queue{cloudQueue, emailQueue} {
		n, err := q.RecoverStale(ctx, 0)
		if err != nil {
			appLogger.Fatal().Err(err).Str("queue", q.Name()).Msg("failed to recover queue")
		}
		if n > 0 {
			appLogger.Warn().Int("jobs", n).Str("queue", q.Name()).Msg("recovered jobs interrupted by previous shutdown")
		}
	}

	rules, err := config.LoadRules(cfg.Pipeline.RulesFile, cfg.Pipeline.Cooldown)
	if err != nil {
		appLogger.Fatal().Err(err).Str("path", cfg.Pipeline.RulesFile).Msg("failed to load violation rules")
	}

	packager := evidence.NewPackager(
		violationRepo,
		evidence.DefaultEncoders(cfg.Evidence.FFmpegPath, cfg.Evidence.EncodeTimeout),
		evidence.Options{
			Dir:             cfg.Evidence.Dir,
			BestFramesCount: cfg.Evidence.BestFramesCount,
			ClipBefore:      cfg.Evidence.ClipBefore,
			ClipAfter:       cfg.Evidence.ClipAfter,
			ClipFPS:         cfg.Evidence.ClipFPS,
		},
		appLogger.With().Str("component", "packager").Logger(),
	)

	nc, err := ingest.Connect(cfg.NATS.URL, "traffic-eye", appLogger)
	if err != nil {
		appLogger.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("failed to connect to NATS")
	}
	defer nc.Drain()

	source, err := ingest.NewSource(nc, cfg.NATS.FramesSubject, appLogger)
	if err != nil {
		appLogger.Fatal().Err(err).Str("subject", cfg.NATS.FramesSubject).Msg("failed to subscribe to frames")
	}
	defer source.Close()

	var publisher service.CandidatePublisher
	if cfg.NATS.ViolationSubject != "" {
		publisher = events.NewPublisher(nc, cfg.NATS.ViolationSubject)
	}

	pipeline := service.NewPipeline(service.PipelineDeps{
		Tracker: tracking.NewManager(cfg.Pipeline.TrackIoUThreshold, cfg.Pipeline.TrackMaxMissingFrames),
		Buffer:  capture.NewBuffer(cfg.Pipeline.BufferSeconds, cfg.Pipeline.ProcessFPS),
		Engine: violation.NewEngine(violation.NewRules(rules), rules, violation.EngineOptions{
			SpeedGateKmh:      cfg.Pipeline.SpeedGateKmh,
			MaxReportsPerHour: cfg.Pipeline.MaxReportsPerHour,
		}, appLogger.With().Str("component", "rule_engine").Logger()),
		Router:     violation.NewRouter(cfg.Pipeline.AcceptThreshold, cfg.Pipeline.CloudThreshold),
		Packager:   packager,
		Store:      violationRepo,
		CloudQueue: cloudQueue,
		EmailQueue: emailQueue,
		Publisher:  publisher,
	}, appLogger)

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() {
		if err := pipeline.Run(ctx, source); err != nil {
			appLogger.Error().Err(err).Msg("detection loop failed")
			stop()
		}
	})

	verifier, err := cloud.NewVerifier(cfg.Cloud)
	switch {
	case errors.Is(err, cloud.ErrNoAPIKey):
		appLogger.Warn().Msg("cloud API key not set, mid-confidence violations stay queued")
	case err != nil:
		appLogger.Fatal().Err(err).Msg("failed to configure cloud verifier")
	default:
		cloudProcessor := service.NewCloudProcessor(
			violationRepo, cloudQueue, emailQueue, verifier,
			cloud.NewProbe(cfg.Cloud.ConnectivityURL),
			cfg.Cloud.ConfidenceThreshold, cfg.Cloud.BatchSize, appLogger,
		)
		spawn(func() {
			service.RunPeriodic(ctx, "cloud_verification", cfg.Cloud.Interval, appLogger, batchTask(cloudProcessor.ProcessBatch))
		})
	}

	var archiver service.Archiver
	r2Client, err := storage.NewR2Client(cfg.R2)
	switch {
	case errors.Is(err, storage.ErrNotConfigured):
		appLogger.Warn().Msg("R2 storage not configured, evidence is deleted locally after sending")
	case err != nil:
		appLogger.Fatal().Err(err).Msg("failed to initialize R2 client")
	default:
		archiver = r2Client
	}

	mailer, err := notify.NewSMTPMailer(cfg.SMTP, appLogger)
	switch {
	case errors.Is(err, notify.ErrNotConfigured):
		appLogger.Warn().Err(err).Msg("email disabled, verified violations stay queued")
	case err != nil:
		appLogger.Fatal().Err(err).Msg("failed to configure mailer")
	default:
		emailProcessor := service.NewEmailProcessor(
			violationRepo, emailQueue, cloudQueue, mailer, archiver,
			queue.NewSuccessWindow(cfg.Pipeline.MaxReportsPerHour, time.Hour, nil),
			service.EmailProcessorOptions{
				BatchSize:     cfg.SMTP.BatchSize,
				EvidenceDir:   cfg.Evidence.Dir,
				CloudProvider: cfg.Cloud.Provider,
				Geocoder:      geocode.NewNominatim(cfg.Geocoder.URL, cfg.Geocoder.UserAgent, appLogger),
			},
			appLogger,
		)
		if err := emailProcessor.Seed(ctx); err != nil {
			appLogger.Fatal().Err(err).Msg("failed to seed email rate window")
		}
		spawn(func() {
			service.RunPeriodic(ctx, "email_delivery", cfg.SMTP.Interval, appLogger, batchTask(emailProcessor.ProcessBatch))
		})
	}

	reconciler := service.NewReconciler(violationRepo, []*queue.Queue{cloudQueue, emailQueue}, service.ReconcilerOptions{
		EvidenceDir:         cfg.Evidence.Dir,
		Retention:           time.Duration(cfg.Storage.RetentionDays) * 24 * time.Hour,
		MaxDiskUsagePercent: cfg.Storage.MaxDiskUsagePercent,
		ProcessingTimeout:   cfg.Queue.ProcessingTimeout,
		DiskUsage:           storage.DiskUsagePercent,
	}, appLogger)
	spawn(func() {
		service.RunPeriodic(ctx, "reconcile", cfg.Storage.ReconcileInterval, appLogger, func(ctx context.Context) error {
			_, err := reconciler.Run(ctx)
			return err
		})
	})

	var srv *http.Server
	if cfg.HTTP.Enabled {
		tokenParser := auth.NewParser(cfg.Auth.AccessSecret)
		violationService := service.NewViolationService(violationRepo, cloudQueue, emailQueue, appLogger)
		handler := httphandler.NewHandler(violationService, appLogger)
		router := httphandler.NewRouter(handler, middleware.Auth(tokenParser), cfg.Environment, database, appLogger)

		addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
		srv = &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		appLogger.Info().Str("addr", addr).Msg("starting ops API")
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error().Err(err).Msg("ops API stopped")
				stop()
			}
		}()
	}

	<-ctx.Done()
	appLogger.Info().Msg("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error().Err(err).Msg("ops API forced to shutdown")
		}
		cancel()
	}

	wg.Wait()
	appLogger.Info().Msg("traffic-eye exited")
}

func batchTask(process func(context.Context) (int, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := process(ctx)
		return err
	}
}
