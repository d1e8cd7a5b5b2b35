package service

import (
	"context"
	"image"

	"github.com/rs/zerolog"

	"traffic-eye/internal/capture"
	"traffic-eye/internal/domain/traffic"
	"traffic-eye/internal/evidence"
	"traffic-eye/internal/ingest"
	"traffic-eye/internal/tracking"
	"traffic-eye/internal/violation"
)

// FrameSource yields frames until ctx is done.
type FrameSource interface {
	Next(ctx context.Context) (*ingest.Frame, error)
}

// HelmetClassifier judges a person crop when the detector did not attach a helmet verdict.
type HelmetClassifier interface {
	Classify(crop image.Image) (hasHelmet bool, confidence float64)
}

type CandidatePublisher interface {
	Publish(c *traffic.ViolationCandidate) error
}

type EvidencePackager interface {
	Package(ctx context.Context, c *traffic.ViolationCandidate, frames evidence.FrameSource) (*traffic.EvidencePacket, error)
}

type ViolationStatusStore interface {
	UpdateStatus(ctx context.Context, id string, status traffic.Status) error
	MarkVerified(ctx context.Context, id, plate string, plateConf float64) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, violationID string) (int64, error)
}

type PipelineDeps struct {
	Tracker    *tracking.Manager
	Buffer     *capture.Buffer
	Engine     *violation.Engine
	Router     violation.Router
	Packager   EvidencePackager
	Store      ViolationStatusStore
	CloudQueue Enqueuer
	EmailQueue Enqueuer
	// Optional.
	Classifier HelmetClassifier
	Publisher  CandidatePublisher
}

// Outcome is what happened to one confirmed candidate.
type Outcome struct {
	ViolationID string
	Type        traffic.ViolationType
	Confidence  float64
	Route       violation.Route
}

// Pipeline is the single-threaded frame loop: track, buffer, evaluate rules,
// package evidence and route each confirmed violation.
type Pipeline struct {
	deps PipelineDeps
	log  zerolog.Logger

	frames int64
}

func NewPipeline(deps PipelineDeps, log zerolog.Logger) *Pipeline {
	return &Pipeline{deps: deps, log: log.With().Str("component", "pipeline").Logger()}
}

// Run processes frames until ctx is cancelled. A frame in progress is finished
// before Run returns.
func (p *Pipeline) Run(ctx context.Context, source FrameSource) error {
	p.log.Info().Msg("detection loop started")
	defer func() {
		p.log.Info().Int64("frames", p.frames).Msg("detection loop stopped")
	}()

	for {
		frame, err := source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.ProcessFrame(context.WithoutCancel(ctx), frame)
	}
}

func (p *Pipeline) ProcessFrame(ctx context.Context, f *ingest.Frame) []Outcome {
	p.frames++

	data := f.Data
	data.Detections = p.deps.Tracker.Update(data.Detections)
	p.deps.Buffer.Push(data)

	candidates := p.deps.Engine.ProcessFrame(&data, p.ruleContext(&data, f))
	p.deps.Engine.Temporal().CleanupStale(p.deps.Tracker.ActiveTrackIDs())

	var outcomes []Outcome
	for i := range candidates {
		c := &candidates[i]
		log := p.log.With().Str("violation_type", string(c.Type)).Int("track_id", c.TrackID).Logger()
		log.Info().
			Float64("confidence", c.Confidence).
			Int("frames", c.ConsecutiveFrameCount).
			Int64("frame_id", data.FrameID).
			Msg("violation detected")

		if p.deps.Publisher != nil {
			if err := p.deps.Publisher.Publish(c); err != nil {
				log.Warn().Err(err).Msg("failed to publish violation candidate")
			}
		}

		packet, err := p.deps.Packager.Package(ctx, c, p.deps.Buffer)
		if err != nil {
			log.Error().Err(err).Msg("failed to package evidence")
			continue
		}

		route := p.deps.Router.Route(c.Confidence)
		if err := p.route(ctx, packet.ViolationID, c, route); err != nil {
			log.Error().Err(err).Str("violation_id", packet.ViolationID).Str("route", string(route)).Msg("failed to route violation")
		}
		outcomes = append(outcomes, Outcome{
			ViolationID: packet.ViolationID,
			Type:        c.Type,
			Confidence:  c.Confidence,
			Route:       route,
		})
	}
	return outcomes
}

func (p *Pipeline) route(ctx context.Context, violationID string, c *traffic.ViolationCandidate, route violation.Route) error {
	switch route {
	case violation.RouteAccept:
		if err := p.deps.Store.MarkVerified(ctx, violationID, c.PlateText, c.PlateConfidence); err != nil {
			return err
		}
		_, err := p.deps.EmailQueue.Enqueue(ctx, violationID)
		return err
	case violation.RouteCloud:
		_, err := p.deps.CloudQueue.Enqueue(ctx, violationID)
		return err
	default:
		return p.deps.Store.UpdateStatus(ctx, violationID, traffic.StatusDiscarded)
	}
}

func (p *Pipeline) ruleContext(data *traffic.FrameData, f *ingest.Frame) traffic.RuleContext {
	rctx := traffic.RuleContext{
		HasHelmet:        make(map[int]bool),
		HelmetConfidence: make(map[int]float64),
		SignalState:      f.Signal,
		RoadBearing:      f.RoadBearing,
	}
	if rctx.SignalState == "" {
		rctx.SignalState = traffic.SignalUnknown
	}

	for _, det := range data.Detections {
		if det.BBox.ClassName != "person" || det.TrackID == 0 {
			continue
		}
		switch {
		case det.Helmet != nil:
			rctx.HasHelmet[det.TrackID] = det.Helmet.HasHelmet
			rctx.HelmetConfidence[det.TrackID] = det.Helmet.Confidence
		case p.deps.Classifier != nil:
			crop := cropImage(data.Frame, det.BBox)
			if crop == nil {
				continue
			}
			has, conf := p.deps.Classifier.Classify(crop)
			rctx.HasHelmet[det.TrackID] = has
			rctx.HelmetConfidence[det.TrackID] = conf
		}
	}
	return rctx
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func cropImage(img image.Image, b traffic.BoundingBox) image.Image {
	if img == nil {
		return nil
	}
	r := image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)).Intersect(img.Bounds())
	if r.Empty() {
		return nil
	}
	s, ok := img.(subImager)
	if !ok {
		return nil
	}
	return s.SubImage(r)
}
