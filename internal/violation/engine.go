package violation

import (
	"time"

	"github.com/rs/zerolog"

	"traffic-eye/internal/config"
	"traffic-eye/internal/domain/traffic"
)

const rateWindow = time.Hour

type EngineOptions struct {
	SpeedGateKmh      float64
	MaxReportsPerHour int
	Weights           Weights
	Now               func() time.Time
}

// Engine runs the configured rules over each frame and emits confirmed candidates.
// Cooldown and rate-limit state belongs to the instance. Not safe for concurrent use.
type Engine struct {
	rules    []Rule
	configs  config.RulesConfig
	temporal *TemporalTracker
	agg      *Aggregator
	opts     EngineOptions
	log      zerolog.Logger

	lastEmission map[traffic.ViolationType]time.Time
	emissions    []time.Time
}

func NewEngine(rules []Rule, configs config.RulesConfig, opts EngineOptions, log zerolog.Logger) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights
	}
	return &Engine{
		rules:        rules,
		configs:      configs,
		temporal:     NewTemporalTracker(),
		agg:          NewAggregator(opts.Weights),
		opts:         opts,
		log:          log,
		lastEmission: make(map[traffic.ViolationType]time.Time),
	}
}

func (e *Engine) Temporal() *TemporalTracker {
	return e.temporal
}

func (e *Engine) ProcessFrame(frame *traffic.FrameData, ctx traffic.RuleContext) []traffic.ViolationCandidate {
	if frame.GPS != nil && frame.GPS.SpeedKmh < e.opts.SpeedGateKmh {
		return nil
	}

	var out []traffic.ViolationCandidate
	for _, rule := range e.rules {
		vtype := rule.Type()
		rc, ok := e.configs[string(vtype)]
		if !ok {
			rc = config.DefaultRules(0)[string(vtype)]
		}
		if !rc.Enabled {
			continue
		}

		hits := rule.Evaluate(frame, ctx)
		hitTracks := make(map[int]struct{}, len(hits))
		for _, hit := range hits {
			hitTracks[hit.TrackID] = struct{}{}
			if hit.Confidence < rc.ConfidenceThreshold {
				continue
			}
			if !e.temporal.Update(string(vtype), hit.TrackID, true, rc.MinConsecutiveFrames) {
				continue
			}

			now := e.opts.Now()
			if !e.cooldownElapsed(vtype, rc.Cooldown, now) || !e.underRateLimit(now) {
				e.log.Debug().
					Str("violation_type", string(vtype)).
					Int("track_id", hit.TrackID).
					Msg("confirmed violation suppressed by cooldown or rate limit")
				continue
			}

			count := e.temporal.Count(string(vtype), hit.TrackID)
			classification := hit.Confidence
			if ctx.ClassificationConf != nil {
				classification = *ctx.ClassificationConf
			}
			agg := e.agg.Compute(hit.Confidence, classification, float64(count)/float64(rc.MinConsecutiveFrames), nil)

			candidate := traffic.ViolationCandidate{
				Type:                  vtype,
				Confidence:            agg,
				TrackID:               hit.TrackID,
				GPS:                   frame.GPS,
				Timestamp:             frame.Timestamp,
				ConsecutiveFrameCount: count,
			}
			if frame.Frame != nil {
				candidate.BestFrame = frame
			}
			out = append(out, candidate)
			e.recordEmission(vtype, now)

			e.log.Info().
				Str("violation_type", string(vtype)).
				Int("track_id", hit.TrackID).
				Float64("confidence", agg).
				Int("consecutive_frames", count).
				Msg("violation confirmed")
		}

		if _, hit := hitTracks[ObserverTrackID]; !hit && e.temporal.Count(string(vtype), ObserverTrackID) > 0 {
			e.temporal.Reset(string(vtype), ObserverTrackID)
		}
		for _, d := range frame.Detections {
			if d.TrackID == ObserverTrackID {
				continue
			}
			if _, hit := hitTracks[d.TrackID]; !hit {
				e.temporal.Update(string(vtype), d.TrackID, false, rc.MinConsecutiveFrames)
			}
		}
	}
	return out
}

func (e *Engine) cooldownElapsed(vtype traffic.ViolationType, cooldown time.Duration, now time.Time) bool {
	last, ok := e.lastEmission[vtype]
	return !ok || now.Sub(last) >= cooldown
}

func (e *Engine) underRateLimit(now time.Time) bool {
	kept := e.emissions[:0]
	for _, t := range e.emissions {
		if now.Sub(t) < rateWindow {
			kept = append(kept, t)
		}
	}
	e.emissions = kept
	return len(e.emissions) < e.opts.MaxReportsPerHour
}

func (e *Engine) recordEmission(vtype traffic.ViolationType, now time.Time) {
	e.lastEmission[vtype] = now
	e.emissions = append(e.emissions, now)
}

func (e *Engine) Reset() {
	e.temporal.ResetAll()
	clear(e.lastEmission)
	e.emissions = nil
}
