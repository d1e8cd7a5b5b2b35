package evidence

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traffic-eye/internal/domain/traffic"
	"traffic-eye/internal/repository"
)

const ClipFileName = "clip.mp4"

// Store persists violation and evidence-file rows.
type Store interface {
	CreateViolation(ctx context.Context, v *repository.Violation) error
	AddEvidence(ctx context.Context, f *repository.EvidenceFile) error
}

// FrameSource is the rolling frame buffer.
type FrameSource interface {
	Clip(start, end time.Time) []traffic.FrameData
}

type Options struct {
	Dir             string
	BestFramesCount int
	ClipBefore      time.Duration
	ClipAfter       time.Duration
	ClipFPS         int
}

type Packager struct {
	store    Store
	encoders []Encoder
	opts     Options
	log      zerolog.Logger
	newID    func() string
}

// NewPackager builds a packager. Encoders are tried in order until one succeeds.
func NewPackager(store Store, encoders []Encoder, opts Options, log zerolog.Logger) *Packager {
	if opts.BestFramesCount <= 0 {
		opts.BestFramesCount = 3
	}
	if opts.ClipFPS <= 0 {
		opts.ClipFPS = 8
	}
	return &Packager{
		store:    store,
		encoders: encoders,
		opts:     opts,
		log:      log,
		newID:    func() string { return uuid.NewString() },
	}
}

func (p *Packager) Dir(violationID string) string {
	return filepath.Join(p.opts.Dir, violationID)
}

// Package persists the violation row and its evidence files. Only the
// violation row is mandatory; frame and clip failures are logged and skipped.
func (p *Packager) Package(ctx context.Context, c *traffic.ViolationCandidate, frames FrameSource) (*traffic.EvidencePacket, error) {
	violationID := p.newID()
	log := p.log.With().Str("violation_id", violationID).Str("violation_type", string(c.Type)).Logger()

	clip := frames.Clip(c.Timestamp.Add(-p.opts.ClipBefore), c.Timestamp.Add(p.opts.ClipAfter))
	best := SelectBestFrames(c, clip, p.opts.BestFramesCount)
	if len(best) == 0 && c.BestFrame != nil && c.BestFrame.Frame != nil {
		best = []traffic.FrameData{*c.BestFrame}
	}

	if err := p.store.CreateViolation(ctx, repository.NewViolationRow(violationID, c, "")); err != nil {
		return nil, fmt.Errorf("persist violation: %w", err)
	}

	dir := p.Dir(violationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}

	packet := &traffic.EvidencePacket{
		ViolationID: violationID,
		Violation:   c,
		Metadata:    buildMetadata(c, len(clip), len(best)),
		FileHashes:  make(map[string]string),
	}

	for i, f := range best {
		name := fmt.Sprintf("frame_%02d.jpg", i)
		data, err := p.writeFrame(ctx, violationID, dir, name, f, c)
		if err != nil {
			log.Error().Err(err).Int("frame_index", i).Msg("frame evidence skipped")
			continue
		}
		packet.BestFramesJPEG = append(packet.BestFramesJPEG, data)
		packet.FileHashes[name] = HashBytes(data)
	}

	if len(clip) > 0 {
		path, hash, err := p.writeClip(ctx, violationID, dir, clip)
		if err != nil {
			log.Error().Err(err).Msg("video evidence skipped")
		} else {
			packet.VideoClipPath = path
			packet.FileHashes[ClipFileName] = hash
		}
	}

	log.Info().
		Float64("confidence", c.Confidence).
		Int("frames", len(packet.BestFramesJPEG)).
		Bool("video", packet.VideoClipPath != "").
		Msg("evidence packaged")

	return packet, nil
}

func (p *Packager) writeFrame(ctx context.Context, violationID, dir, name string, f traffic.FrameData, c *traffic.ViolationCandidate) ([]byte, error) {
	if f.Frame == nil {
		return nil, fmt.Errorf("frame %d has no image", f.FrameID)
	}
	data, err := EncodeJPEG(Annotate(f, c))
	if err != nil {
		return nil, err
	}

	final := filepath.Join(dir, name)
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("write temp frame: %w", err)
	}
	hash, size, err := HashFile(tmp)
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("move frame into place: %w", err)
	}

	err = p.store.AddEvidence(ctx, &repository.EvidenceFile{
		ViolationID: violationID,
		FilePath:    final,
		FileType:    repository.FileTypeFrame,
		FileSize:    size,
		FileHash:    hash,
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (p *Packager) writeClip(ctx context.Context, violationID, dir string, clip []traffic.FrameData) (string, string, error) {
	images := make([]image.Image, 0, len(clip))
	for _, f := range clip {
		if f.Frame != nil {
			images = append(images, f.Frame)
		}
	}
	if len(images) == 0 {
		return "", "", fmt.Errorf("%w: clip has no images", ErrEncodeFailed)
	}

	final := filepath.Join(dir, ClipFileName)
	tmp := filepath.Join(dir, ".clip.tmp.mp4")
	defer os.Remove(tmp)

	var encoded bool
	for _, enc := range p.encoders {
		if err := enc.Encode(ctx, images, p.opts.ClipFPS, tmp); err != nil {
			p.log.Warn().Err(err).Str("encoder", enc.Name()).Str("violation_id", violationID).Msg("encoder failed, trying next")
			continue
		}
		encoded = true
		break
	}
	if !encoded {
		return "", "", fmt.Errorf("%w: all encoders failed", ErrEncodeFailed)
	}

	hash, size, err := HashFile(tmp)
	if err != nil {
		return "", "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", "", fmt.Errorf("move clip into place: %w", err)
	}

	err = p.store.AddEvidence(ctx, &repository.EvidenceFile{
		ViolationID: violationID,
		FilePath:    final,
		FileType:    repository.FileTypeVideo,
		FileSize:    size,
		FileHash:    hash,
	})
	if err != nil {
		return "", "", err
	}
	return final, hash, nil
}

// SelectBestFrames ranks clip frames by the summed detection confidence recorded
// for them in the candidate, keeping buffer order among equal scores.
func SelectBestFrames(c *traffic.ViolationCandidate, clip []traffic.FrameData, n int) []traffic.FrameData {
	if len(clip) == 0 || n <= 0 {
		return nil
	}

	scores := make(map[int64]float64, len(c.Frames)+1)
	record := func(f traffic.FrameData) {
		var total float64
		for _, d := range f.Detections {
			total += d.BBox.Confidence
		}
		scores[f.FrameID] = total
	}
	for _, f := range c.Frames {
		record(f)
	}
	if c.BestFrame != nil {
		record(*c.BestFrame)
	}

	ranked := append([]traffic.FrameData(nil), clip...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return scores[ranked[i].FrameID] > scores[ranked[j].FrameID]
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

func buildMetadata(c *traffic.ViolationCandidate, clipFrames, bestFrames int) map[string]any {
	md := map[string]any{
		"violation_type":     string(c.Type),
		"confidence":         c.Confidence,
		"timestamp":          c.Timestamp.Format(time.RFC3339Nano),
		"consecutive_frames": c.ConsecutiveFrameCount,
		"clip_frame_count":   clipFrames,
		"best_frame_count":   bestFrames,
		"cloud_verified":     false,
	}
	if c.GPS != nil {
		md["gps"] = map[string]any{
			"lat":       c.GPS.Latitude,
			"lon":       c.GPS.Longitude,
			"speed_kmh": c.GPS.SpeedKmh,
			"heading":   c.GPS.Heading,
		}
	}
	if c.PlateText != "" {
		md["plate_text"] = c.PlateText
		md["plate_confidence"] = c.PlateConfidence
	}
	return md
}
