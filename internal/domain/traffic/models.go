package traffic

import (
	"fmt"
	"image"
	"time"
)

type ViolationType string

const (
	NoHelmet     ViolationType = "no_helmet"
	RedLightJump ViolationType = "red_light_jump"
	WrongSide    ViolationType = "wrong_side"
)

var violationDisplayNames = map[ViolationType]string{
	NoHelmet:     "Riding Without Helmet",
	RedLightJump: "Red Light Violation",
	WrongSide:    "Wrong Side Driving",
}

func (t ViolationType) Valid() bool {
	_, ok := violationDisplayNames[t]
	return ok
}

func (t ViolationType) DisplayName() string {
	if name, ok := violationDisplayNames[t]; ok {
		return name
	}
	return string(t)
}

type SignalState string

const (
	SignalRed     SignalState = "red"
	SignalYellow  SignalState = "yellow"
	SignalGreen   SignalState = "green"
	SignalUnknown SignalState = "unknown"
)

// Status is the lifecycle state of a persisted violation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusVerified   Status = "verified"
	StatusDiscarded  Status = "discarded"
	StatusSent       Status = "sent"
	StatusCleaned    Status = "cleaned"
	StatusFailed     Status = "failed"
)

var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusVerified, StatusDiscarded, StatusFailed},
	StatusProcessing: {StatusPending, StatusVerified, StatusDiscarded, StatusFailed},
	StatusVerified:   {StatusSent, StatusFailed},
	StatusDiscarded:  {StatusCleaned},
	StatusSent:       {StatusCleaned},
	// operator requeue of a failed job
	StatusFailed: {StatusPending, StatusVerified},
}

// CanTransition reports whether a violation may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCleaned || s == StatusFailed
}

type BoundingBox struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Confidence float64 `json:"confidence"`
	ClassName  string  `json:"class_name"`
	ClassID    int     `json:"class_id,omitempty"`
}

func (b BoundingBox) Width() float64 {
	return max(0, b.X2-b.X1)
}

func (b BoundingBox) Height() float64 {
	return max(0, b.Y2-b.Y1)
}

func (b BoundingBox) Area() float64 {
	return b.Width() * b.Height()
}

func (b BoundingBox) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// IoU returns intersection-over-union with other, 0 when the union is empty.
func (b BoundingBox) IoU(other BoundingBox) float64 {
	iw := max(0, min(b.X2, other.X2)-max(b.X1, other.X1))
	ih := max(0, min(b.Y2, other.Y2)-max(b.Y1, other.Y1))
	inter := iw * ih

	union := b.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// HelmetResult is a classifier verdict attached to a person detection upstream of the rule engine.
type HelmetResult struct {
	HasHelmet  bool    `json:"has_helmet"`
	Confidence float64 `json:"confidence"`
}

type Detection struct {
	BBox      BoundingBox
	FrameID   int64
	Timestamp time.Time
	// TrackID is 0 until the track manager assigns one; assigned ids start at 1.
	TrackID int
	Helmet  *HelmetResult
}

type GPSReading struct {
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lon"`
	Altitude   float64   `json:"altitude"`
	SpeedKmh   float64   `json:"speed_kmh"`
	Heading    float64   `json:"heading"`
	Timestamp  time.Time `json:"timestamp"`
	FixQuality int       `json:"fix_quality"`
	Satellites int       `json:"satellites"`
}

func (g GPSReading) HasFix() bool {
	return g.FixQuality > 0
}

func (g GPSReading) MapsURL() string {
	return fmt.Sprintf("https://www.google.com/maps?q=%f,%f", g.Latitude, g.Longitude)
}

type FrameData struct {
	Frame      image.Image
	FrameID    int64
	Timestamp  time.Time
	GPS        *GPSReading
	Detections []Detection
}

func (f *FrameData) Width() int {
	if f.Frame == nil {
		return 0
	}
	return f.Frame.Bounds().Dx()
}

func (f *FrameData) Height() int {
	if f.Frame == nil {
		return 0
	}
	return f.Frame.Bounds().Dy()
}

// RuleContext carries signals produced outside the rule engine for one frame.
type RuleContext struct {
	HasHelmet        map[int]bool
	HelmetConfidence map[int]float64
	SignalState      SignalState
	RoadBearing      *float64
	// ClassificationConf overrides the per-hit classification score when set.
	ClassificationConf *float64
}

type ViolationCandidate struct {
	Type                  ViolationType
	Confidence            float64
	TrackID               int
	Frames                []FrameData
	BestFrame             *FrameData
	PlateText             string
	PlateConfidence       float64
	GPS                   *GPSReading
	Timestamp             time.Time
	ConsecutiveFrameCount int
}

type EvidencePacket struct {
	ViolationID    string
	Violation      *ViolationCandidate
	BestFramesJPEG [][]byte
	VideoClipPath  string
	Metadata       map[string]any
	// FileHashes maps evidence file name to its hex SHA-256.
	FileHashes map[string]string
}
