package violation

import (
	"math"

	"traffic-eye/internal/config"
	"traffic-eye/internal/domain/traffic"
)

// ObserverTrackID is the track id of the vehicle carrying the camera.
const ObserverTrackID = 0

// Hit is one rule firing for a track in a single frame.
type Hit struct {
	TrackID    int
	Confidence float64
}

// Rule is implemented only by the rule variants in this package.
// Rules return no hits, never an error, when context they need is missing.
type Rule interface {
	Type() traffic.ViolationType
	Evaluate(frame *traffic.FrameData, ctx traffic.RuleContext) []Hit
	sealed()
}

type NoHelmetRule struct {
	ProximityThreshold float64
}

func (NoHelmetRule) Type() traffic.ViolationType { return traffic.NoHelmet }
func (NoHelmetRule) sealed()                     {}

func (r NoHelmetRule) Evaluate(frame *traffic.FrameData, ctx traffic.RuleContext) []Hit {
	var motos, persons []traffic.Detection
	for _, d := range frame.Detections {
		switch d.BBox.ClassName {
		case "motorcycle":
			motos = append(motos, d)
		case "person":
			persons = append(persons, d)
		}
	}
	if len(motos) == 0 || len(persons) == 0 {
		return nil
	}

	var hits []Hit
	for _, moto := range motos {
		for _, person := range persons {
			if moto.BBox.IoU(person.BBox) < r.ProximityThreshold && !ridingOn(person.BBox, moto.BBox) {
				continue
			}

			hasHelmet, known := ctx.HasHelmet[person.TrackID]
			if !known || hasHelmet {
				continue
			}
			helmetConf := ctx.HelmetConfidence[person.TrackID]

			trackID := person.TrackID
			if trackID == 0 {
				trackID = moto.TrackID
			}
			hits = append(hits, Hit{
				TrackID:    trackID,
				Confidence: min(moto.BBox.Confidence, person.BBox.Confidence, helmetConf),
			})
		}
	}
	return hits
}

// ridingOn reports whether the person box overlaps the motorcycle horizontally
// with its bottom edge inside the motorcycle's vertical span.
func ridingOn(person, moto traffic.BoundingBox) bool {
	if moto.Width() <= 0 {
		return false
	}
	hOverlap := max(0, min(person.X2, moto.X2)-max(person.X1, moto.X1))
	return hOverlap > 0 && person.Y2 >= moto.Y1 && person.Y1 < moto.Y2
}

type RedLightJumpRule struct {
	StopLineRatio float64
}

var signalVehicleClasses = map[string]bool{
	"car":        true,
	"truck":      true,
	"bus":        true,
	"motorcycle": true,
}

func (RedLightJumpRule) Type() traffic.ViolationType { return traffic.RedLightJump }
func (RedLightJumpRule) sealed()                     {}

func (r RedLightJumpRule) Evaluate(frame *traffic.FrameData, ctx traffic.RuleContext) []Hit {
	if ctx.SignalState != traffic.SignalRed {
		return nil
	}

	frameH := float64(frame.Height())
	if frameH == 0 {
		return nil
	}
	stopLine := frameH * r.StopLineRatio

	var hits []Hit
	for _, d := range frame.Detections {
		if !signalVehicleClasses[d.BBox.ClassName] {
			continue
		}
		if _, cy := d.BBox.Center(); cy > stopLine {
			hits = append(hits, Hit{TrackID: d.TrackID, Confidence: d.BBox.Confidence})
		}
	}
	return hits
}

type WrongSideRule struct {
	HeadingDeviationThreshold float64
}

func (WrongSideRule) Type() traffic.ViolationType { return traffic.WrongSide }
func (WrongSideRule) sealed()                     {}

// Evaluate compares the vehicle's own GPS heading against the expected road bearing.
// The hit is attributed to ObserverTrackID.
func (r WrongSideRule) Evaluate(frame *traffic.FrameData, ctx traffic.RuleContext) []Hit {
	if frame.GPS == nil || ctx.RoadBearing == nil {
		return nil
	}

	deviation := math.Abs(HeadingDifference(frame.GPS.Heading, *ctx.RoadBearing))
	if deviation <= r.HeadingDeviationThreshold {
		return nil
	}
	return []Hit{{TrackID: ObserverTrackID, Confidence: min(1, deviation/180)}}
}

// HeadingDifference returns the signed shortest angle from b to a in [-180, 180).
func HeadingDifference(a, b float64) float64 {
	d := math.Mod(a-b+180, 360)
	if d < 0 {
		d += 360
	}
	return d - 180
}

// NewRules builds the rule set in evaluation order from configuration.
func NewRules(cfg config.RulesConfig) []Rule {
	return []Rule{
		NoHelmetRule{ProximityThreshold: cfg[string(traffic.NoHelmet)].ProximityThreshold},
		RedLightJumpRule{StopLineRatio: cfg[string(traffic.RedLightJump)].StopLineRatio},
		WrongSideRule{HeadingDeviationThreshold: cfg[string(traffic.WrongSide)].HeadingDeviationThreshold},
	}
}
