package violation

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-eye/internal/domain/traffic"
)

func box(x1, y1, x2, y2, conf float64, class string) traffic.BoundingBox {
	return traffic.BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2, Confidence: conf, ClassName: class}
}

func TestNoHelmetRule(t *testing.T) {
	rule := NoHelmetRule{ProximityThreshold: 0.3}
	frame := &traffic.FrameData{Detections: []traffic.Detection{
		{BBox: box(100, 200, 200, 300, 0.9, "motorcycle"), TrackID: 1},
		{BBox: box(110, 120, 190, 260, 0.85, "person"), TrackID: 2},
	}}

	tests := []struct {
		name string
		ctx  traffic.RuleContext
		want []Hit
	}{
		{
			name: "no helmet",
			ctx:  traffic.RuleContext{HasHelmet: map[int]bool{2: false}, HelmetConfidence: map[int]float64{2: 0.95}},
			want: []Hit{{TrackID: 2, Confidence: 0.85}},
		},
		{
			name: "helmet worn",
			ctx:  traffic.RuleContext{HasHelmet: map[int]bool{2: true}, HelmetConfidence: map[int]float64{2: 0.95}},
		},
		{
			name: "helmet unknown",
			ctx:  traffic.RuleContext{},
		},
		{
			name: "low classifier confidence dominates",
			ctx:  traffic.RuleContext{HasHelmet: map[int]bool{2: false}, HelmetConfidence: map[int]float64{2: 0.6}},
			want: []Hit{{TrackID: 2, Confidence: 0.6}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rule.Evaluate(frame, tt.ctx))
		})
	}
}

func TestNoHelmetRuleIgnoresDistantPerson(t *testing.T) {
	rule := NoHelmetRule{ProximityThreshold: 0.3}
	frame := &traffic.FrameData{Detections: []traffic.Detection{
		{BBox: box(100, 200, 200, 300, 0.9, "motorcycle"), TrackID: 1},
		{BBox: box(400, 100, 450, 250, 0.9, "person"), TrackID: 2},
	}}
	ctx := traffic.RuleContext{HasHelmet: map[int]bool{2: false}, HelmetConfidence: map[int]float64{2: 0.9}}

	assert.Empty(t, rule.Evaluate(frame, ctx))
}

func TestRidingOn(t *testing.T) {
	moto := box(100, 200, 200, 300, 0.9, "motorcycle")

	assert.True(t, ridingOn(box(120, 100, 180, 220, 0.9, "person"), moto))
	assert.False(t, ridingOn(box(120, 50, 180, 150, 0.9, "person"), moto), "feet above the bike")
	assert.False(t, ridingOn(box(220, 100, 260, 250, 0.9, "person"), moto), "no horizontal overlap")
	assert.False(t, ridingOn(box(120, 100, 180, 250, 0.9, "person"), box(100, 200, 100, 300, 0.9, "motorcycle")))
}

func TestRedLightJumpRule(t *testing.T) {
	rule := RedLightJumpRule{StopLineRatio: 0.5}
	frame := &traffic.FrameData{
		Frame: image.NewRGBA(image.Rect(0, 0, 640, 480)),
		Detections: []traffic.Detection{
			{BBox: box(10, 300, 100, 400, 0.8, "car"), TrackID: 1},
			{BBox: box(10, 10, 100, 100, 0.8, "bus"), TrackID: 2},
			{BBox: box(200, 300, 260, 450, 0.9, "person"), TrackID: 3},
		},
	}

	assert.Empty(t, rule.Evaluate(frame, traffic.RuleContext{SignalState: traffic.SignalGreen}))
	assert.Equal(t, []Hit{{TrackID: 1, Confidence: 0.8}},
		rule.Evaluate(frame, traffic.RuleContext{SignalState: traffic.SignalRed}))
}

func TestWrongSideRule(t *testing.T) {
	rule := WrongSideRule{HeadingDeviationThreshold: 120}
	bearing := 0.0

	frame := &traffic.FrameData{GPS: &traffic.GPSReading{Heading: 180, SpeedKmh: 30}}
	hits := rule.Evaluate(frame, traffic.RuleContext{RoadBearing: &bearing})
	require.Len(t, hits, 1)
	assert.Equal(t, 0, hits[0].TrackID)
	assert.InDelta(t, 1.0, hits[0].Confidence, 1e-9)

	frame.GPS.Heading = 90
	assert.Empty(t, rule.Evaluate(frame, traffic.RuleContext{RoadBearing: &bearing}))

	assert.Empty(t, rule.Evaluate(frame, traffic.RuleContext{}), "no road bearing")
	assert.Empty(t, rule.Evaluate(&traffic.FrameData{}, traffic.RuleContext{RoadBearing: &bearing}), "no gps")
}

func TestHeadingDifference(t *testing.T) {
	tests := []struct {
		a, b, want float64
	}{
		{10, 350, 20},
		{350, 10, -20},
		{180, 0, -180},
		{90, 90, 0},
		{0, 270, 90},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, HeadingDifference(tt.a, tt.b), 1e-9, "a=%v b=%v", tt.a, tt.b)
	}
}
