package traffic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBoundingBoxGeometry(t *testing.T) {
	b := BoundingBox{X1: 10, Y1: 20, X2: 30, Y2: 60}
	assert.Equal(t, 20.0, b.Width())
	assert.Equal(t, 40.0, b.Height())
	assert.Equal(t, 800.0, b.Area())
	cx, cy := b.Center()
	assert.Equal(t, 20.0, cx)
	assert.Equal(t, 40.0, cy)

	inverted := BoundingBox{X1: 30, Y1: 60, X2: 10, Y2: 20}
	assert.Equal(t, 0.0, inverted.Area())
}

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b BoundingBox
		want float64
	}{
		{"identical", BoundingBox{X2: 10, Y2: 10}, BoundingBox{X2: 10, Y2: 10}, 1},
		{"disjoint", BoundingBox{X2: 10, Y2: 10}, BoundingBox{X1: 20, Y1: 20, X2: 30, Y2: 30}, 0},
		{"half overlap", BoundingBox{X2: 10, Y2: 10}, BoundingBox{X1: 5, X2: 15, Y2: 10}, 50.0 / 150.0},
		{"degenerate", BoundingBox{}, BoundingBox{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.a.IoU(tt.b), 1e-9)
			assert.InDelta(t, tt.want, tt.b.IoU(tt.a), 1e-9)
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusVerified))
	assert.True(t, CanTransition(StatusVerified, StatusSent))
	assert.True(t, CanTransition(StatusSent, StatusCleaned))
	assert.True(t, CanTransition(StatusDiscarded, StatusCleaned))
	assert.False(t, CanTransition(StatusCleaned, StatusPending))
	assert.False(t, CanTransition(StatusSent, StatusPending))
	assert.False(t, CanTransition(StatusDiscarded, StatusVerified))
	assert.True(t, StatusCleaned.Terminal())
	assert.False(t, StatusVerified.Terminal())
}

func TestViolationTypeDisplayName(t *testing.T) {
	assert.Equal(t, "Riding Without Helmet", NoHelmet.DisplayName())
	assert.Equal(t, "Red Light Violation", RedLightJump.DisplayName())
	assert.Equal(t, "Wrong Side Driving", WrongSide.DisplayName())
	assert.Equal(t, "speeding", ViolationType("speeding").DisplayName())
	assert.False(t, ViolationType("speeding").Valid())
}
