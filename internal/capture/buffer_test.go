package capture

import (
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-eye/internal/domain/traffic"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func frameAt(id int64, offset time.Duration) traffic.FrameData {
	return traffic.FrameData{
		Frame:     image.NewRGBA(image.Rect(0, 0, 4, 4)),
		FrameID:   id,
		Timestamp: base.Add(offset),
	}
}

func TestBufferEvictsOldest(t *testing.T) {
	b := NewBuffer(1, 3)
	for i := int64(0); i < 5; i++ {
		b.Push(frameAt(i, time.Duration(i)*time.Second))
	}

	all := b.All()
	require.Len(t, all, 3)
	assert.Equal(t, []int64{2, 3, 4}, []int64{all[0].FrameID, all[1].FrameID, all[2].FrameID})
}

func TestBufferClipInclusive(t *testing.T) {
	b := NewBuffer(10, 1)
	for i := int64(0); i < 6; i++ {
		b.Push(frameAt(i, time.Duration(i)*time.Second))
	}

	clip := b.Clip(base.Add(time.Second), base.Add(3*time.Second))
	require.Len(t, clip, 3)
	assert.Equal(t, int64(1), clip[0].FrameID)
	assert.Equal(t, int64(3), clip[2].FrameID)

	recent := b.Recent(2 * time.Second)
	assert.Len(t, recent, 3)
}

func TestBufferDeepCopiesFrames(t *testing.T) {
	b := NewBuffer(1, 2)
	src := image.NewRGBA(image.Rect(0, 0, 2, 2))
	src.Set(0, 0, color.RGBA{R: 10, A: 255})
	gps := &traffic.GPSReading{SpeedKmh: 20}

	b.Push(traffic.FrameData{Frame: src, Timestamp: base, GPS: gps})

	src.Set(0, 0, color.RGBA{R: 200, A: 255})
	gps.SpeedKmh = 99

	got := b.All()[0]
	r, _, _, _ := got.Frame.At(0, 0).RGBA()
	assert.Equal(t, uint32(10), r>>8)
	assert.InDelta(t, 20, got.GPS.SpeedKmh, 1e-9)
}

func TestBufferClear(t *testing.T) {
	b := NewBuffer(1, 2)
	b.Push(frameAt(1, 0))
	b.Clear()
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Recent(time.Minute))
}
