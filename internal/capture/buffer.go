package capture

import (
	"image"
	"image/draw"
	"sync"
	"time"

	"traffic-eye/internal/domain/traffic"
)

// Buffer is a fixed-size ring of recent frames. Frames are deep-copied on push.
type Buffer struct {
	mu     sync.RWMutex
	frames []traffic.FrameData
	start  int
	size   int
}

func NewBuffer(seconds, fps int) *Buffer {
	capacity := max(1, seconds*fps)
	return &Buffer{frames: make([]traffic.FrameData, capacity)}
}

func (b *Buffer) Capacity() int {
	return len(b.frames)
}

func (b *Buffer) Push(frame traffic.FrameData) {
	owned := frame
	owned.Frame = cloneImage(frame.Frame)
	owned.Detections = append([]traffic.Detection(nil), frame.Detections...)
	if frame.GPS != nil {
		gps := *frame.GPS
		owned.GPS = &gps
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size < len(b.frames) {
		b.frames[(b.start+b.size)%len(b.frames)] = owned
		b.size++
		return
	}
	b.frames[b.start] = owned
	b.start = (b.start + 1) % len(b.frames)
}

// Clip returns buffered frames with timestamps in [start, end], oldest first.
func (b *Buffer) Clip(start, end time.Time) []traffic.FrameData {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []traffic.FrameData
	for i := 0; i < b.size; i++ {
		f := b.frames[(b.start+i)%len(b.frames)]
		if !f.Timestamp.Before(start) && !f.Timestamp.After(end) {
			out = append(out, f)
		}
	}
	return out
}

// Recent returns frames no older than d relative to the newest frame.
func (b *Buffer) Recent(d time.Duration) []traffic.FrameData {
	b.mu.RLock()
	if b.size == 0 {
		b.mu.RUnlock()
		return nil
	}
	newest := b.frames[(b.start+b.size-1)%len(b.frames)].Timestamp
	b.mu.RUnlock()

	return b.Clip(newest.Add(-d), newest)
}

func (b *Buffer) All() []traffic.FrameData {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]traffic.FrameData, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.frames[(b.start+i)%len(b.frames)])
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.frames)
	b.start = 0
	b.size = 0
}

func cloneImage(src image.Image) image.Image {
	if src == nil {
		return nil
	}
	bounds := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Src)
	return dst
}
