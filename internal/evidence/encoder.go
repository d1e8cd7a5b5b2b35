package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"os/exec"
	"strconv"
	"time"
)

var ErrEncodeFailed = errors.New("video encode failed")

// Encoder turns a frame sequence into a video file at out.
type Encoder interface {
	Name() string
	Encode(ctx context.Context, frames []image.Image, fps int, out string) error
}

// FFmpegEncoder pipes raw RGBA frames into an ffmpeg subprocess.
type FFmpegEncoder struct {
	name      string
	binary    string
	codecArgs []string
	timeout   time.Duration
}

// NewHardwareEncoder uses the V4L2 memory-to-memory H.264 encoder.
func NewHardwareEncoder(binary string, timeout time.Duration) *FFmpegEncoder {
	return &FFmpegEncoder{
		name:      "h264_v4l2m2m",
		binary:    binary,
		codecArgs: []string{"-c:v", "h264_v4l2m2m", "-b:v", "1M", "-maxrate", "1.5M", "-bufsize", "2M"},
		timeout:   timeout,
	}
}

func NewSoftwareEncoder(binary string, timeout time.Duration) *FFmpegEncoder {
	return &FFmpegEncoder{
		name:      "libx264",
		binary:    binary,
		codecArgs: []string{"-c:v", "libx264", "-preset", "fast", "-crf", "28"},
		timeout:   timeout,
	}
}

// DefaultEncoders returns the hardware encoder followed by the software fallback.
func DefaultEncoders(binary string, timeout time.Duration) []Encoder {
	return []Encoder{NewHardwareEncoder(binary, timeout), NewSoftwareEncoder(binary, timeout)}
}

func (e *FFmpegEncoder) Name() string {
	return e.name
}

func (e *FFmpegEncoder) Args(width, height, fps int, out string) []string {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "rawvideo", "-vcodec", "rawvideo",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-pix_fmt", "rgba",
		"-r", strconv.Itoa(fps),
		"-i", "-",
	}
	args = append(args, e.codecArgs...)
	return append(args, "-pix_fmt", "yuv420p", "-f", "mp4", out)
}

func (e *FFmpegEncoder) Encode(ctx context.Context, frames []image.Image, fps int, out string) error {
	if len(frames) == 0 {
		return fmt.Errorf("%w: no frames", ErrEncodeFailed)
	}

	bounds := frames[0].Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	var input bytes.Buffer
	input.Grow(len(frames) * w * h * 4)
	for _, f := range frames {
		input.Write(rawRGBA(f, w, h))
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.binary, e.Args(w, h, fps, out)...)
	cmd.Stdin = &input
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s: %v: %s", ErrEncodeFailed, e.name, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// rawRGBA returns the pixels of img as a w*h RGBA buffer, cropping or padding to fit.
func rawRGBA(img image.Image, w, h int) []byte {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) && rgba.Rect.Dx() == w && rgba.Rect.Dy() == h && rgba.Stride == w*4 {
		return rgba.Pix
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
	return dst.Pix
}
