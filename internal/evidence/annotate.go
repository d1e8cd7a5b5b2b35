package evidence

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"strings"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"

	"traffic-eye/internal/domain/traffic"
)

const (
	overlayHeight = 40
	jpegQuality   = 95
)

var (
	violationColor = color.RGBA{255, 0, 0, 255}
	contextColor   = color.RGBA{0, 255, 0, 255}
)

// Annotate returns a copy of frame with detection boxes and a metadata strip.
func Annotate(frame traffic.FrameData, c *traffic.ViolationCandidate) *image.RGBA {
	bounds := frame.Frame.Bounds()
	img := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(img, img.Bounds(), frame.Frame, bounds.Min, draw.Src)

	dc := gg.NewContextForRGBA(img)
	dc.SetFontFace(basicfont.Face7x13)

	detections := frame.Detections
	if len(detections) == 0 && c.BestFrame != nil {
		detections = c.BestFrame.Detections
	}
	for _, d := range detections {
		drawDetection(dc, d.BBox)
	}

	drawMetadataStrip(dc, c)
	return img
}

func drawDetection(dc *gg.Context, b traffic.BoundingBox) {
	col := contextColor
	if strings.Contains(b.ClassName, "motorcycle") || strings.Contains(b.ClassName, "person") {
		col = violationColor
	}

	dc.SetColor(col)
	dc.SetLineWidth(2)
	dc.DrawRectangle(b.X1, b.Y1, b.Width(), b.Height())
	dc.Stroke()

	dc.DrawString(fmt.Sprintf("%s %.2f", b.ClassName, b.Confidence), b.X1, b.Y1-5)
}

func drawMetadataStrip(dc *gg.Context, c *traffic.ViolationCandidate) {
	w, h := float64(dc.Width()), float64(dc.Height())

	dc.SetColor(color.Black)
	dc.DrawRectangle(0, h-overlayHeight, w, overlayHeight)
	dc.Fill()

	dc.SetColor(color.White)
	dc.DrawString(MetadataLine(c), 5, h-12)
}

// MetadataLine is the text burnt into the bottom strip of evidence frames.
func MetadataLine(c *traffic.ViolationCandidate) string {
	parts := []string{
		"TYPE: " + string(c.Type),
		fmt.Sprintf("CONF: %.2f", c.Confidence),
	}
	if c.GPS != nil {
		parts = append(parts, fmt.Sprintf("GPS: %.4f,%.4f", c.GPS.Latitude, c.GPS.Longitude))
	}
	if c.PlateText != "" {
		parts = append(parts, "PLATE: "+c.PlateText)
	}
	return strings.Join(parts, " | ")
}

func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}
