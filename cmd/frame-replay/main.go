package main

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"traffic-eye/internal/domain/traffic"
	"traffic-eye/internal/ingest"
)

// Columns of a replay CSV; one row per detection, rows of a frame are contiguous.
const (
	colFrameID = iota
	colTimestamp
	colImage
	colLat
	colLon
	colSpeed
	colHeading
	colSignal
	colRoadBearing
	colClass
	colX1
	colY1
	colX2
	colY2
	colConfidence
	colHelmet
	colHelmetConfidence
	columnCount
)

type replayFrame struct {
	frame     ingest.Frame
	imagePath string
}

func main() {
	natsURL := flag.String("nats", nats.DefaultURL, "NATS server URL")
	subject := flag.String("subject", "traffic.frames", "subject to publish frames on")
	fps := flag.Float64("fps", 5, "publish rate in frames per second, 0 for as fast as possible")
	flag.Usage = func() {
		fmt.Println("Usage: frame-replay [flags] <path-to-csv>")
		fmt.Println("Example: frame-replay -fps 5 recordings/mg-road.csv")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	csvPath := flag.Arg(0)

	fmt.Println("Step 1: Reading CSV file...")
	frames, err := readCSV(csvPath)
	if err != nil {
		fmt.Printf("Error reading CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Read %d frames from CSV\n", len(frames))

	fmt.Println("\nStep 2: Connecting to NATS...")
	nc, err := nats.Connect(*natsURL, nats.Name("traffic-eye-replay"))
	if err != nil {
		fmt.Printf("Error connecting to NATS: %v\n", err)
		os.Exit(1)
	}
	defer nc.Close()
	fmt.Printf("✓ Connected to %s\n", nc.ConnectedUrl())

	fmt.Println("\nStep 3: Publishing frames...")
	baseDir := filepath.Dir(csvPath)
	var interval time.Duration
	if *fps > 0 {
		interval = time.Duration(float64(time.Second) / *fps)
	}

	published, failed := 0, 0
	for _, rf := range frames {
		img, err := loadImage(baseDir, rf.imagePath)
		if err != nil {
			fmt.Printf("  frame %d: %v, using blank image\n", rf.frame.Data.FrameID, err)
			img = blankImage()
		}

		payload, err := ingest.Encode(img, &rf.frame)
		if err == nil {
			err = nc.Publish(*subject, payload)
		}
		if err != nil {
			fmt.Printf("  frame %d: failed to publish: %v\n", rf.frame.Data.FrameID, err)
			failed++
			continue
		}
		published++

		if interval > 0 {
			time.Sleep(interval)
		}
	}
	if err := nc.Flush(); err != nil {
		fmt.Printf("Error flushing NATS connection: %v\n", err)
	}

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("SUMMARY")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("  Frames in CSV: %d\n", len(frames))
	fmt.Printf("  Published:     %d\n", published)
	if failed > 0 {
		fmt.Printf("  Failed:        %d\n", failed)
	}
}

// readCSV groups detection rows into frames.
func readCSV(path string) ([]replayFrame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return parseCSV(file)
}

func parseCSV(r io.Reader) ([]replayFrame, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	// Skip header
	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var frames []replayFrame
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read record: %w", err)
		}
		line++

		// Skip empty rows
		if len(record) == 0 || strings.TrimSpace(record[0]) == "" {
			continue
		}
		for len(record) < columnCount {
			record = append(record, "")
		}

		frameID, err := strconv.ParseInt(strings.TrimSpace(record[colFrameID]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid frame_id: %w", line, err)
		}

		if len(frames) == 0 || frames[len(frames)-1].frame.Data.FrameID != frameID {
			rf, err := newReplayFrame(frameID, record)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			frames = append(frames, rf)
		}

		class := strings.TrimSpace(record[colClass])
		if class == "" {
			continue
		}
		det, err := parseDetection(class, record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		current := &frames[len(frames)-1].frame.Data
		det.FrameID = current.FrameID
		det.Timestamp = current.Timestamp
		current.Detections = append(current.Detections, det)
	}
	return frames, nil
}

func newReplayFrame(frameID int64, record []string) (replayFrame, error) {
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(record[colTimestamp]))
	if err != nil {
		return replayFrame{}, fmt.Errorf("invalid timestamp: %w", err)
	}

	rf := replayFrame{
		frame: ingest.Frame{
			Data:   traffic.FrameData{FrameID: frameID, Timestamp: ts},
			Signal: traffic.SignalState(strings.ToLower(strings.TrimSpace(record[colSignal]))),
		},
		imagePath: strings.TrimSpace(record[colImage]),
	}

	lat, latOK := parseOptionalFloat(record[colLat])
	lon, lonOK := parseOptionalFloat(record[colLon])
	if latOK && lonOK {
		gps := &traffic.GPSReading{Latitude: lat, Longitude: lon, Timestamp: ts, FixQuality: 1}
		gps.SpeedKmh, _ = parseOptionalFloat(record[colSpeed])
		gps.Heading, _ = parseOptionalFloat(record[colHeading])
		rf.frame.Data.GPS = gps
	}
	if bearing, ok := parseOptionalFloat(record[colRoadBearing]); ok {
		rf.frame.RoadBearing = &bearing
	}
	return rf, nil
}

func parseDetection(class string, record []string) (traffic.Detection, error) {
	var coords [5]float64
	for i, col := range []int{colX1, colY1, colX2, colY2, colConfidence} {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[col]), 64)
		if err != nil {
			return traffic.Detection{}, fmt.Errorf("invalid %s box value: %w", class, err)
		}
		coords[i] = v
	}

	det := traffic.Detection{
		BBox: traffic.BoundingBox{
			X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3],
			Confidence: coords[4],
			ClassName:  class,
		},
	}

	switch strings.ToLower(strings.TrimSpace(record[colHelmet])) {
	case "true", "yes", "1":
		conf, _ := parseOptionalFloat(record[colHelmetConfidence])
		det.Helmet = &traffic.HelmetResult{HasHelmet: true, Confidence: conf}
	case "false", "no", "0":
		conf, _ := parseOptionalFloat(record[colHelmetConfidence])
		det.Helmet = &traffic.HelmetResult{HasHelmet: false, Confidence: conf}
	}
	return det, nil
}

func parseOptionalFloat(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func loadImage(baseDir, path string) (image.Image, error) {
	if path == "" {
		return nil, errors.New("no image path")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	return img, err
}

func blankImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Gray{Y: 64}}, image.Point{}, draw.Src)
	return img
}
