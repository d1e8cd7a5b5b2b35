package ingest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"traffic-eye/internal/domain/traffic"
)

var ErrMalformedFrame = errors.New("malformed frame message")

// Frame is one processed frame plus the signals the rules need.
type Frame struct {
	Data        traffic.FrameData
	Signal      traffic.SignalState
	RoadBearing *float64
}

type frameMessage struct {
	FrameID     int64               `json:"frame_id"`
	Timestamp   time.Time           `json:"timestamp"`
	JPEG        string              `json:"jpeg"`
	GPS         *traffic.GPSReading `json:"gps,omitempty"`
	Detections  []detectionMessage  `json:"detections"`
	SignalState string              `json:"signal_state,omitempty"`
	RoadBearing *float64            `json:"road_bearing,omitempty"`
}

type detectionMessage struct {
	traffic.BoundingBox
	Helmet           *bool    `json:"helmet,omitempty"`
	HelmetConfidence *float64 `json:"helmet_confidence,omitempty"`
}

// Decode parses a detector frame message.
func Decode(data []byte) (*Frame, error) {
	var msg frameMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if msg.JPEG == "" {
		return nil, fmt.Errorf("%w: jpeg is required", ErrMalformedFrame)
	}

	raw, err := base64.StdEncoding.DecodeString(msg.JPEG)
	if err != nil {
		return nil, fmt.Errorf("%w: jpeg is not base64: %v", ErrMalformedFrame, err)
	}
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: decode jpeg: %v", ErrMalformedFrame, err)
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	frame := &Frame{
		Data: traffic.FrameData{
			Frame:     img,
			FrameID:   msg.FrameID,
			Timestamp: ts,
			GPS:       msg.GPS,
		},
		Signal:      parseSignal(msg.SignalState),
		RoadBearing: msg.RoadBearing,
	}
	if frame.Data.GPS != nil && frame.Data.GPS.Timestamp.IsZero() {
		frame.Data.GPS.Timestamp = ts
	}

	for _, d := range msg.Detections {
		det := traffic.Detection{
			BBox:      d.BoundingBox,
			FrameID:   msg.FrameID,
			Timestamp: ts,
		}
		if d.Helmet != nil {
			conf := 0.0
			if d.HelmetConfidence != nil {
				conf = *d.HelmetConfidence
			}
			det.Helmet = &traffic.HelmetResult{HasHelmet: *d.Helmet, Confidence: conf}
		}
		frame.Data.Detections = append(frame.Data.Detections, det)
	}
	return frame, nil
}

// Encode builds a frame message. Used by tooling and tests that feed the pipeline.
func Encode(img image.Image, f *Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}

	msg := frameMessage{
		FrameID:     f.Data.FrameID,
		Timestamp:   f.Data.Timestamp,
		JPEG:        base64.StdEncoding.EncodeToString(buf.Bytes()),
		GPS:         f.Data.GPS,
		SignalState: string(f.Signal),
		RoadBearing: f.RoadBearing,
	}
	for _, d := range f.Data.Detections {
		dm := detectionMessage{BoundingBox: d.BBox}
		if d.Helmet != nil {
			has, conf := d.Helmet.HasHelmet, d.Helmet.Confidence
			dm.Helmet = &has
			dm.HelmetConfidence = &conf
		}
		msg.Detections = append(msg.Detections, dm)
	}
	return json.Marshal(msg)
}

func parseSignal(s string) traffic.SignalState {
	switch traffic.SignalState(s) {
	case traffic.SignalRed, traffic.SignalYellow, traffic.SignalGreen:
		return traffic.SignalState(s)
	default:
		return traffic.SignalUnknown
	}
}
