package events

import (
	"encoding/json"
	"fmt"
	"time"

	"traffic-eye/internal/domain/traffic"
)

// Conn is the publishing side of a NATS connection.
type Conn interface {
	Publish(subject string, data []byte) error
}

// CandidateEvent is the wire form of a confirmed violation candidate.
type CandidateEvent struct {
	Type              traffic.ViolationType `json:"violation_type"`
	DisplayName       string                `json:"display_name"`
	Confidence        float64               `json:"confidence"`
	TrackID           int                   `json:"track_id"`
	FrameID           int64                 `json:"frame_id"`
	PlateText         string                `json:"plate_text,omitempty"`
	GPS               *traffic.GPSReading   `json:"gps,omitempty"`
	Timestamp         time.Time             `json:"timestamp"`
	ConsecutiveFrames int                   `json:"consecutive_frames"`
}

type Publisher struct {
	conn    Conn
	subject string
}

func NewPublisher(conn Conn, subject string) *Publisher {
	return &Publisher{conn: conn, subject: subject}
}

func (p *Publisher) Publish(c *traffic.ViolationCandidate) error {
	event := CandidateEvent{
		Type:              c.Type,
		DisplayName:       c.Type.DisplayName(),
		Confidence:        c.Confidence,
		TrackID:           c.TrackID,
		PlateText:         c.PlateText,
		GPS:               c.GPS,
		Timestamp:         c.Timestamp.UTC(),
		ConsecutiveFrames: c.ConsecutiveFrameCount,
	}
	if c.BestFrame != nil {
		event.FrameID = c.BestFrame.FrameID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal candidate: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}
