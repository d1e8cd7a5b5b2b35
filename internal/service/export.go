package service

import (
	"bytes"
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"

	"traffic-eye/internal/domain/traffic"
	"traffic-eye/internal/repository"
)

const (
	exportSheet    = "Violations"
	exportPageSize = 100
	exportMaxRows  = 10000
)

var exportHeaders = []string{
	"ID", "Type", "Timestamp (IST)", "Status", "Confidence", "Plate", "Plate Confidence",
	"Latitude", "Longitude", "Speed (km/h)", "Heading", "Address", "Consecutive Frames",
}

// ExportXLSX writes the violations matching status, newest first, as a spreadsheet.
func (s *ViolationService) ExportXLSX(ctx context.Context, status *string) ([]byte, error) {
	var rows []repository.Violation
	for offset := 0; offset < exportMaxRows; offset += exportPageSize {
		page, err := s.ListViolations(ctx, status, exportPageSize, offset)
		if err != nil {
			return nil, err
		}
		rows = append(rows, page...)
		if len(page) < exportPageSize {
			break
		}
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return nil, err
	}

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}
	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(exportSheet, cell, h); err != nil {
			return nil, err
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(exportHeaders), 1)
	if err := f.SetCellStyle(exportSheet, "A1", last, headerStyle); err != nil {
		return nil, err
	}

	for r, v := range rows {
		values := []any{
			v.ID,
			traffic.ViolationType(v.Type).DisplayName(),
			v.Timestamp.In(ist).Format("2006-01-02 15:04:05"),
			v.Status,
			v.Confidence,
			deref(v.PlateText),
			derefFloat(v.PlateConfidence),
			derefFloat(v.GPSLat),
			derefFloat(v.GPSLon),
			derefFloat(v.GPSSpeedKmh),
			derefFloat(v.GPSHeading),
			deref(v.GPSAddress),
			v.ConsecutiveFrames,
		}
		for c, val := range values {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err := f.SetCellValue(exportSheet, cell, val); err != nil {
				return nil, fmt.Errorf("write %s: %w", cell, err)
			}
		}
	}

	if err := f.SetColWidth(exportSheet, "A", "A", 38); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(exportSheet, "L", "L", 50); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// derefFloat returns an empty cell value for nil.
func derefFloat(f *float64) any {
	if f == nil {
		return ""
	}
	return *f
}
