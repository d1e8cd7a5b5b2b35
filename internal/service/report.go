package service

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"traffic-eye/internal/domain/traffic"
	"traffic-eye/internal/notify"
	"traffic-eye/internal/repository"
)

var ist = time.FixedZone("IST", 5*60*60+30*60)

const disclaimer = "DISCLAIMER: This is a potential traffic violation detected by an\n" +
	"automated system. The evidence is submitted for review and should\n" +
	"not be treated as a definitive accusation."

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #222;">
  <h2 style="color: #c0392b;">Traffic Violation Report</h2>
  <table cellpadding="6" style="border-collapse: collapse;">
    <tr><td><b>Violation ID</b></td><td>{{.ViolationID}}</td></tr>
    <tr><td><b>Type</b></td><td>{{.TypeName}}</td></tr>
    <tr><td><b>Date/Time</b></td><td>{{.TimestampIST}}</td></tr>
    {{- if .HasGPS}}
    <tr><td><b>Location</b></td><td>{{printf "%.6f" .Lat}}, {{printf "%.6f" .Lon}}</td></tr>
    {{- if .Address}}
    <tr><td><b>Address</b></td><td>{{.Address}}</td></tr>
    {{- end}}
    <tr><td><b>Map</b></td><td><a href="{{.MapsURL}}">Open in Google Maps</a></td></tr>
    {{- else}}
    <tr><td><b>Location</b></td><td>GPS data unavailable</td></tr>
    {{- end}}
    {{- if .Plate}}
    <tr><td><b>License Plate</b></td><td>{{.Plate}} ({{printf "%.0f" .PlatePct}}% confidence)</td></tr>
    {{- end}}
    <tr><td><b>Overall Confidence</b></td><td>{{printf "%.1f" .ConfidencePct}}%</td></tr>
    {{- if .CloudVerified}}
    <tr><td><b>Cloud Verified</b></td><td>Yes ({{.CloudProvider}})</td></tr>
    {{- end}}
  </table>
  <p>{{.Attachments}} evidence image(s) attached.</p>
  <p style="font-size: 12px; color: #777;">{{.Disclaimer}}</p>
</body>
</html>
`))

type Report struct {
	ViolationID string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []notify.Attachment
}

func (r *Report) Message() notify.Message {
	return notify.Message{
		Subject:     r.Subject,
		TextBody:    r.TextBody,
		HTMLBody:    r.HTMLBody,
		Attachments: r.Attachments,
	}
}

type reportView struct {
	ViolationID   string
	TypeName      string
	TimestampIST  string
	HasGPS        bool
	Lat, Lon      float64
	MapsURL       string
	Address       string
	Plate         string
	PlatePct      float64
	ConfidencePct float64
	CloudVerified bool
	CloudProvider string
	Attachments   int
	Disclaimer    string
}

// BuildReport renders the email for a stored violation. Frames must already be hash-checked.
func BuildReport(v *repository.Violation, frames [][]byte, cloudVerified bool, cloudProvider string) (*Report, error) {
	typeName := traffic.ViolationType(v.Type).DisplayName()

	view := reportView{
		ViolationID:   v.ID,
		TypeName:      typeName,
		TimestampIST:  v.Timestamp.In(ist).Format("2006-01-02 15:04:05") + " IST",
		ConfidencePct: v.Confidence * 100,
		CloudVerified: cloudVerified,
		CloudProvider: cloudProvider,
		Attachments:   len(frames),
		Disclaimer:    strings.ReplaceAll(disclaimer, "\n", " "),
	}
	if v.GPSLat != nil && v.GPSLon != nil {
		view.HasGPS = true
		view.Lat, view.Lon = *v.GPSLat, *v.GPSLon
		view.MapsURL = traffic.GPSReading{Latitude: view.Lat, Longitude: view.Lon}.MapsURL()
		if v.GPSAddress != nil {
			view.Address = *v.GPSAddress
		}
	}
	if v.PlateText != nil && *v.PlateText != "" {
		view.Plate = *v.PlateText
		if v.PlateConfidence != nil {
			view.PlatePct = *v.PlateConfidence * 100
		}
	}

	var html bytes.Buffer
	if err := reportTemplate.Execute(&html, view); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}

	report := &Report{
		ViolationID: v.ID,
		Subject:     fmt.Sprintf("Traffic Violation Report: %s [%s]", typeName, shortID(v.ID)),
		TextBody:    reportText(view),
		HTMLBody:    html.String(),
	}
	for i, data := range frames {
		report.Attachments = append(report.Attachments, notify.Attachment{
			Name:        fmt.Sprintf("evidence_%02d.jpg", i),
			ContentType: "image/jpeg",
			Data:        data,
		})
	}
	return report, nil
}

func reportText(v reportView) string {
	lines := []string{
		"TRAFFIC VIOLATION REPORT",
		strings.Repeat("=", 40),
		"Violation ID: " + v.ViolationID,
		"Type: " + v.TypeName,
		"Date/Time: " + v.TimestampIST,
	}

	if v.HasGPS {
		lines = append(lines, fmt.Sprintf("Location: %.6f, %.6f", v.Lat, v.Lon))
		if v.Address != "" {
			lines = append(lines, "Address: "+v.Address)
		}
		lines = append(lines, "Maps: "+v.MapsURL)
	} else {
		lines = append(lines, "Location: GPS data unavailable")
	}

	if v.Plate != "" {
		lines = append(lines, fmt.Sprintf("License Plate: %s (%.0f%% confidence)", v.Plate, v.PlatePct))
	}
	lines = append(lines, fmt.Sprintf("Overall Confidence: %.1f%%", v.ConfidencePct))
	if v.CloudVerified {
		lines = append(lines, fmt.Sprintf("Cloud Verified: Yes (%s)", v.CloudProvider))
	}

	lines = append(lines, "", disclaimer)
	return strings.Join(lines, "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
