package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"traffic-eye/internal/domain/traffic"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type ViolationRepository struct {
	db *gorm.DB
}

func NewViolationRepository(db *gorm.DB) *ViolationRepository {
	return &ViolationRepository{db: db}
}

func (Violation) TableName() string {
	return "violations"
}

func (EvidenceFile) TableName() string {
	return "evidence_files"
}

type Violation struct {
	ID                string `gorm:"primaryKey"`
	Type              string `gorm:"not null"`
	Confidence        float64
	PlateText         *string
	PlateConfidence   *float64
	GPSLat            *float64 `gorm:"column:gps_lat"`
	GPSLon            *float64 `gorm:"column:gps_lon"`
	GPSHeading        *float64 `gorm:"column:gps_heading"`
	GPSSpeedKmh       *float64 `gorm:"column:gps_speed_kmh"`
	GPSAddress        *string  `gorm:"column:gps_address"`
	Timestamp         time.Time
	Status            string `gorm:"not null;default:pending"`
	ConsecutiveFrames int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type EvidenceFile struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	ViolationID string `gorm:"not null"`
	FilePath    string `gorm:"not null"`
	FileType    string `gorm:"not null"`
	FileSize    int64
	FileHash    string `gorm:"not null"`
	CreatedAt   time.Time
}

const (
	FileTypeFrame = "frame"
	FileTypeVideo = "video"
)

// NewViolationRow maps a confirmed candidate to a pending violation row.
func NewViolationRow(id string, c *traffic.ViolationCandidate, address string) *Violation {
	row := &Violation{
		ID:                id,
		Type:              string(c.Type),
		Confidence:        c.Confidence,
		Timestamp:         c.Timestamp.UTC(),
		Status:            string(traffic.StatusPending),
		ConsecutiveFrames: c.ConsecutiveFrameCount,
	}
	if c.PlateText != "" {
		plate, conf := c.PlateText, c.PlateConfidence
		row.PlateText = &plate
		row.PlateConfidence = &conf
	}
	if c.GPS != nil {
		lat, lon, heading, speed := c.GPS.Latitude, c.GPS.Longitude, c.GPS.Heading, c.GPS.SpeedKmh
		row.GPSLat = &lat
		row.GPSLon = &lon
		row.GPSHeading = &heading
		row.GPSSpeedKmh = &speed
	}
	if address != "" {
		row.GPSAddress = &address
	}
	return row
}

func (r *ViolationRepository) CreateViolation(ctx context.Context, v *Violation) error {
	if err := r.db.WithContext(ctx).Create(v).Error; err != nil {
		return fmt.Errorf("failed to create violation: %w", err)
	}
	return nil
}

func (r *ViolationRepository) GetViolation(ctx context.Context, id string) (*Violation, error) {
	var v Violation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// UpdateStatus moves a violation to status if the transition is legal.
func (r *ViolationRepository) UpdateStatus(ctx context.Context, id string, status traffic.Status) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return transition(tx, id, status, nil)
	})
}

// MarkVerified records the cloud-confirmed plate along with the verified status.
func (r *ViolationRepository) MarkVerified(ctx context.Context, id, plate string, plateConf float64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		extra := map[string]any{}
		if plate != "" {
			extra["plate_text"] = plate
			extra["plate_confidence"] = plateConf
		}
		return transition(tx, id, traffic.StatusVerified, extra)
	})
}

// Transition is UpdateStatus for callers already inside a transaction.
func Transition(tx *gorm.DB, id string, status traffic.Status) error {
	return transition(tx, id, status, nil)
}

func transition(tx *gorm.DB, id string, status traffic.Status, extra map[string]any) error {
	var current Violation
	err := tx.Select("id", "status").Where("id = ?", id).First(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	from := traffic.Status(current.Status)
	if from == status && len(extra) == 0 {
		return nil
	}
	if from != status && !traffic.CanTransition(from, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	updates := map[string]any{"status": string(status), "updated_at": time.Now().UTC()}
	for k, v := range extra {
		updates[k] = v
	}
	return tx.Model(&Violation{}).
		Where("id = ? AND status = ?", id, current.Status).
		Updates(updates).Error
}

func (r *ViolationRepository) SetAddress(ctx context.Context, id, address string) error {
	return r.db.WithContext(ctx).Model(&Violation{}).
		Where("id = ?", id).
		Updates(map[string]any{"gps_address": address, "updated_at": time.Now().UTC()}).Error
}

func (r *ViolationRepository) FindViolations(ctx context.Context, status *string, limit, offset int) ([]Violation, error) {
	query := r.db.WithContext(ctx).Model(&Violation{})

	if status != nil {
		query = query.Where("status = ?", *status)
	}

	query = query.Order("timestamp DESC")

	if limit > 0 {
		query = query.Limit(limit)
		if limit > 100 {
			query = query.Limit(100)
		}
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var out []Violation
	err := query.Find(&out).Error
	return out, err
}

// FindByStatusOldest returns violations with status, oldest first.
func (r *ViolationRepository) FindByStatusOldest(ctx context.Context, status traffic.Status, limit int) ([]Violation, error) {
	var out []Violation
	query := r.db.WithContext(ctx).Where("status = ?", string(status)).Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&out).Error
	return out, err
}

// FindExpired returns violations created before cutoff that are no longer in flight.
func (r *ViolationRepository) FindExpired(ctx context.Context, cutoff time.Time) ([]Violation, error) {
	var out []Violation
	err := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Where("status NOT IN ?", []string{string(traffic.StatusPending), string(traffic.StatusProcessing)}).
		Find(&out).Error
	return out, err
}

func (r *ViolationRepository) ViolationIDs(ctx context.Context) (map[string]struct{}, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&Violation{}).Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// DeleteViolation removes the violation with its evidence rows and queue jobs.
func (r *ViolationRepository) DeleteViolation(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range []string{"evidence_files", "cloud_queue", "email_queue"} {
			if err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE violation_id = ?", table), id).Error; err != nil {
				return fmt.Errorf("delete %s rows: %w", table, err)
			}
		}
		return tx.Where("id = ?", id).Delete(&Violation{}).Error
	})
}

func (r *ViolationRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&Violation{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

func (r *ViolationRepository) AddEvidence(ctx context.Context, f *EvidenceFile) error {
	if err := r.db.WithContext(ctx).Create(f).Error; err != nil {
		return fmt.Errorf("failed to record evidence file: %w", err)
	}
	return nil
}

func (r *ViolationRepository) ListEvidence(ctx context.Context, violationID string) ([]EvidenceFile, error) {
	var out []EvidenceFile
	err := r.db.WithContext(ctx).
		Where("violation_id = ?", violationID).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

func (r *ViolationRepository) AllEvidence(ctx context.Context) ([]EvidenceFile, error) {
	var out []EvidenceFile
	err := r.db.WithContext(ctx).Order("id ASC").Find(&out).Error
	return out, err
}

func (r *ViolationRepository) DeleteEvidenceFile(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&EvidenceFile{}).Error
}

func (r *ViolationRepository) DeleteEvidence(ctx context.Context, violationID string) (int64, error) {
	result := r.db.WithContext(ctx).Where("violation_id = ?", violationID).Delete(&EvidenceFile{})
	return result.RowsAffected, result.Error
}

// MarkCleaned drops the evidence rows and moves the violation to cleaned in one transaction.
func (r *ViolationRepository) MarkCleaned(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("violation_id = ?", id).Delete(&EvidenceFile{}).Error; err != nil {
			return err
		}
		return transition(tx, id, traffic.StatusCleaned, nil)
	})
}
