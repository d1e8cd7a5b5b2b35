package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-eye/internal/db"
	"traffic-eye/internal/domain/traffic"
)

func newRepo(t *testing.T) *ViolationRepository {
	t.Helper()
	database, err := db.OpenSQLite(filepath.Join(t.TempDir(), "repo.db"))
	require.NoError(t, err)
	return NewViolationRepository(database)
}

func candidate() *traffic.ViolationCandidate {
	return &traffic.ViolationCandidate{
		Type:                  traffic.NoHelmet,
		Confidence:            0.91,
		Timestamp:             time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		ConsecutiveFrameCount: 3,
		GPS:                   &traffic.GPSReading{Latitude: 12.97, Longitude: 77.59, Heading: 90, SpeedKmh: 25},
	}
}

func TestCreateAndGetViolation(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	row := NewViolationRow("v1", candidate(), "MG Road, Bengaluru")
	require.NoError(t, repo.CreateViolation(ctx, row))

	got, err := repo.GetViolation(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "no_helmet", got.Type)
	assert.Equal(t, "pending", got.Status)
	assert.Equal(t, 3, got.ConsecutiveFrames)
	require.NotNil(t, got.GPSLat)
	assert.InDelta(t, 12.97, *got.GPSLat, 1e-9)
	require.NotNil(t, got.GPSAddress)
	assert.Equal(t, "MG Road, Bengaluru", *got.GPSAddress)
	assert.Nil(t, got.PlateText)

	_, err = repo.GetViolation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusTransitions(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateViolation(ctx, NewViolationRow("v1", candidate(), "")))

	require.NoError(t, repo.MarkVerified(ctx, "v1", "KA01AB1234", 0.97))
	require.NoError(t, repo.UpdateStatus(ctx, "v1", traffic.StatusSent))
	assert.ErrorIs(t, repo.UpdateStatus(ctx, "v1", traffic.StatusPending), ErrInvalidTransition)
	assert.ErrorIs(t, repo.UpdateStatus(ctx, "nope", traffic.StatusSent), ErrNotFound)

	got, err := repo.GetViolation(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "sent", got.Status)
	require.NotNil(t, got.PlateText)
	assert.Equal(t, "KA01AB1234", *got.PlateText)
}

func TestEvidenceLifecycle(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateViolation(ctx, NewViolationRow("v1", candidate(), "")))

	for _, name := range []string{"frame_00.jpg", "frame_01.jpg"} {
		require.NoError(t, repo.AddEvidence(ctx, &EvidenceFile{
			ViolationID: "v1",
			FilePath:    "/evidence/v1/" + name,
			FileType:    FileTypeFrame,
			FileSize:    1024,
			FileHash:    "abc",
		}))
	}

	files, err := repo.ListEvidence(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "/evidence/v1/frame_00.jpg", files[0].FilePath)

	require.NoError(t, repo.UpdateStatus(ctx, "v1", traffic.StatusDiscarded))
	require.NoError(t, repo.MarkCleaned(ctx, "v1"))

	files, err = repo.ListEvidence(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, files)

	got, err := repo.GetViolation(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "cleaned", got.Status)
}

func TestFindExpiredSkipsInFlight(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	old := NewViolationRow("old-sent", candidate(), "")
	old.Status = "sent"
	old.CreatedAt = time.Now().UTC().AddDate(0, 0, -40)
	require.NoError(t, repo.CreateViolation(ctx, old))

	oldPending := NewViolationRow("old-pending", candidate(), "")
	oldPending.CreatedAt = time.Now().UTC().AddDate(0, 0, -40)
	require.NoError(t, repo.CreateViolation(ctx, oldPending))

	require.NoError(t, repo.CreateViolation(ctx, NewViolationRow("fresh", candidate(), "")))

	expired, err := repo.FindExpired(ctx, time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old-sent", expired[0].ID)

	require.NoError(t, repo.DeleteViolation(ctx, "old-sent"))
	ids, err := repo.ViolationIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["pending"])
}

func TestFindViolationsFilters(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		row := NewViolationRow(id, candidate(), "")
		row.Timestamp = row.Timestamp.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.CreateViolation(ctx, row))
	}
	require.NoError(t, repo.UpdateStatus(ctx, "b", traffic.StatusDiscarded))

	all, err := repo.FindViolations(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	status := "discarded"
	discarded, err := repo.FindViolations(ctx, &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, discarded, 1)
	assert.Equal(t, "b", discarded[0].ID)
}
