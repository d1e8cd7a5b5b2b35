package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"traffic-eye/internal/db"
	"traffic-eye/internal/domain/traffic"
	"traffic-eye/internal/evidence"
	"traffic-eye/internal/notify"
	"traffic-eye/internal/queue"
	"traffic-eye/internal/repository"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	db     *gorm.DB
	repo   *repository.ViolationRepository
	cloudQ *queue.Queue
	emailQ *queue.Queue
	dir    string
	clock  *testClock
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	root := t.TempDir()
	database, err := db.OpenSQLite(filepath.Join(root, "traffic.db"))
	require.NoError(t, err)

	clock := &testClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	newQueue := func(table, done string) *queue.Queue {
		return queue.New(database, queue.Options{
			Table:       table,
			DoneStatus:  done,
			MaxAttempts: maxAttempts,
			BackoffCap:  300 * time.Second,
			Now:         clock.Now,
		})
	}

	return &fixture{
		db:     database,
		repo:   repository.NewViolationRepository(database),
		cloudQ: newQueue(queue.CloudTable, queue.StatusDone),
		emailQ: newQueue(queue.EmailTable, queue.StatusSent),
		dir:    filepath.Join(root, "evidence"),
		clock:  clock,
	}
}

func (f *fixture) addViolation(t *testing.T, id string, status traffic.Status) *repository.Violation {
	t.Helper()
	c := &traffic.ViolationCandidate{
		Type:                  traffic.NoHelmet,
		Confidence:            0.88,
		Timestamp:             f.clock.Now(),
		ConsecutiveFrameCount: 3,
		GPS:                   &traffic.GPSReading{Latitude: 12.9716, Longitude: 77.5946, SpeedKmh: 25},
	}
	row := repository.NewViolationRow(id, c, "MG Road, Bengaluru")
	row.Status = string(status)
	require.NoError(t, f.repo.CreateViolation(context.Background(), row))
	return row
}

// addFrame writes a frame file and records its hash.
func (f *fixture) addFrame(t *testing.T, violationID string, idx int, data []byte) repository.EvidenceFile {
	t.Helper()
	dir := filepath.Join(f.dir, violationID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, fmt.Sprintf("frame_%02d.jpg", idx))
	require.NoError(t, os.WriteFile(path, data, 0o644))

	row := repository.EvidenceFile{
		ViolationID: violationID,
		FilePath:    path,
		FileType:    repository.FileTypeFrame,
		FileSize:    int64(len(data)),
		FileHash:    evidence.HashBytes(data),
	}
	require.NoError(t, f.repo.AddEvidence(context.Background(), &row))
	return row
}

func (f *fixture) status(t *testing.T, id string) traffic.Status {
	t.Helper()
	v, err := f.repo.GetViolation(context.Background(), id)
	require.NoError(t, err)
	return traffic.Status(v.Status)
}

type fakeMailer struct {
	mu    sync.Mutex
	sent  []notify.Message
	err    error
	onErr  func()
	onSend func()
}

func (m *fakeMailer) Send(_ context.Context, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		if m.onErr != nil {
			m.onErr()
		}
		return m.err
	}
	m.sent = append(m.sent, msg)
	if m.onSend != nil {
		m.onSend()
	}
	return nil
}

type fakeArchiver struct {
	keys []string
	err  error
}

func (a *fakeArchiver) ArchiveFile(_ context.Context, violationID, filePath string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	key := violationID + "/" + filepath.Base(filePath)
	a.keys = append(a.keys, key)
	return "https://r2.example.com/evidence/" + key, nil
}

type staticProbe bool

func (p staticProbe) Online(context.Context) bool { return bool(p) }
