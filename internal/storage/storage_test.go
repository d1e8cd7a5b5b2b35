package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-eye/internal/config"
)

type fakePutter struct {
	keys   []string
	types  []string
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.keys = append(f.keys, *in.Key)
	f.types = append(f.types, *in.ContentType)
	f.bodies = append(f.bodies, data)
	return &s3.PutObjectOutput{}, nil
}

func TestNewR2ClientNotConfigured(t *testing.T) {
	_, err := NewR2Client(config.R2Config{Endpoint: "https://r2.example.com"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestArchiveFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "frame_00.jpg")
	require.NoError(t, os.WriteFile(p, []byte("jpeg-bytes"), 0o644))

	putter := &fakePutter{}
	client := newR2Client(putter, "evidence", "https://acc.r2.cloudflarestorage.com/", "")

	url, err := client.ArchiveFile(context.Background(), "abc-123", p)
	require.NoError(t, err)
	assert.Equal(t, "https://acc.r2.cloudflarestorage.com/evidence/abc-123/frame_00.jpg", url)
	assert.Equal(t, []string{"abc-123/frame_00.jpg"}, putter.keys)
	assert.Equal(t, "image/jpeg", putter.types[0])
	assert.Equal(t, []byte("jpeg-bytes"), putter.bodies[0])
}

func TestArchiveFileErrors(t *testing.T) {
	client := newR2Client(&fakePutter{err: errors.New("boom")}, "b", "https://e", "https://cdn.example.com")

	_, err := client.ArchiveFile(context.Background(), "id", filepath.Join(t.TempDir(), "missing.jpg"))
	assert.Error(t, err)

	p := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	_, err = client.ArchiveFile(context.Background(), "id", p)
	assert.ErrorContains(t, err, "r2 upload failed")

	var nilClient *R2Client
	_, err = nilClient.ArchiveFile(context.Background(), "id", p)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestPublicURL(t *testing.T) {
	client := newR2Client(&fakePutter{}, "b", "https://e", "https://cdn.example.com/")
	assert.Equal(t, "https://cdn.example.com/b/k/x.jpg", client.objectURL("/k/x.jpg"))
}

func TestDiskUsagePercent(t *testing.T) {
	pct, err := DiskUsagePercent(t.TempDir())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pct, 0.0)
	assert.LessOrEqual(t, pct, 100.0)
}
