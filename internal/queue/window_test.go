package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSuccessWindow(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	w := NewSuccessWindow(2, time.Hour, c.Now)

	assert.True(t, w.Allow())
	w.Record()
	c.Advance(10 * time.Minute)
	w.Record()
	assert.False(t, w.Allow())

	c.Advance(51 * time.Minute)
	assert.True(t, w.Allow())
	assert.Equal(t, 1, w.Count())
}

func TestSuccessWindowSeed(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w := NewSuccessWindow(2, time.Hour, func() time.Time { return now })

	w.Seed([]time.Time{now.Add(-2 * time.Hour), now.Add(-30 * time.Minute), now.Add(-time.Minute)})
	assert.Equal(t, 2, w.Count())
	assert.False(t, w.Allow())
}

func TestSuccessWindowRemaining(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	w := NewSuccessWindow(3, time.Hour, c.Now)
	assert.Equal(t, 3, w.Remaining())
	w.Record()
	assert.Equal(t, 2, w.Remaining())

	unlimited := NewSuccessWindow(0, time.Hour, c.Now)
	assert.Equal(t, -1, unlimited.Remaining())
}
