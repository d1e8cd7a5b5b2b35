package queue

import (
	"sync"
	"time"
)

// SuccessWindow is a sliding-window limit on successful sends.
type SuccessWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	times  []time.Time
}

func NewSuccessWindow(limit int, window time.Duration, now func() time.Time) *SuccessWindow {
	if now == nil {
		now = time.Now
	}
	return &SuccessWindow{limit: limit, window: window, now: now}
}

// Seed loads success times recorded before a restart.
func (w *SuccessWindow) Seed(times []time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.times = append(w.times, times...)
	w.prune(w.now())
}

func (w *SuccessWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return w.limit <= 0 || len(w.times) < w.limit
}

func (w *SuccessWindow) Record() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.times = append(w.times, w.now())
}

func (w *SuccessWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return len(w.times)
}

func (w *SuccessWindow) prune(now time.Time) {
	kept := w.times[:0]
	for _, t := range w.times {
		if now.Sub(t) < w.window {
			kept = append(kept, t)
		}
	}
	w.times = kept
}

// Remaining reports how many more successes fit in the window, or -1 when unlimited.
func (w *SuccessWindow) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.limit <= 0 {
		return -1
	}
	w.prune(w.now())
	return max(0, w.limit-len(w.times))
}
