package violation

type temporalKey struct {
	rule    string
	trackID int
}

// TemporalTracker counts consecutive frames a (rule, track) condition holds.
type TemporalTracker struct {
	counters map[temporalKey]int
}

func NewTemporalTracker() *TemporalTracker {
	return &TemporalTracker{counters: make(map[temporalKey]int)}
}

// Update records one frame and reports whether the run has reached minFrames.
// Any miss restarts the run from zero.
func (t *TemporalTracker) Update(rule string, trackID int, conditionMet bool, minFrames int) bool {
	key := temporalKey{rule: rule, trackID: trackID}
	if !conditionMet {
		t.counters[key] = 0
		return false
	}
	t.counters[key]++
	return t.counters[key] >= minFrames
}

func (t *TemporalTracker) Count(rule string, trackID int) int {
	return t.counters[temporalKey{rule: rule, trackID: trackID}]
}

func (t *TemporalTracker) Reset(rule string, trackID int) {
	delete(t.counters, temporalKey{rule: rule, trackID: trackID})
}

func (t *TemporalTracker) ResetAll() {
	clear(t.counters)
}

// CleanupStale drops counters whose track is no longer active. Observer
// counters are never stale: the observing vehicle has no detector track.
func (t *TemporalTracker) CleanupStale(active map[int]struct{}) {
	for key := range t.counters {
		if key.trackID == ObserverTrackID {
			continue
		}
		if _, ok := active[key.trackID]; !ok {
			delete(t.counters, key)
		}
	}
}

func (t *TemporalTracker) Len() int {
	return len(t.counters)
}
