package tracking

import (
	"sort"

	"traffic-eye/internal/domain/traffic"
)

type Track struct {
	ID            int
	BBox          traffic.BoundingBox
	ClassName     string
	Age           int
	MissingFrames int
	TotalVisible  int
}

// Manager assigns stable ids to detections across frames by greedy IoU matching.
// It is not safe for concurrent use.
type Manager struct {
	iouThreshold     float64
	maxMissingFrames int

	tracks []*Track
	nextID int
}

func NewManager(iouThreshold float64, maxMissingFrames int) *Manager {
	return &Manager{
		iouThreshold:     iouThreshold,
		maxMissingFrames: maxMissingFrames,
		nextID:           1,
	}
}

type pairing struct {
	track int
	det   int
	iou   float64
}

// Update stamps TrackID on each detection in place and returns the same slice.
func (m *Manager) Update(dets []traffic.Detection) []traffic.Detection {
	if len(m.tracks) == 0 {
		for i := range dets {
			m.spawn(&dets[i])
		}
		return dets
	}

	var pairs []pairing
	for ti, tr := range m.tracks {
		for di := range dets {
			if iou := tr.BBox.IoU(dets[di].BBox); iou >= m.iouThreshold {
				pairs = append(pairs, pairing{track: ti, det: di, iou: iou})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].iou > pairs[j].iou })

	usedTracks := make(map[int]bool, len(m.tracks))
	usedDets := make(map[int]bool, len(dets))
	for _, p := range pairs {
		if usedTracks[p.track] || usedDets[p.det] {
			continue
		}
		usedTracks[p.track] = true
		usedDets[p.det] = true

		tr := m.tracks[p.track]
		tr.BBox = dets[p.det].BBox
		tr.ClassName = dets[p.det].BBox.ClassName
		tr.Age++
		tr.TotalVisible++
		tr.MissingFrames = 0
		dets[p.det].TrackID = tr.ID
	}

	existing := len(m.tracks)
	for di := range dets {
		if !usedDets[di] {
			m.spawn(&dets[di])
		}
	}

	kept := m.tracks[:0]
	for ti, tr := range m.tracks {
		if ti < existing && !usedTracks[ti] {
			tr.MissingFrames++
		}
		if tr.MissingFrames <= m.maxMissingFrames {
			kept = append(kept, tr)
		}
	}
	for i := len(kept); i < len(m.tracks); i++ {
		m.tracks[i] = nil
	}
	m.tracks = kept

	return dets
}

func (m *Manager) spawn(det *traffic.Detection) {
	tr := &Track{
		ID:           m.nextID,
		BBox:         det.BBox,
		ClassName:    det.BBox.ClassName,
		Age:          1,
		TotalVisible: 1,
	}
	m.nextID++
	m.tracks = append(m.tracks, tr)
	det.TrackID = tr.ID
}

// ActiveTracks returns tracks matched in the most recent update.
func (m *Manager) ActiveTracks() []Track {
	var out []Track
	for _, tr := range m.tracks {
		if tr.MissingFrames == 0 {
			out = append(out, *tr)
		}
	}
	return out
}

func (m *Manager) AllTracks() []Track {
	out := make([]Track, 0, len(m.tracks))
	for _, tr := range m.tracks {
		out = append(out, *tr)
	}
	return out
}

func (m *Manager) ActiveTrackIDs() map[int]struct{} {
	ids := make(map[int]struct{}, len(m.tracks))
	for _, tr := range m.tracks {
		if tr.MissingFrames == 0 {
			ids[tr.ID] = struct{}{}
		}
	}
	return ids
}

func (m *Manager) Reset() {
	m.tracks = nil
	m.nextID = 1
}
