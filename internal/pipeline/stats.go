package pipeline

import (
	"sync"
	"time"
)

// DefaultFPSWindow is the number of frame timestamps the rate is computed
// over.
const DefaultFPSWindow = 100

// Stats counts what happened to each frame. Safe for concurrent readers.
type Stats struct {
	mu      sync.Mutex
	window  []time.Time
	next    int
	filled  bool
	frames  uint64
	skipped uint64
	dropped uint64
	absent  uint64
	relocs  uint64
	pubErrs uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Frames          uint64  `json:"frames"`
	Skipped         uint64  `json:"skipped"`
	DroppedTags     uint64  `json:"dropped_tags"`
	AbsentEstimates uint64  `json:"absent_estimates"`
	Relocalizations uint64  `json:"relocalizations"`
	PublishErrors   uint64  `json:"publish_errors"`
	FPS             float64 `json:"fps"`
}

// NewStats keeps the last size frame times for the rate estimate.
func NewStats(size int) *Stats {
	if size < 2 {
		size = DefaultFPSWindow
	}
	return &Stats{window: make([]time.Time, size)}
}

func (s *Stats) recordFrame(at time.Time, droppedTags int, valid, relocalized bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window[s.next] = at
	s.next = (s.next + 1) % len(s.window)
	if s.next == 0 {
		s.filled = true
	}
	s.frames++
	s.dropped += uint64(droppedTags)
	if !valid {
		s.absent++
	}
	if relocalized {
		s.relocs++
	}
}

func (s *Stats) recordSkip() {
	s.mu.Lock()
	s.skipped++
	s.mu.Unlock()
}

func (s *Stats) recordPublishError() {
	s.mu.Lock()
	s.pubErrs++
	s.mu.Unlock()
}

// fps is (n-1) intervals over the span of the n stored timestamps.
func (s *Stats) fps() float64 {
	n := s.next
	oldest := 0
	if s.filled {
		n = len(s.window)
		oldest = s.next
	}
	if n < 2 {
		return 0
	}
	newest := (oldest + n - 1) % len(s.window)
	span := s.window[newest].Sub(s.window[oldest])
	if span <= 0 {
		return 0
	}
	return float64(n-1) / span.Seconds()
}

// Snapshot returns the current counters and frame rate.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Frames:          s.frames,
		Skipped:         s.skipped,
		DroppedTags:     s.dropped,
		AbsentEstimates: s.absent,
		Relocalizations: s.relocs,
		PublishErrors:   s.pubErrs,
		FPS:             s.fps(),
	}
}
