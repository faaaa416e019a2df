package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/samber/lo"

	"github.com/xfel-pipeline/crystfel-core"
)

// RunSummary accumulates terminal run statistics (spec.md §7: "hit
// rate, indexing rate, median resolution") across every frame a run
// processes. Counters are lock-free (atomic); the resolution sample is
// protected by a small mutex since it grows an unbounded slice.
type RunSummary struct {
	framesTotal   atomic.Int64
	framesHit     atomic.Int64
	framesIndexed atomic.Int64

	mu          sync.Mutex
	resolutions []float64
}

// Observe folds one completed frame's outcome into the summary.
func (s *RunSummary) Observe(chunk *crystfel.StreamChunk) {
	s.framesTotal.Add(1)
	switch chunk.Status {
	case crystfel.StatusHit:
		s.framesHit.Add(1)
		s.framesIndexed.Add(1)
	}

	if len(chunk.Crystals) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunk.Crystals {
		cur := c.Reflections.Cursor()
		for {
			r, ok := cur.Next()
			if !ok {
				break
			}
			if r.ExcitationError != 0 {
				s.resolutions = append(s.resolutions, 1.0/abs64(r.ExcitationError))
			}
		}
	}
}

// Stats is the reduced terminal summary.
type Stats struct {
	FramesTotal     int64
	FramesHit       int64
	FramesIndexed   int64
	HitRate         float64
	IndexingRate    float64
	MedianResolution float64
}

// Reduce computes the final Stats snapshot; safe to call repeatedly
// (e.g. for a periodic progress line) since it only reads.
func (s *RunSummary) Reduce() Stats {
	total := s.framesTotal.Load()
	hit := s.framesHit.Load()
	indexed := s.framesIndexed.Load()

	stats := Stats{FramesTotal: total, FramesHit: hit, FramesIndexed: indexed}
	if total > 0 {
		stats.HitRate = float64(hit) / float64(total)
		stats.IndexingRate = float64(indexed) / float64(total)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.resolutions) > 0 {
		sorted := append([]float64(nil), s.resolutions...)
		insertionSort(sorted)
		stats.MedianResolution = sorted[len(sorted)/2]
	}
	return stats
}

func abs64(v float64) float64 {
	return lo.Ternary(v < 0, -v, v)
}
