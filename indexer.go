package crystfel

import (
	"context"
	"math"
	"os"
	"time"
)

// CellTolerances bounds the CHECK_CELL comparison of spec.md §4.G:
// default 5% on lengths, 1.5 degrees on angles.
type CellTolerances struct {
	LengthFrac float64
	AngleRad   float64
}

// DefaultCellTolerances matches the default tolerances of spec.md §4.G.
func DefaultCellTolerances() CellTolerances {
	return CellTolerances{LengthFrac: 0.05, AngleRad: 1.5 * math.Pi / 180.0}
}

// CellsMatch reports whether candidate matches target within the given
// tolerances (spec.md §4.G CHECK_CELL).
func CellsMatch(candidate, target *UnitCell, tol CellTolerances) bool {
	cp, tp := candidate.Params(), target.Params()
	within := func(a, b, frac float64) bool {
		if b == 0 {
			return a == 0
		}
		return abs(a-b)/abs(b) <= frac
	}
	angleWithin := func(a, b, tolRad float64) bool {
		return abs(a-b) <= tolRad
	}
	return within(cp.A, tp.A, tol.LengthFrac) &&
		within(cp.B, tp.B, tol.LengthFrac) &&
		within(cp.C, tp.C, tol.LengthFrac) &&
		angleWithin(cp.Alpha, tp.Alpha, tol.AngleRad) &&
		angleWithin(cp.Beta, tp.Beta, tol.AngleRad) &&
		angleWithin(cp.Gamma, tp.Gamma, tol.AngleRad)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// CandidateCell is one unit cell hypothesis returned by an indexer.
type CandidateCell struct {
	Cell   *UnitCell
	Method string
}

// IndexerHandle is the opaque per-call state an Indexer returns from
// Setup and expects back in Index/Cancel/Teardown; concrete indexers
// use it to carry the subprocess handle and its private scratch
// directory (Design Notes §9: "each worker gets a private scratch
// directory to contain files dropped by the child").
type IndexerHandle interface {
	ScratchDir() string
}

// Indexer is the uniform trait Design Notes §9 requires for every
// external subprocess indexer (DirAx, MOSFLM, XGandalf, PinkIndexer,
// ...). Launching the actual third-party binaries is explicitly out of
// scope (spec.md §1); this interface is the seam a caller plugs a real
// implementation into.
type Indexer interface {
	Setup(targetCell *UnitCell, tol CellTolerances) (IndexerHandle, error)
	Index(ctx context.Context, h IndexerHandle, peaks []Feature, meta ImageMeta) ([]CandidateCell, error)
	Cancel(h IndexerHandle) error
	Teardown(h IndexerHandle) error

	// Timeout returns the per-call timeout for this indexer: 240s by
	// default, extended to 3000s for a slow indexer (spec.md §5).
	Timeout() time.Duration
}

// ImageMeta is the subset of frame metadata an indexer needs without
// taking a dependency on the full Image type (detector summary,
// wavelength, divergence, bandwidth).
type ImageMeta struct {
	Detector   *Detector
	Wavelength float64
	Divergence float64
	Bandwidth  float64
}

// DefaultIndexerTimeout and SlowIndexerTimeout are the two named
// timeout tiers of spec.md §5.
const (
	DefaultIndexerTimeout = 240 * time.Second
	SlowIndexerTimeout    = 3000 * time.Second
)

// ScratchDir is a minimal IndexerHandle implementation that allocates
// a private temp directory per call, matching the per-worker scratch
// discipline Design Notes §9 requires.
type ScratchDir struct {
	dir string
}

// NewScratchDir allocates a fresh private scratch directory under the
// OS temp dir.
func NewScratchDir(prefix string) (*ScratchDir, error) {
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return nil, err
	}
	return &ScratchDir{dir: dir}, nil
}

func (s *ScratchDir) ScratchDir() string { return s.dir }

// Cleanup removes the scratch directory and its contents.
func (s *ScratchDir) Cleanup() error { return os.RemoveAll(s.dir) }

// RunWithTimeout calls fn and returns its result, or ErrIndexerTimeout
// if fn does not complete before the indexer's configured timeout. fn
// must itself respect ctx cancellation (e.g. by running the child
// process via exec.CommandContext) so that a timed-out call's
// subprocess is actually killed rather than merely abandoned.
func RunWithTimeout(parent context.Context, timeout time.Duration, fn func(ctx context.Context) ([]CandidateCell, error)) ([]CandidateCell, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type result struct {
		cells []CandidateCell
		err   error
	}
	done := make(chan result, 1)
	go func() {
		cells, err := fn(ctx)
		done <- result{cells, err}
	}()

	select {
	case r := <-done:
		return r.cells, r.err
	case <-ctx.Done():
		return nil, ErrIndexerTimeout
	}
}
