package pipeline

import (
	"context"
	"math"
	"testing"
	"time"

	crystfel "github.com/xfel-pipeline/crystfel-core"
)

type stubHandle struct{}

func (stubHandle) ScratchDir() string { return "" }

// fakeIndexer returns a fixed set of candidate cells regardless of the
// peak list, letting these tests exercise RunFrame's accept/reject
// bookkeeping without a real indexing algorithm.
type fakeIndexer struct {
	candidates []crystfel.CandidateCell
	err        error
}

func (f *fakeIndexer) Setup(targetCell *crystfel.UnitCell, tol crystfel.CellTolerances) (crystfel.IndexerHandle, error) {
	return stubHandle{}, nil
}
func (f *fakeIndexer) Index(ctx context.Context, h crystfel.IndexerHandle, peaks []crystfel.Feature, meta crystfel.ImageMeta) ([]crystfel.CandidateCell, error) {
	return f.candidates, f.err
}
func (f *fakeIndexer) Cancel(h crystfel.IndexerHandle) error   { return nil }
func (f *fakeIndexer) Teardown(h crystfel.IndexerHandle) error { return nil }
func (f *fakeIndexer) Timeout() time.Duration                  { return time.Second }

func testDetector() *crystfel.Detector {
	panel := &crystfel.Panel{
		Name: "p0", MinFs: 0, MaxFs: 63, MinSs: 0, MaxSs: 63,
		Corner:    crystfel.Vec3{X: -3.2e-3, Y: -3.2e-3},
		Fs:        crystfel.Vec3{X: 100e-6},
		Ss:        crystfel.Vec3{Y: 100e-6},
		PixelSize: 100e-6,
		CameraLen: 0.1,
	}
	return &crystfel.Detector{Panels: []*crystfel.Panel{panel}}
}

func testImage(det *crystfel.Detector, peaks []crystfel.Feature) *crystfel.Image {
	data := make([][]float64, 64)
	for y := range data {
		row := make([]float64, 64)
		for x := range row {
			row[x] = 10.0
		}
		data[y] = row
	}
	return &crystfel.Image{
		Filename: "frame.cxi",
		Detector: det,
		Beam:     crystfel.BeamParams{PhotonEnergyEv: 12000},
		RawData:  [][][]float64{data},
		Features: peaks,
	}
}

func manyPeaks(n int) []crystfel.Feature {
	peaks := make([]crystfel.Feature, n)
	for i := range peaks {
		peaks[i] = crystfel.Feature{Fs: float64(i % 60), Ss: float64(i % 60), Intensity: 100}
	}
	return peaks
}

func TestRunFrameTooFewPeaksIsNoPeaks(t *testing.T) {
	det := testDetector()
	img := testImage(det, manyPeaks(3))
	target := crystfel.NewCellFromParams(50e-10, 50e-10, 50e-10, math.Pi/2, math.Pi/2, math.Pi/2)

	opt := DefaultOptions()
	opt.MinPeaks = 10

	chunk, err := RunFrame(context.Background(), img, target, nil, opt, nil)
	if err != nil {
		t.Fatalf("RunFrame: %v", err)
	}
	if chunk.Status != crystfel.StatusNoPeaks {
		t.Errorf("Status = %v, want StatusNoPeaks", chunk.Status)
	}
	if len(chunk.Crystals) != 0 {
		t.Errorf("Crystals = %d, want 0", len(chunk.Crystals))
	}
}

func TestRunFrameNoCandidatesIsNoIndex(t *testing.T) {
	det := testDetector()
	img := testImage(det, manyPeaks(20))
	target := crystfel.NewCellFromParams(50e-10, 50e-10, 50e-10, math.Pi/2, math.Pi/2, math.Pi/2)

	opt := DefaultOptions()
	opt.MinPeaks = 10

	indexers := []crystfel.Indexer{&fakeIndexer{candidates: nil}}

	chunk, err := RunFrame(context.Background(), img, target, indexers, opt, nil)
	if err != nil {
		t.Fatalf("RunFrame: %v", err)
	}
	if chunk.Status != crystfel.StatusNoIndex {
		t.Errorf("Status = %v, want StatusNoIndex", chunk.Status)
	}
}

func TestRunFrameCellMismatchIsNoIndex(t *testing.T) {
	det := testDetector()
	img := testImage(det, manyPeaks(20))
	target := crystfel.NewCellFromParams(50e-10, 50e-10, 50e-10, math.Pi/2, math.Pi/2, math.Pi/2)
	wrong := crystfel.NewCellFromParams(200e-10, 200e-10, 200e-10, math.Pi/2, math.Pi/2, math.Pi/2)

	opt := DefaultOptions()
	opt.MinPeaks = 10
	opt.CheckCell = true
	opt.Retry = false

	indexers := []crystfel.Indexer{&fakeIndexer{candidates: []crystfel.CandidateCell{{Cell: wrong, Method: "fake"}}}}

	chunk, err := RunFrame(context.Background(), img, target, indexers, opt, nil)
	if err != nil {
		t.Fatalf("RunFrame: %v", err)
	}
	if chunk.Status != crystfel.StatusNoIndex {
		t.Errorf("Status = %v, want StatusNoIndex", chunk.Status)
	}
}

func TestRunFrameMatchingCandidateIsHit(t *testing.T) {
	det := testDetector()
	target := crystfel.NewCellFromParams(50e-10, 50e-10, 50e-10, math.Pi/2, math.Pi/2, math.Pi/2)
	img := testImage(det, manyPeaks(20))

	opt := DefaultOptions()
	opt.MinPeaks = 10
	opt.CheckCell = true
	opt.CheckPeaks = false
	opt.Refine = false

	indexers := []crystfel.Indexer{&fakeIndexer{candidates: []crystfel.CandidateCell{{Cell: target, Method: "fake"}}}}

	chunk, err := RunFrame(context.Background(), img, target, indexers, opt, nil)
	if err != nil {
		t.Fatalf("RunFrame: %v", err)
	}
	if chunk.Status != crystfel.StatusHit {
		t.Errorf("Status = %v, want StatusHit", chunk.Status)
	}
	if len(chunk.Crystals) != 1 {
		t.Fatalf("Crystals = %d, want 1", len(chunk.Crystals))
	}
	if chunk.IndexedBy != "fake" {
		t.Errorf("IndexedBy = %q, want \"fake\"", chunk.IndexedBy)
	}
}

func TestRunFrameRetryFallsThroughToSecondIndexer(t *testing.T) {
	det := testDetector()
	target := crystfel.NewCellFromParams(50e-10, 50e-10, 50e-10, math.Pi/2, math.Pi/2, math.Pi/2)
	img := testImage(det, manyPeaks(20))

	opt := DefaultOptions()
	opt.MinPeaks = 10
	opt.Retry = true

	indexers := []crystfel.Indexer{
		&fakeIndexer{candidates: nil},
		&fakeIndexer{candidates: []crystfel.CandidateCell{{Cell: target, Method: "second"}}},
	}

	chunk, err := RunFrame(context.Background(), img, target, indexers, opt, nil)
	if err != nil {
		t.Fatalf("RunFrame: %v", err)
	}
	if chunk.Status != crystfel.StatusHit {
		t.Errorf("Status = %v, want StatusHit", chunk.Status)
	}
	if chunk.IndexedBy != "second" {
		t.Errorf("IndexedBy = %q, want \"second\" (RETRY should fall through to the next indexer)", chunk.IndexedBy)
	}
}

func TestRunFrameNoRetryStopsAtFirstFailure(t *testing.T) {
	det := testDetector()
	target := crystfel.NewCellFromParams(50e-10, 50e-10, 50e-10, math.Pi/2, math.Pi/2, math.Pi/2)
	img := testImage(det, manyPeaks(20))

	opt := DefaultOptions()
	opt.MinPeaks = 10
	opt.Retry = false

	indexers := []crystfel.Indexer{
		&fakeIndexer{candidates: nil},
		&fakeIndexer{candidates: []crystfel.CandidateCell{{Cell: target, Method: "second"}}},
	}

	chunk, err := RunFrame(context.Background(), img, target, indexers, opt, nil)
	if err != nil {
		t.Fatalf("RunFrame: %v", err)
	}
	if chunk.Status != crystfel.StatusNoIndex {
		t.Errorf("Status = %v, want StatusNoIndex (RETRY disabled, should not reach the second indexer)", chunk.Status)
	}
}
