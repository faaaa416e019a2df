package peaksearch

import (
	"testing"

	crystfel "github.com/xfel-pipeline/crystfel-core"
)

func flatImage(w, h int, bg float64) [][]float64 {
	data := make([][]float64, h)
	for y := range data {
		row := make([]float64, w)
		for x := range row {
			row[x] = bg
		}
		data[y] = row
	}
	return data
}

// TestPeakFinder8CentroidWithinBlobBounds plants a single bright
// symmetric blob on a flat background and checks that the reported
// centroid falls inside the blob's own bounding box (spec.md §4.C
// "Outputs": a peak's centroid must lie within the pixels that formed
// it) and within the panel's address rectangle.
func TestPeakFinder8CentroidWithinBlobBounds(t *testing.T) {
	const w, h = 20, 20
	data := flatImage(w, h, 10.0)

	blobMinX, blobMaxX := 8, 12
	blobMinY, blobMaxY := 8, 12
	for y := blobMinY; y <= blobMaxY; y++ {
		for x := blobMinX; x <= blobMaxX; x++ {
			data[y][x] = 500.0
		}
	}

	panel := &crystfel.Panel{Name: "p0", MinFs: 0, MaxFs: w - 1, MinSs: 0, MaxSs: h - 1}
	img := &PanelImage{Panel: panel, Data: data}

	opt := DefaultConnectedComponentOptions()
	opt.CenterFs, opt.CenterSs = w / 2, h / 2
	opt.MaxPixelCount = 100

	results := PeakFinder8(img, opt)
	if len(results) != 1 {
		t.Fatalf("PeakFinder8 found %d peaks, want 1", len(results))
	}

	r := results[0]
	if !panel.Contains(r.Fs, r.Ss) {
		t.Errorf("centroid (%v,%v) outside panel bounds", r.Fs, r.Ss)
	}
	if r.Fs < float64(blobMinX) || r.Fs > float64(blobMaxX) {
		t.Errorf("centroid Fs = %v, want within [%d,%d]", r.Fs, blobMinX, blobMaxX)
	}
	if r.Ss < float64(blobMinY) || r.Ss > float64(blobMaxY) {
		t.Errorf("centroid Ss = %v, want within [%d,%d]", r.Ss, blobMinY, blobMaxY)
	}

	// the blob is symmetric, so the centroid should sit exactly at its
	// midpoint.
	wantFs := float64(blobMinX+blobMaxX) / 2
	wantSs := float64(blobMinY+blobMaxY) / 2
	if r.Fs != wantFs || r.Ss != wantSs {
		t.Errorf("centroid = (%v,%v), want exact midpoint (%v,%v)", r.Fs, r.Ss, wantFs, wantSs)
	}
}

// TestPeakFinder8RespectsMinPixelCount checks that a single hot pixel
// below MinPixelCount is rejected rather than reported as a peak.
func TestPeakFinder8RespectsMinPixelCount(t *testing.T) {
	const w, h = 10, 10
	data := flatImage(w, h, 10.0)
	data[5][5] = 500.0

	panel := &crystfel.Panel{Name: "p0", MinFs: 0, MaxFs: w - 1, MinSs: 0, MaxSs: h - 1}
	img := &PanelImage{Panel: panel, Data: data}

	opt := DefaultConnectedComponentOptions()
	opt.CenterFs, opt.CenterSs = w / 2, h / 2
	opt.MinPixelCount = 2

	results := PeakFinder8(img, opt)
	if len(results) != 0 {
		t.Errorf("PeakFinder8 found %d peaks, want 0 (single pixel below MinPixelCount)", len(results))
	}
}

// TestPeakFinder8RespectsResolutionBounds checks that a blob outside
// the configured resolution-ring bound is excluded even though its SNR
// and pixel count would otherwise pass.
func TestPeakFinder8RespectsResolutionBounds(t *testing.T) {
	const w, h = 20, 20
	data := flatImage(w, h, 10.0)
	for y := 0; y <= 2; y++ {
		for x := 0; x <= 2; x++ {
			data[y][x] = 500.0
		}
	}

	panel := &crystfel.Panel{Name: "p0", MinFs: 0, MaxFs: w - 1, MinSs: 0, MaxSs: h - 1}
	img := &PanelImage{Panel: panel, Data: data}

	opt := DefaultConnectedComponentOptions()
	opt.CenterFs, opt.CenterSs = w - 1, h - 1
	opt.MaxResolutionPx = 5.0 // blob sits near (1,1), far corner from centre

	results := PeakFinder8(img, opt)
	if len(results) != 0 {
		t.Errorf("PeakFinder8 found %d peaks, want 0 (blob outside MaxResolutionPx)", len(results))
	}
}

// TestPeakFinder8BadPixelExcludedFromComponent confirms a masked
// pixel inside an otherwise-bright blob neither joins the component
// nor skews its centroid past the blob's unmasked extent.
func TestPeakFinder8BadPixelExcludedFromComponent(t *testing.T) {
	const w, h = 10, 10
	data := flatImage(w, h, 10.0)
	bad := make([][]bool, h)
	for y := range bad {
		bad[y] = make([]bool, w)
	}

	for y := 3; y <= 5; y++ {
		for x := 3; x <= 5; x++ {
			data[y][x] = 500.0
		}
	}
	// mask the centre pixel of the blob.
	bad[4][4] = true

	panel := &crystfel.Panel{Name: "p0", MinFs: 0, MaxFs: w - 1, MinSs: 0, MaxSs: h - 1}
	img := &PanelImage{Panel: panel, Data: data, Bad: bad}

	opt := DefaultConnectedComponentOptions()
	opt.CenterFs, opt.CenterSs = w / 2, h / 2
	opt.MaxPixelCount = 100

	results := PeakFinder8(img, opt)
	if len(results) != 1 {
		t.Fatalf("PeakFinder8 found %d peaks, want 1", len(results))
	}
	r := results[0]
	if !panel.Contains(r.Fs, r.Ss) {
		t.Errorf("centroid (%v,%v) outside panel bounds", r.Fs, r.Ss)
	}
	if r.Fs < 3 || r.Fs > 5 || r.Ss < 3 || r.Ss > 5 {
		t.Errorf("centroid (%v,%v) outside blob bounds [3,5]x[3,5]", r.Fs, r.Ss)
	}
}
