// Package peaksearch locates and centroids Bragg peaks on a raw
// detector frame (spec.md §4.C).
package peaksearch

import (
	"github.com/xfel-pipeline/crystfel-core"
)

// PanelImage is the per-panel pixel data a search algorithm scans:
// row-major [ss][fs], plus the bad-pixel mask of the same shape.
type PanelImage struct {
	Panel *crystfel.Panel
	Data  [][]float64
	Bad   [][]bool
}

// Result is one located peak: panel-relative (fs,ss) in subpixel
// units, the owning panel, integrated intensity, and panel-relative
// coordinates (spec.md §4.C "Outputs").
type Result struct {
	Fs, Ss        float64
	Panel         *crystfel.Panel
	Intensity     float64
	PanelFs       float64
	PanelSs       float64
}

// ToFeature converts a search Result into the crystfel.Feature type
// consumed by the rest of the pipeline.
func (r Result) ToFeature() crystfel.Feature {
	return crystfel.Feature{Fs: r.Fs, Ss: r.Ss, Intensity: r.Intensity, Panel: r.Panel}
}

func inBounds(img *PanelImage, x, y int) bool {
	return y >= 0 && y < len(img.Data) && x >= 0 && x < len(img.Data[y])
}

func isBad(img *PanelImage, x, y int) bool {
	if img.Bad == nil {
		return false
	}
	if y < 0 || y >= len(img.Bad) || x < 0 || x >= len(img.Bad[y]) {
		return false
	}
	return img.Bad[y][x]
}
