package pipeline

import (
	"github.com/xfel-pipeline/crystfel-core"
	"github.com/xfel-pipeline/crystfel-core/peaksearch"
)

// PeakMethod selects which of the two peak search algorithms
// FindPeaks runs over every panel.
type PeakMethod int

const (
	PeakMethodZaef PeakMethod = iota
	PeakMethodPeakfinder8
)

// FindPeaksOptions bundles the per-method option structs; only the
// struct matching Method is consulted.
type FindPeaksOptions struct {
	Method   PeakMethod
	Zaef     peaksearch.ZaefOptions
	Peakfinder8 peaksearch.ConnectedComponentOptions
}

// FindPeaks runs the configured peak search over every panel of img
// and returns the accumulated features in image coordinates, each
// tagged with its owning panel (spec.md §4.G step 3).
func FindPeaks(img *crystfel.Image, opt FindPeaksOptions) []crystfel.Feature {
	var features []crystfel.Feature
	for i, panel := range img.Detector.Panels {
		if i >= len(img.RawData) {
			break
		}
		pimg := &peaksearch.PanelImage{Panel: panel, Data: img.RawData[i]}
		if i < len(img.BadPixel) {
			pimg.Bad = img.BadPixel[i]
		}

		var results []peaksearch.Result
		switch opt.Method {
		case PeakMethodPeakfinder8:
			results = peaksearch.PeakFinder8(pimg, opt.Peakfinder8)
		default:
			results = peaksearch.Zaef(pimg, opt.Zaef)
		}

		for _, r := range results {
			features = append(features, r.ToFeature())
		}
	}
	return features
}
