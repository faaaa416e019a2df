package pipeline

import (
	"context"
	"math"

	"github.com/xfel-pipeline/crystfel-core"
	"github.com/xfel-pipeline/crystfel-core/integrate"
	"github.com/xfel-pipeline/crystfel-core/peaksearch"
	"github.com/xfel-pipeline/crystfel-core/predict"
)

// Options bundles the per-frame pipeline knobs of spec.md §4.G: the
// CHECK_CELL / REFINE / CHECK_PEAKS / RETRY / MULTI flags, and the
// peak-search / prediction / integration options they feed into.
type Options struct {
	MinPeaks int

	CheckCell          bool
	CellTolerances     crystfel.CellTolerances
	Refine             bool
	RefineOptions      RefineOptions
	CheckPeaks         bool
	CheckPeaksFraction float64 // fraction of detected peaks that must lie near a prediction
	CheckPeaksRadius   float64 // pixels

	Retry bool
	Multi bool

	PeakSearch       FindPeaksOptions
	Predict          predict.Options
	Integrate        integrate.Options
	ResolutionCutoff float64
}

// DefaultOptions returns the stated defaults of spec.md §4.G where
// given, and otherwise reasonable values.
func DefaultOptions() Options {
	return Options{
		MinPeaks:           10,
		CheckCell:          true,
		CellTolerances:     crystfel.DefaultCellTolerances(),
		RefineOptions:      DefaultRefineOptions(),
		CheckPeaksFraction: 0.5,
		CheckPeaksRadius:   3,
		PeakSearch:         FindPeaksOptions{Zaef: peaksearch.DefaultZaefOptions()},
		Predict:            predict.DefaultOptions(),
		Integrate:          integrate.DefaultOptions(),
		ResolutionCutoff:   math.MaxFloat64,
	}
}

// Result is the outcome of running one frame through the pipeline.
type Result struct {
	Chunk *crystfel.StreamChunk
}

// RunFrame executes the load(already done)->filter->peak search->
// index->accept/reject->predict->integrate->emit sequence for one
// image, trying each indexer in turn under RETRY and attempting a
// second indexing pass over leftover peaks under MULTI.
func RunFrame(ctx context.Context, img *crystfel.Image, targetCell *crystfel.UnitCell, indexers []crystfel.Indexer, opt Options, log crystfel.Logger) (*crystfel.StreamChunk, error) {
	chunk := &crystfel.StreamChunk{
		Filename:   img.Filename,
		Event:      img.Event,
		Wavelength: img.Beam.Wavelength(),
		AcqTime:    img.AcquisitionTime,
	}

	peaks := img.Features
	if peaks == nil {
		peaks = FindPeaks(img, opt.PeakSearch)
	}
	chunk.Peaks = peaks
	chunk.NumPeaks = len(peaks)

	if len(peaks) < opt.MinPeaks {
		chunk.Status = crystfel.StatusNoPeaks
		return chunk, nil
	}

	remaining := append([]crystfel.Feature(nil), peaks...)

	for pass := 0; ; pass++ {
		crystal, usedPeaks, indexedBy, ok := tryIndex(ctx, img, remaining, targetCell, indexers, opt, log)
		if !ok {
			if pass == 0 {
				chunk.Status = crystfel.StatusNoIndex
			}
			break
		}

		img.Crystals = append(img.Crystals, crystal)
		chunk.Crystals = append(chunk.Crystals, crystal)
		chunk.Status = crystfel.StatusHit
		chunk.IndexedBy = indexedBy

		if !opt.Multi {
			break
		}
		remaining = removePeaks(remaining, usedPeaks)
		if len(remaining) < opt.MinPeaks {
			break
		}
	}

	return chunk, nil
}

// tryIndex attempts indexing with each indexer in turn (RETRY),
// validating each returned candidate cell with CHECK_CELL / REFINE /
// CHECK_PEAKS, and returns the first accepted crystal.
func tryIndex(ctx context.Context, img *crystfel.Image, peaks []crystfel.Feature, targetCell *crystfel.UnitCell, indexers []crystfel.Indexer, opt Options, log crystfel.Logger) (*crystfel.Crystal, []crystfel.Feature, string, bool) {
	meta := crystfel.ImageMeta{
		Detector:   img.Detector,
		Wavelength: img.Beam.Wavelength(),
		Divergence: img.Beam.Divergence,
		Bandwidth:  img.Beam.Bandwidth,
	}

	for _, idx := range indexers {
		handle, err := idx.Setup(targetCell, opt.CellTolerances)
		if err != nil {
			if log != nil {
				log.Printf("indexer setup failed: %v", err)
			}
			continue
		}

		candidates, err := crystfel.RunWithTimeout(ctx, idx.Timeout(), func(c context.Context) ([]crystfel.CandidateCell, error) {
			return idx.Index(c, handle, peaks, meta)
		})
		_ = idx.Teardown(handle)
		if err != nil || len(candidates) == 0 {
			if !opt.Retry {
				return nil, nil, "", false
			}
			continue
		}

		for _, cand := range candidates {
			if opt.CheckCell && !crystfel.CellsMatch(cand.Cell, targetCell, opt.CellTolerances) {
				continue
			}

			beamSnap := crystfel.BeamSnapshot{
				Wavelength: img.Beam.Wavelength(),
				Divergence: img.Beam.Divergence,
				Bandwidth:  img.Beam.Bandwidth,
			}
			crystal := crystfel.NewCrystal(cand.Cell, beamSnap)

			beamShape := predict.BeamShape{Wavelength: beamSnap.Wavelength, Bandwidth: beamSnap.Bandwidth, Divergence: beamSnap.Divergence}

			if opt.Refine {
				obs := buildObservations(crystal, img.Detector, beamShape, peaks, opt)
				if len(obs) > 0 {
					refinedCell, _, err := RefineCell(crystal.Cell, beamShape, crystal.ProfileRadius, obs, opt.RefineOptions)
					if err == nil {
						crystal.Cell = refinedCell
					}
				}
			}

			predicted, err := predict.Predict(crystal.Cell, img.Detector, beamShape, crystal.ProfileRadius, opt.Predict)
			if err != nil {
				continue
			}

			if opt.CheckPeaks && !checkPeaks(predicted, peaks, opt.CheckPeaksFraction, opt.CheckPeaksRadius) {
				continue
			}

			used := integratePredicted(img, crystal, predicted, peaks, opt)

			return crystal, used, cand.Method, true
		}

		if !opt.Retry {
			return nil, nil, "", false
		}
	}

	return nil, nil, "", false
}

func buildObservations(crystal *crystfel.Crystal, det *crystfel.Detector, beam predict.BeamShape, peaks []crystfel.Feature, opt Options) []Observation {
	predicted, err := predict.Predict(crystal.Cell, det, beam, crystal.ProfileRadius, opt.Predict)
	if err != nil {
		return nil
	}

	var obs []Observation
	for _, r := range predicted {
		nearest, dist, ok := nearestPeak(r, peaks)
		if !ok || dist > opt.CheckPeaksRadius {
			continue
		}
		obs = append(obs, Observation{
			Indices:     r.Indices,
			ObservedFs:  nearest.Fs,
			ObservedSs:  nearest.Ss,
			PredictedFs: r.Fs,
			PredictedSs: r.Ss,
		})
	}
	return obs
}

func nearestPeak(r *crystfel.Reflection, peaks []crystfel.Feature) (crystfel.Feature, float64, bool) {
	best := -1
	bestDist := math.MaxFloat64
	for i, pk := range peaks {
		if pk.Panel != nil && pk.Panel.Name != r.Panel {
			continue
		}
		d := math.Hypot(pk.Fs-r.Fs, pk.Ss-r.Ss)
		if d < bestDist {
			bestDist, best = d, i
		}
	}
	if best < 0 {
		return crystfel.Feature{}, 0, false
	}
	return peaks[best], bestDist, true
}

func checkPeaks(predicted []*crystfel.Reflection, peaks []crystfel.Feature, fraction, radius float64) bool {
	if len(peaks) == 0 {
		return false
	}
	hits := 0
	for _, pk := range peaks {
		for _, r := range predicted {
			if r.Panel == "" {
				continue
			}
			if math.Hypot(pk.Fs-r.Fs, pk.Ss-r.Ss) <= radius {
				hits++
				break
			}
		}
	}
	return float64(hits)/float64(len(peaks)) >= fraction
}

func integratePredicted(img *crystfel.Image, crystal *crystfel.Crystal, predicted []*crystfel.Reflection, peaks []crystfel.Feature, opt Options) []crystfel.Feature {
	panelIdx := make(map[string]int, len(img.Detector.Panels))
	for i, p := range img.Detector.Panels {
		panelIdx[p.Name] = i
	}

	crystal.Reflections = crystfel.NewReflectionList()
	var used []crystfel.Feature

	for _, r := range predicted {
		i, ok := panelIdx[r.Panel]
		if !ok || i >= len(img.RawData) {
			continue
		}
		pd := &integrate.PanelData{Panel: img.Detector.Panels[i], Data: img.RawData[i]}
		if i < len(img.BadPixel) {
			pd.Bad = img.BadPixel[i]
		}
		if i < len(img.Saturated) {
			pd.Saturated = img.Saturated[i]
		}

		resolution := 1.0 / math.Max(1e-30, r.ExcitationError+crystal.ProfileRadius)
		if err := integrate.Reflection(pd, r, resolution, opt.Integrate); err != nil {
			continue
		}
		crystal.Reflections.Insert(r)

		if pk, dist, ok := nearestPeakOnPanel(r, peaks, r.Panel); ok && dist <= 3 {
			used = append(used, pk)
		}
	}

	return used
}

func nearestPeakOnPanel(r *crystfel.Reflection, peaks []crystfel.Feature, panel string) (crystfel.Feature, float64, bool) {
	best := -1
	bestDist := math.MaxFloat64
	for i, pk := range peaks {
		if pk.Panel == nil || pk.Panel.Name != panel {
			continue
		}
		d := math.Hypot(pk.Fs-r.Fs, pk.Ss-r.Ss)
		if d < bestDist {
			bestDist, best = d, i
		}
	}
	if best < 0 {
		return crystfel.Feature{}, 0, false
	}
	return peaks[best], bestDist, true
}

func removePeaks(peaks []crystfel.Feature, used []crystfel.Feature) []crystfel.Feature {
	if len(used) == 0 {
		return peaks
	}
	usedSet := make(map[crystfel.Feature]bool, len(used))
	for _, u := range used {
		usedSet[u] = true
	}
	var out []crystfel.Feature
	for _, p := range peaks {
		if !usedSet[p] {
			out = append(out, p)
		}
	}
	return out
}
