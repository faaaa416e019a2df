package scale

import (
	"math"
	"sort"

	"github.com/samber/lo"

	"github.com/xfel-pipeline/crystfel-core"
)

// Shell summarises one resolution bin of the merged output: standard
// partialator-companion metrics this module's distillation never
// states how to report (see DESIGN.md / SUPPLEMENTED FEATURES).
type Shell struct {
	LowRes, HighRes float64 // range of resolutionOf values (index-triple norm, not metres^-1)
	NReflections    int
	MeanRedundancy  float64
	Completeness    float64 // observed-unique / theoretically-possible-unique in this shell
	Rsplit          float64
}

// ResolutionShells bins merged into n equal-volume-in-1/d^3 shells
// between the lowest and highest observed resolution and computes
// per-shell completeness/redundancy/Rsplit. half1 and half2 are
// independent half-data-set merges (e.g. odd/even frame splits) used
// for the Rsplit figure of merit; pass the same list for both if no
// split is available (Rsplit will then read 0 for every shell).
func ResolutionShells(merged *crystfel.ReflectionList, half1, half2 *crystfel.ReflectionList, nShells int, theoreticalUniqueInShell func(low, high float64) int) []Shell {
	if nShells <= 0 {
		nShells = 10
	}

	type entry struct {
		key crystfel.MillerIndex
		res float64
		r   *crystfel.Reflection
	}

	var entries []entry
	keys := merged.SortedKeys()
	for _, key := range keys {
		r, ok := merged.Get(key)
		if !ok {
			continue
		}
		res := resolutionOf(key)
		entries = append(entries, entry{key, res, r})
	}
	if len(entries) == 0 {
		return nil
	}

	minRes := lo.MinBy(entries, func(a, b entry) bool { return a.res < b.res }).res
	maxRes := lo.MaxBy(entries, func(a, b entry) bool { return a.res < b.res }).res

	// Equal volume in 1/d^3 gives roughly equal reflection counts per
	// shell for a random lattice, the conventional partialator binning.
	minVol := minRes * minRes * minRes
	maxVol := maxRes * maxRes * maxRes
	edges := make([]float64, nShells+1)
	for i := range edges {
		frac := float64(i) / float64(nShells)
		vol := minVol + frac*(maxVol-minVol)
		edges[i] = math.Cbrt(vol)
	}

	shells := make([]Shell, nShells)
	for i := range shells {
		shells[i] = Shell{LowRes: edges[i], HighRes: edges[i+1]}
	}

	shellOf := func(res float64) int {
		idx := sort.SearchFloat64s(edges, res) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= nShells {
			idx = nShells - 1
		}
		return idx
	}

	redSum := make([]float64, nShells)
	for _, e := range entries {
		i := shellOf(e.res)
		shells[i].NReflections++
		redSum[i] += float64(e.r.Redundancy)
	}
	for i := range shells {
		if shells[i].NReflections > 0 {
			shells[i].MeanRedundancy = redSum[i] / float64(shells[i].NReflections)
		}
		if theoreticalUniqueInShell != nil {
			if total := theoreticalUniqueInShell(shells[i].LowRes, shells[i].HighRes); total > 0 {
				shells[i].Completeness = float64(shells[i].NReflections) / float64(total)
			}
		}
	}

	if half1 != nil && half2 != nil {
		rsplitNum := make([]float64, nShells)
		rsplitDen := make([]float64, nShells)
		for _, key := range half1.SortedKeys() {
			r1, ok1 := half1.Get(key)
			r2, ok2 := half2.Get(key)
			if !ok1 || !ok2 {
				continue
			}
			i := shellOf(resolutionOf(key))
			rsplitNum[i] += math.Abs(r1.I - r2.I)
			rsplitDen[i] += math.Abs(r1.I + r2.I)
		}
		for i := range shells {
			if rsplitDen[i] > 0 {
				shells[i].Rsplit = rsplitNum[i] / rsplitDen[i] / math.Sqrt2
			}
		}
	}

	return shells
}

// resolutionOf is a crude placeholder resolution ordering: the
// Euclidean norm sqrt(h^2+k^2+l^2) of the index triple. No unit-cell
// metric is applied, so shells are binned in index units rather than
// true 1/d, and ResolutionShells always uses this value.
func resolutionOf(key crystfel.MillerIndex) float64 {
	return math.Sqrt(float64(key.H*key.H + key.K*key.K + key.L*key.L))
}
