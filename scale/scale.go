// Package scale implements spec.md §4.H: scaling and post-refinement
// of partial intensities from many crystals into one merged,
// symmetry-reduced reflection list.
package scale

import (
	"context"
	"math"

	"github.com/xfel-pipeline/crystfel-core"
	"github.com/xfel-pipeline/crystfel-core/predict"
)

// Options configures one scale/post-refine run.
type Options struct {
	Iterations        int     // outer-loop iterations, default 10
	OsfConvergence    float64 // stop early when max |delta osf| falls below this
	MinRedundancy     int     // refinable requires merged redundancy >= this (or HasReference)
	HasReference      bool
	OutlierK          float64 // |residual| > k*sigma is down-weighted
	RefineStep        float64
	RefineIters       int
	Workers           int
	ExcludeNegative   bool // opt into the legacy silent-skip of negative intensities (see DESIGN.md)
}

// DefaultOptions matches spec.md §4.H's stated default of 10 outer
// iterations.
func DefaultOptions() Options {
	return Options{
		Iterations:     10,
		OsfConvergence: 1e-6,
		MinRedundancy:  2,
		OutlierK:       5,
		RefineStep:     1e-6,
		RefineIters:    20,
		Workers:        4,
	}
}

// fullIntensity accumulates the weighted numerator/denominator for one
// symmetry-unique reflection's I_full estimate (spec.md §4.H step 1).
type fullIntensity struct {
	numerator   float64
	denominator float64
	redundancy  int
}

// Result is the outcome of a completed scale/post-refine run.
type Result struct {
	Merged     *crystfel.ReflectionList
	Iterations int
	MaxOsfStep float64
}

// Run executes the outer loop of spec.md §4.H over crystals, whose
// per-crystal reflection lists must already be populated (integrated
// and carrying Scalable flags, e.g. by the pipeline package).
func Run(ctx context.Context, crystals []*crystfel.Crystal, pg PointGroup, opt Options) (*Result, error) {
	if opt.Iterations <= 0 {
		opt.Iterations = 1
	}

	iter := 0
	maxStep := math.MaxFloat64
	var merged *crystfel.ReflectionList

	for ; iter < opt.Iterations; iter++ {
		ifull := scaleStep(crystals, pg, opt)

		maxStep = updateOsfs(crystals, pg, ifull, opt)

		markRefinable(crystals, pg, ifull, opt)

		postRefine(ctx, crystals, pg, ifull, opt)

		rePredict(crystals)

		if maxStep < opt.OsfConvergence {
			iter++
			break
		}
	}

	merged = buildMergedList(crystals, pg, opt)

	return &Result{Merged: merged, Iterations: iter, MaxOsfStep: maxStep}, nil
}

// scaleStep computes I_full(hkl) for every symmetry-unique index with
// at least one scalable observation (spec.md §4.H step 1).
func scaleStep(crystals []*crystfel.Crystal, pg PointGroup, opt Options) map[crystfel.MillerIndex]*fullIntensity {
	acc := map[crystfel.MillerIndex]*fullIntensity{}

	for _, c := range crystals {
		if c.PrDud || c.Reflections == nil {
			continue
		}
		cur := c.Reflections.Cursor()
		for {
			r, ok := cur.Next()
			if !ok {
				break
			}
			if !r.Scalable || r.Sigma <= 0 {
				continue
			}
			if opt.ExcludeNegative && r.NegativeIntensity {
				continue
			}
			key := pg.Canonical(r.Indices.H, r.Indices.K, r.Indices.L)
			a, ok := acc[key]
			if !ok {
				a = &fullIntensity{}
				acc[key] = a
			}

			L := r.Lorentz
			if L == 0 {
				L = 1
			}
			denomScale := c.Osf * L * r.Partiality
			if denomScale == 0 {
				continue
			}
			w := r.Partiality * c.Osf * c.Osf * L * L / (r.Sigma * r.Sigma)
			a.numerator += w * r.I / denomScale
			a.denominator += w
			a.redundancy++
		}
	}
	return acc
}

func ifullOf(acc map[crystfel.MillerIndex]*fullIntensity, key crystfel.MillerIndex) (float64, bool) {
	a, ok := acc[key]
	if !ok || a.denominator == 0 {
		return 0, false
	}
	return a.numerator / a.denominator, true
}

// updateOsfs performs the per-crystal weighted linear regression
// (through the origin) of observed intensity against osf*L*p*I_full,
// returning the largest |delta osf| observed.
func updateOsfs(crystals []*crystfel.Crystal, pg PointGroup, acc map[crystfel.MillerIndex]*fullIntensity, opt Options) float64 {
	maxStep := 0.0
	for _, c := range crystals {
		if c.PrDud || c.Reflections == nil {
			continue
		}
		var num, den float64
		cur := c.Reflections.Cursor()
		for {
			r, ok := cur.Next()
			if !ok {
				break
			}
			if !r.Scalable || r.Sigma <= 0 {
				continue
			}
			key := pg.Canonical(r.Indices.H, r.Indices.K, r.Indices.L)
			iFull, ok2 := ifullOf(acc, key)
			if !ok2 {
				continue
			}
			L := r.Lorentz
			if L == 0 {
				L = 1
			}
			x := L * r.Partiality * iFull
			num += x * r.I
			den += x * x
		}
		if den == 0 {
			c.PrDud = true
			continue
		}
		newOsf := num / den
		if newOsf <= 0 || math.IsNaN(newOsf) || math.IsInf(newOsf, 0) {
			c.PrDud = true
			continue
		}
		step := math.Abs(newOsf - c.Osf)
		if step > maxStep {
			maxStep = step
		}
		c.Osf = newOsf
	}
	return maxStep
}

// markRefinable implements spec.md §4.H step 2: a reflection is
// refinable iff it is scalable AND its merged redundancy is >= 2 (or a
// reference list was provided).
func markRefinable(crystals []*crystfel.Crystal, pg PointGroup, acc map[crystfel.MillerIndex]*fullIntensity, opt Options) {
	for _, c := range crystals {
		if c.Reflections == nil {
			continue
		}
		cur := c.Reflections.Cursor()
		for {
			r, ok := cur.Next()
			if !ok {
				break
			}
			if !r.Scalable {
				r.Refinable = false
				continue
			}
			key := pg.Canonical(r.Indices.H, r.Indices.K, r.Indices.L)
			a, ok2 := acc[key]
			redundancy := 0
			if ok2 {
				redundancy = a.redundancy
			}
			r.Redundancy = redundancy
			r.Refinable = opt.HasReference || redundancy >= opt.MinRedundancy
		}
	}
}

// postRefine runs one post-refinement pass per crystal, in parallel
// via the worker pool (spec.md §4.H step 3).
func postRefine(ctx context.Context, crystals []*crystfel.Crystal, pg PointGroup, acc map[crystfel.MillerIndex]*fullIntensity, opt Options) {
	pool := crystfel.NewPool(ctx, opt.Workers)
	defer pool.Close()

	pool.RunRange(len(crystals), func(slot int, _ any) {
		c := crystals[slot]
		if c.PrDud {
			return
		}
		refineCrystal(c, pg, acc, opt)
	}, nil, nil)
}

// refineCrystal adjusts c's 9 reciprocal-axis components by gradient
// descent on Sum (I_obs - osf*L*p*I_full)^2, using
// predict.PartialityGradient for dp/dtheta (L held fixed at 1, per the
// untilted-orientation invariant partiality.go documents). Outliers
// with |residual| > k*sigma are down-weighted to zero for this pass.
func refineCrystal(c *crystfel.Crystal, pg PointGroup, acc map[crystfel.MillerIndex]*fullIntensity, opt Options) {
	recip, err := c.Cell.Reciprocal()
	if err != nil {
		c.PrDud = true
		return
	}
	astar, bstar, cstar := recip[0], recip[1], recip[2]
	beam := predict.BeamShape{Wavelength: c.Beam.Wavelength, Bandwidth: c.Beam.Bandwidth, Divergence: c.Beam.Divergence}

	type obs struct {
		h, k, l int
		iObs    float64
		iFull   float64
		sigma   float64
	}
	var obsList []obs
	cur := c.Reflections.Cursor()
	for {
		r, ok := cur.Next()
		if !ok {
			break
		}
		if !r.Refinable {
			continue
		}
		key := pg.Canonical(r.Indices.H, r.Indices.K, r.Indices.L)
		iFull, ok2 := ifullOf(acc, key)
		if !ok2 {
			continue
		}
		obsList = append(obsList, obs{r.Indices.H, r.Indices.K, r.Indices.L, r.I, iFull, r.Sigma})
	}
	if len(obsList) == 0 {
		return
	}

	iters := opt.RefineIters
	if iters <= 0 {
		iters = 1
	}

	for it := 0; it < iters; it++ {
		var gradSum [9]float64
		for _, o := range obsList {
			grad, result := predict.PartialityGradient(o.h, o.k, o.l, astar, bstar, cstar, c.ProfileRadius, beam)
			predicted := c.Osf * result.Lorentz * result.Partiality * o.iFull
			residual := o.iObs - predicted
			if o.sigma > 0 && math.Abs(residual) > opt.OutlierK*o.sigma {
				continue // down-weight outlier: zero contribution this pass
			}
			coeff := -2 * residual * c.Osf * result.Lorentz * o.iFull
			for p := 0; p < 9; p++ {
				gradSum[p] += coeff * grad[p]
			}
		}

		var stepNorm float64
		for p := 0; p < 9; p++ {
			d := opt.RefineStep * gradSum[p]
			stepNorm += d * d
			applyStep(&astar, &bstar, &cstar, p, -d)
		}
		if math.Sqrt(stepNorm) < 1e-12 {
			break
		}
	}

	c.Cell = crystfel.NewCellFromReciprocal(astar, bstar, cstar)
}

func applyStep(astar, bstar, cstar *crystfel.Vec3, param int, delta float64) {
	axis := astar
	switch param / 3 {
	case 1:
		axis = bstar
	case 2:
		axis = cstar
	}
	switch param % 3 {
	case 0:
		axis.X += delta
	case 1:
		axis.Y += delta
	default:
		axis.Z += delta
	}
}

// rePredict implements spec.md §4.H step 4: the profile radius is
// updated to the median of per-reflection excitation-error magnitudes
// over scalable reflections, and partialities/flags are recomputed.
func rePredict(crystals []*crystfel.Crystal) {
	for _, c := range crystals {
		if c.PrDud || c.Reflections == nil {
			continue
		}
		recip, err := c.Cell.Reciprocal()
		if err != nil {
			c.PrDud = true
			continue
		}
		astar, bstar, cstar := recip[0], recip[1], recip[2]
		beam := predict.BeamShape{Wavelength: c.Beam.Wavelength, Bandwidth: c.Beam.Bandwidth, Divergence: c.Beam.Divergence}

		var magnitudes []float64
		cur := c.Reflections.Cursor()
		for {
			r, ok := cur.Next()
			if !ok {
				break
			}
			if r.Scalable {
				magnitudes = append(magnitudes, math.Abs(r.ExcitationError))
			}
		}
		if len(magnitudes) > 0 {
			// A zero median (every node exactly on the Ewald sphere) would
			// make every partiality 0, so the previous radius is kept.
			if m := medianOf(magnitudes); m > 0 {
				c.ProfileRadius = m
			}
		}

		cur = c.Reflections.Cursor()
		for {
			r, ok := cur.Next()
			if !ok {
				break
			}
			q := [3]float64{
				float64(r.Indices.H)*astar.X + float64(r.Indices.K)*bstar.X + float64(r.Indices.L)*cstar.X,
				float64(r.Indices.H)*astar.Y + float64(r.Indices.K)*bstar.Y + float64(r.Indices.L)*cstar.Y,
				float64(r.Indices.H)*astar.Z + float64(r.Indices.K)*bstar.Z + float64(r.Indices.L)*cstar.Z,
			}
			result := predict.Partiality(q, c.ProfileRadius, beam)
			r.Partiality = result.Partiality
			r.ExcitationError = result.ExcitationError
			r.ClampLow = result.ClampLow
			r.ClampHigh = result.ClampHigh
			r.Lorentz = result.Lorentz
			r.Scalable = r.Partiality >= 0.1 && math.Abs(r.I) >= 0.1
		}
	}
}

func medianOf(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	for i := 1; i < len(sorted); i++ {
		v := sorted[i]
		j := i - 1
		for j >= 0 && sorted[j] > v {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = v
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// buildMergedList assembles the final merged, symmetry-reduced
// reflection list: one Reflection per canonical index, I set to the
// final I_full estimate and Redundancy to its observation count.
func buildMergedList(crystals []*crystfel.Crystal, pg PointGroup, opt Options) *crystfel.ReflectionList {
	acc := scaleStep(crystals, pg, opt)
	merged := crystfel.NewReflectionList()
	for key, a := range acc {
		if a.denominator == 0 {
			continue
		}
		merged.Insert(&crystfel.Reflection{
			Indices:    key,
			Asym:       key,
			I:          a.numerator / a.denominator,
			Redundancy: a.redundancy,
			Scalable:   true,
		})
	}
	return merged
}
