package predict

import (
	"math"

	"github.com/xfel-pipeline/crystfel-core"
)

// Options bounds the reciprocal-lattice node search.
type Options struct {
	MinPartiality float64 // nodes below this partiality are dropped entirely
}

// DefaultOptions keeps every node whose partiality function evaluates
// positive, i.e. any node within the beam-shape-broadened Ewald
// construction.
func DefaultOptions() Options {
	return Options{MinPartiality: 0}
}

// Predict enumerates every reciprocal-lattice node within the
// detector's maximum reachable |q|, tests each against the
// two-Ewald-sphere partiality model, and emits a crystfel.Reflection
// for every node whose mapped lab-frame direction lands on a panel
// (spec.md §4.D: "Reflections whose mapped position lies outside any
// panel are dropped.").
func Predict(cell *crystfel.UnitCell, det *crystfel.Detector, beam BeamShape, profileRadius float64, opt Options) ([]*crystfel.Reflection, error) {
	recip, err := cell.Reciprocal()
	if err != nil {
		return nil, err
	}
	astar, bstar, cstar := toArr(recip[0]), toArr(recip[1]), toArr(recip[2])

	maxQ := det.MaxResolution(beam.Wavelength)
	if maxQ <= 0 {
		return nil, nil
	}

	// Bound each of h,k,l by its own reciprocal axis length:
	// |h*astar| <= maxQ implies |h| <= maxQ/|astar| etc. Using
	// the per-axis bound is conservative but correct, and keeps the
	// enumeration a simple explicit triple loop.
	hMax := boundFromAxis(astar, maxQ)
	kMax := boundFromAxis(bstar, maxQ)
	lMax := boundFromAxis(cstar, maxQ)

	var out []*crystfel.Reflection
	for h := -hMax; h <= hMax; h++ {
		for k := -kMax; k <= kMax; k++ {
			for l := -lMax; l <= lMax; l++ {
				if h == 0 && k == 0 && l == 0 {
					continue
				}
				q := addScaled(astar, bstar, cstar, h, k, l)
				if norm(q) > maxQ+profileRadius {
					continue
				}

				result := Partiality(q, profileRadius, beam)
				if result.Partiality <= opt.MinPartiality {
					continue
				}

				dir := crystfel.Vec3{X: q[0], Y: q[1], Z: q[2] + 1.0/beam.Wavelength}
				panel, fs, ss, err := det.ReverseMap(dir, beam.Wavelength)
				if err != nil {
					continue
				}

				out = append(out, &crystfel.Reflection{
					Indices:         crystfel.MillerIndex{H: h, K: k, L: l},
					Fs:              fs,
					Ss:              ss,
					Panel:           panel.Name,
					ExcitationError: result.ExcitationError,
					Partiality:      result.Partiality,
					ClampLow:        result.ClampLow,
					ClampHigh:       result.ClampHigh,
					Lorentz:         result.Lorentz,
					Asym:            crystfel.MillerIndex{H: h, K: k, L: l},
				})
			}
		}
	}
	return out, nil
}

func toArr(v crystfel.Vec3) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

func addScaled(a, b, c [3]float64, h, k, l int) [3]float64 {
	return [3]float64{
		float64(h)*a[0] + float64(k)*b[0] + float64(l)*c[0],
		float64(h)*a[1] + float64(k)*b[1] + float64(l)*c[1],
		float64(h)*a[2] + float64(k)*b[2] + float64(l)*c[2],
	}
}

func norm(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

func boundFromAxis(axis [3]float64, maxQ float64) int {
	n := norm(axis)
	if n == 0 {
		return 0
	}
	return int(math.Ceil(maxQ/n)) + 1
}
