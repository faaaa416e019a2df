package predict

import (
	"math"

	"github.com/xfel-pipeline/crystfel-core"
)

// Param indexes one of the ten refinable quantities named in spec.md
// §8's gradient law: the nine Cartesian components of the reciprocal
// axes, plus beam divergence.
type Param int

const (
	AstarX Param = iota
	AstarY
	AstarZ
	BstarX
	BstarY
	BstarZ
	CstarX
	CstarY
	CstarZ
	Divergence
	numParams
)

// axisDeriv returns d(q)/d(param) for one of the nine axis-component
// parameters: q = h*astar + k*bstar + l*cstar, so q's partial w.r.t.
// e.g. astar_y is (0, h, 0).
func axisDeriv(param Param, h, k, l int) [3]float64 {
	var coeff float64
	switch {
	case param <= AstarZ:
		coeff = float64(h)
	case param <= BstarZ:
		coeff = float64(k)
	case param <= CstarZ:
		coeff = float64(l)
	default:
		return [3]float64{}
	}
	switch param % 3 {
	case 0:
		return [3]float64{coeff, 0, 0}
	case 1:
		return [3]float64{0, coeff, 0}
	default:
		return [3]float64{0, 0, coeff}
	}
}

func dot3(a, b [3]float64) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

// excitationErrorGrad returns excitationError(q,k) and its gradient
// w.r.t. q.
func excitationErrorGrad(q [3]float64, k float64) (value float64, grad [3]float64) {
	dz := q[2] + k
	dist := math.Sqrt(q[0]*q[0] + q[1]*q[1] + dz*dz)
	if dist == 0 {
		return -k, [3]float64{}
	}
	return dist - k, [3]float64{q[0] / dist, q[1] / dist, dz / dist}
}

// PartialityGradient computes the partiality of reciprocal-lattice
// node hkl together with its analytic gradient w.r.t. each of the ten
// parameters in Param, per the divergence-broadened model: the
// clamp radius used against r1, r2 is r_p_eff = r_p + (divergence/2)*|q|,
// which folds beam divergence into the excitation-error tolerance
// proportionally to scattering distance. spec.md §4.D states the
// partiality formula in terms of a fixed r_p and is silent on how
// divergence enters it, so this is the resolved modelling choice
// (see DESIGN.md).
func PartialityGradient(h, k, l int, astar, bstar, cstar crystfel.Vec3, rp float64, beam BeamShape) ([numParams]float64, PartialityResult) {
	var grad [numParams]float64
	if rp <= 0 {
		return grad, PartialityResult{}
	}

	q := [3]float64{
		float64(h)*astar.X + float64(k)*bstar.X + float64(l)*cstar.X,
		float64(h)*astar.Y + float64(k)*bstar.Y + float64(l)*cstar.Y,
		float64(h)*astar.Z + float64(k)*bstar.Z + float64(l)*cstar.Z,
	}
	qNorm := math.Sqrt(dot3(q, q))

	r1Raw, gradR1Q := excitationErrorGrad(q, beam.KLow())
	r2Raw, gradR2Q := excitationErrorGrad(q, beam.KHigh())

	rpEff := rp + beam.Divergence/2*qNorm

	dq := make([][3]float64, numParams)
	for p := AstarX; p < Divergence; p++ {
		dq[p] = axisDeriv(p, h, k, l)
	}

	dRpEff := func(p Param) float64 {
		var dqNorm float64
		if qNorm > 0 {
			dqNorm = dot3(q, dq[p]) / qNorm
		}
		v := beam.Divergence / 2 * dqNorm
		if p == Divergence {
			v += qNorm / 2
		}
		return v
	}

	clampWithGrad := func(raw float64, gradRawQ [3]float64) (val float64, dVal func(Param) float64) {
		switch {
		case raw > rpEff:
			return rpEff, dRpEff
		case raw < -rpEff:
			return -rpEff, func(p Param) float64 { return -dRpEff(p) }
		default:
			return raw, func(p Param) float64 { return dot3(gradRawQ, dq[p]) }
		}
	}

	r1, dR1 := clampWithGrad(r1Raw, gradR1Q)
	r2, dR2 := clampWithGrad(r2Raw, gradR2Q)

	s := (r1 + r2) / (2 * rpEff)

	var p float64
	var dpds float64
	absS := math.Abs(s)
	if absS <= 1 {
		u := 1 - absS
		p = 0.5 * (3*u - u*u*u)
		if s != 0 {
			dpds = -sign(s) * 1.5 * (1 - u*u)
		}
	}

	for prm := AstarX; prm < numParams; prm++ {
		ds := ((dR1(prm)+dR2(prm))*rpEff - (r1+r2)*dRpEff(prm)) / (2 * rpEff * rpEff)
		grad[prm] = dpds * ds
	}

	result := PartialityResult{
		Partiality:      p,
		ExcitationError: (r1Raw + r2Raw) / 2,
		ClampLow:        r1Raw < -rpEff || r2Raw < -rpEff,
		ClampHigh:       r1Raw > rpEff || r2Raw > rpEff,
		Lorentz:         lorentzFactor(q),
	}
	return grad, result
}

func sign(v float64) float64 {
	if v > 0 {
		return 1
	}
	if v < 0 {
		return -1
	}
	return 0
}

// FiniteDifferencePartiality evaluates the central finite difference of
// partiality w.r.t. one parameter, step sized to spec.md §8's
// theta*10^-6 rule (with a floor for parameters whose nominal value is
// zero).
func FiniteDifferencePartiality(h, k, l int, astar, bstar, cstar crystfel.Vec3, rp float64, beam BeamShape, param Param) float64 {
	const minStep = 1e-9

	get := func(axes [3]crystfel.Vec3, beam BeamShape) float64 {
		_, r := PartialityGradient(h, k, l, axes[0], axes[1], axes[2], rp, beam)
		return r.Partiality
	}

	axes := [3]crystfel.Vec3{astar, bstar, cstar}

	if param == Divergence {
		step := beam.Divergence * 1e-6
		if math.Abs(step) < minStep {
			step = minStep
		}
		plus := beam
		plus.Divergence += step
		minus := beam
		minus.Divergence -= step
		return (get(axes, plus) - get(axes, minus)) / (2 * step)
	}

	axisIdx := int(param) / 3
	component := int(param) % 3
	val := componentOf(axes[axisIdx], component)
	step := val * 1e-6
	if math.Abs(step) < minStep {
		step = minStep
	}

	plusAxes, minusAxes := axes, axes
	setComponent(&plusAxes[axisIdx], component, val+step)
	setComponent(&minusAxes[axisIdx], component, val-step)

	return (get(plusAxes, beam) - get(minusAxes, beam)) / (2 * step)
}

func componentOf(v crystfel.Vec3, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func setComponent(v *crystfel.Vec3, i int, val float64) {
	switch i {
	case 0:
		v.X = val
	case 1:
		v.Y = val
	default:
		v.Z = val
	}
}
