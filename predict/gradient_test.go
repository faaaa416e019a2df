package predict

import (
	"math"
	"testing"

	crystfel "github.com/xfel-pipeline/crystfel-core"
)

func TestPartialityGradientMatchesFiniteDifference(t *testing.T) {
	astar := crystfel.Vec3{X: 2.0e9, Y: 0, Z: 0}
	bstar := crystfel.Vec3{X: 0.2e9, Y: 1.9e9, Z: 0}
	cstar := crystfel.Vec3{X: 0.1e9, Y: 0.15e9, Z: 1.7e9}
	beam := BeamShape{Wavelength: 1e-10, Bandwidth: 0.01, Divergence: 1e-3}
	rp := 3e6

	h, k, l := 3, -2, 1

	grad, _ := PartialityGradient(h, k, l, astar, bstar, cstar, rp, beam)

	params := []Param{AstarX, AstarY, AstarZ, BstarX, BstarY, BstarZ, CstarX, CstarY, CstarZ, Divergence}
	for _, p := range params {
		fd := FiniteDifferencePartiality(h, k, l, astar, bstar, cstar, rp, beam, p)
		analytic := grad[p]
		tol := 1e-3 * (math.Abs(analytic) + 1e-8)
		if math.Abs(fd-analytic) > tol && math.Abs(fd-analytic) > 1e-6 {
			t.Errorf("param %v: analytic grad = %v, finite difference = %v", p, analytic, fd)
		}
	}
}

func TestPartialityGradientZeroProfileRadius(t *testing.T) {
	astar := crystfel.Vec3{X: 2.0e9}
	bstar := crystfel.Vec3{Y: 2.0e9}
	cstar := crystfel.Vec3{Z: 2.0e9}
	beam := BeamShape{Wavelength: 1e-10, Bandwidth: 0.01}
	grad, result := PartialityGradient(1, 0, 0, astar, bstar, cstar, 0, beam)
	for i, g := range grad {
		if g != 0 {
			t.Errorf("grad[%d] = %v, want 0 for rp<=0", i, g)
		}
	}
	if result != (PartialityResult{}) {
		t.Errorf("result = %+v, want zero value for rp<=0", result)
	}
}

func TestPartialityGradientAtOriginIsStationary(t *testing.T) {
	// h=k=l=0 puts q at the origin, where both excitation errors are 0
	// regardless of orientation (unclamped, s=0), so partiality sits at
	// its maximum of 1 and every partial derivative should vanish.
	astar := crystfel.Vec3{X: 2.0e9}
	bstar := crystfel.Vec3{Y: 2.0e9}
	cstar := crystfel.Vec3{Z: 2.0e9}
	beam := BeamShape{Wavelength: 1e-10, Bandwidth: 0.01}
	grad, result := PartialityGradient(0, 0, 0, astar, bstar, cstar, 3e6, beam)
	if result.Partiality < 0.999 {
		t.Fatalf("origin reflection should have ~full partiality, got %v", result.Partiality)
	}
	for i, g := range grad {
		if math.Abs(g) > 1e-9 {
			t.Errorf("grad[%d] = %v, want ~0 at the origin", i, g)
		}
	}
}
