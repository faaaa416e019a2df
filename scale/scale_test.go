package scale

import (
	"context"
	"math"
	"testing"

	crystfel "github.com/xfel-pipeline/crystfel-core"
)

// fixedPointCrystal builds a crystal whose single observation already
// sits at the exact fixed point of one scale/refine iteration: its
// intensity is osf*Lorentz*partiality*iFull for the ground-truth
// I_full, its orientation (chosen directly as reciprocal axes, so
// Cell.Reciprocal() returns them unconverted) places the reflection
// exactly on the Ewald sphere for a zero-bandwidth beam, so partiality
// is exactly 1 and residual-driven post-refinement has nothing to do.
func fixedPointCrystal(osf, iFull float64) *crystfel.Crystal {
	astar := crystfel.Vec3{Z: -2e10} // k = 1e10 for wavelength 1e-10
	bstar := crystfel.Vec3{Y: 1e8}
	cstar := crystfel.Vec3{X: 1e8}
	cell := crystfel.NewCellFromReciprocal(astar, bstar, cstar)

	refl := crystfel.NewReflectionList()
	refl.Insert(&crystfel.Reflection{
		Indices:    crystfel.MillerIndex{H: 1, K: 0, L: 0},
		I:          osf * iFull, // Lorentz=1, Partiality=1
		Sigma:      10,
		Partiality: 1,
		Lorentz:    1,
		Scalable:   true,
	})

	return &crystfel.Crystal{
		Cell:          cell,
		Osf:           osf,
		ProfileRadius: 3e6,
		Beam:          crystfel.BeamSnapshot{Wavelength: 1e-10, Bandwidth: 0, Divergence: 0},
		Reflections:   refl,
	}
}

func TestRunConvergesAtExactFixedPoint(t *testing.T) {
	const iFull = 1000.0
	crystals := []*crystfel.Crystal{
		fixedPointCrystal(1.0, iFull),
		fixedPointCrystal(2.0, iFull),
	}

	opt := DefaultOptions()
	opt.Iterations = 5
	opt.Workers = 2

	result, err := Run(context.Background(), crystals, PointGroup1(), opt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1 (should converge on the very first pass at an exact fixed point)", result.Iterations)
	}
	if result.MaxOsfStep > 1e-9 {
		t.Errorf("MaxOsfStep = %v, want ~0 at a fixed point", result.MaxOsfStep)
	}

	merged, ok := result.Merged.Get(crystfel.MillerIndex{H: 1, K: 0, L: 0})
	if !ok {
		t.Fatal("merged list missing the (1,0,0) reflection")
	}
	if math.Abs(merged.I-iFull) > 1e-6 {
		t.Errorf("merged I = %v, want %v", merged.I, iFull)
	}
	if merged.Redundancy != 2 {
		t.Errorf("merged Redundancy = %d, want 2", merged.Redundancy)
	}

	for i, c := range crystals {
		if c.PrDud {
			t.Errorf("crystal %d unexpectedly marked PrDud", i)
		}
	}
}

func TestRunIsIdempotentAtFixedPoint(t *testing.T) {
	const iFull = 500.0
	mkCrystals := func() []*crystfel.Crystal {
		return []*crystfel.Crystal{
			fixedPointCrystal(1.0, iFull),
			fixedPointCrystal(3.0, iFull),
		}
	}

	opt := DefaultOptions()
	opt.Workers = 2

	opt1 := opt
	opt1.Iterations = 1
	r1, err := Run(context.Background(), mkCrystals(), PointGroup1(), opt1)
	if err != nil {
		t.Fatalf("Run (1 iteration): %v", err)
	}

	opt10 := opt
	opt10.Iterations = 10
	r10, err := Run(context.Background(), mkCrystals(), PointGroup1(), opt10)
	if err != nil {
		t.Fatalf("Run (10 iterations): %v", err)
	}

	m1, _ := r1.Merged.Get(crystfel.MillerIndex{H: 1, K: 0, L: 0})
	m10, _ := r10.Merged.Get(crystfel.MillerIndex{H: 1, K: 0, L: 0})
	if math.Abs(m1.I-m10.I) > 1e-6 {
		t.Errorf("merged I after 1 iteration (%v) differs from after 10 (%v); running extra iterations at a fixed point should be a no-op", m1.I, m10.I)
	}
}

func TestRunEmptyCrystalsProducesEmptyMergedList(t *testing.T) {
	result, err := Run(context.Background(), nil, PointGroup1(), DefaultOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Merged.Len() != 0 {
		t.Errorf("merged.Len() = %d, want 0 for no crystals", result.Merged.Len())
	}
}
