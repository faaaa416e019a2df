package crystfel

import (
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestCellParamsRoundTrip(t *testing.T) {
	cases := []CrystParams{
		{A: 50e-10, B: 60e-10, C: 70e-10, Alpha: math.Pi / 2, Beta: math.Pi / 2, Gamma: math.Pi / 2},
		{A: 79.3e-10, B: 79.3e-10, C: 38.5e-10, Alpha: math.Pi / 2, Beta: math.Pi / 2, Gamma: 2 * math.Pi / 3},
		{A: 42e-10, B: 55e-10, C: 61e-10, Alpha: 1.4, Beta: 1.6, Gamma: 1.5},
	}
	for _, want := range cases {
		cell := NewCellFromParams(want.A, want.B, want.C, want.Alpha, want.Beta, want.Gamma)
		got := cell.Params()
		if !almostEqual(got.A, want.A, 1e-16) || !almostEqual(got.B, want.B, 1e-16) || !almostEqual(got.C, want.C, 1e-16) {
			t.Errorf("length round trip: got %+v, want %+v", got, want)
		}
		if !almostEqual(got.Alpha, want.Alpha, 1e-9) || !almostEqual(got.Beta, want.Beta, 1e-9) || !almostEqual(got.Gamma, want.Gamma, 1e-9) {
			t.Errorf("angle round trip: got %+v, want %+v", got, want)
		}
	}
}

func TestCellReciprocalRoundTrip(t *testing.T) {
	cell := NewCellFromParams(50e-10, 60e-10, 70e-10, 1.5, 1.55, 1.6)
	recip, err := cell.Reciprocal()
	if err != nil {
		t.Fatalf("Reciprocal: %v", err)
	}
	back := NewCellFromReciprocal(recip[0], recip[1], recip[2])
	got := back.Params()
	want := cell.Params()
	if !almostEqual(got.A, want.A, 1e-9*want.A) {
		t.Errorf("a round trip through reciprocal: got %v want %v", got.A, want.A)
	}
	if !almostEqual(got.Alpha, want.Alpha, 1e-6) {
		t.Errorf("alpha round trip through reciprocal: got %v want %v", got.Alpha, want.Alpha)
	}
}

func TestCellValidateDegenerate(t *testing.T) {
	// alpha=beta=gamma=0 collapses all three axes onto a line.
	cell := NewCellFromParams(50e-10, 60e-10, 70e-10, 0, 0, 0)
	if err := cell.Validate(); err == nil {
		t.Error("expected ErrDegenerateCell for a zero-volume cell")
	}

	ok := NewCellFromParams(50e-10, 60e-10, 70e-10, math.Pi/2, math.Pi/2, math.Pi/2)
	if err := ok.Validate(); err != nil {
		t.Errorf("cubic cell should validate cleanly: %v", err)
	}
}

func TestReciprocalDotProduct(t *testing.T) {
	cell := NewCellFromParams(50e-10, 60e-10, 70e-10, math.Pi/2, math.Pi/2, math.Pi/2)
	direct := cell.Cartesian()
	recip, err := cell.Reciprocal()
	if err != nil {
		t.Fatalf("Reciprocal: %v", err)
	}
	// crystallographic convention: a*.a = 1, a*.b = 0, etc.
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			got := recip[i].Dot(direct[j])
			want := 0.0
			if i == j {
				want = 1.0
			}
			if !almostEqual(got, want, 1e-9) {
				t.Errorf("recip[%d].direct[%d] = %v, want %v", i, j, got, want)
			}
		}
	}
}
