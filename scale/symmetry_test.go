package scale

import (
	"testing"

	crystfel "github.com/xfel-pipeline/crystfel-core"
)

func TestCanonicalIsInvariantUnderFriedelPair(t *testing.T) {
	pg := PointGroupBar1()
	a := pg.Canonical(1, 2, 3)
	b := pg.Canonical(-1, -2, -3)
	if a != b {
		t.Errorf("-1 point group: Canonical(1,2,3)=%v, Canonical(-1,-2,-3)=%v, want equal", a, b)
	}
}

func TestCanonicalIsIdempotent(t *testing.T) {
	for _, pg := range []PointGroup{PointGroup1(), PointGroupBar1(), PointGroup2OverM(), PointGroupMmm(), PointGroup4OverMmm(), PointGroupBar3m(), PointGroup6OverMmm(), PointGroupMBar3m()} {
		idx := pg.Canonical(3, -1, 2)
		again := pg.Canonical(idx.H, idx.K, idx.L)
		if idx != again {
			t.Errorf("%s: Canonical not idempotent: %v then %v", pg.Name, idx, again)
		}
	}
}

func TestCanonicalIsLexicographicallySmallest(t *testing.T) {
	pg := PointGroupMmm()
	idx := pg.Canonical(-3, 2, -1)
	for _, cand := range []crystfel.MillerIndex{{H: 3, K: 2, L: 1}, {H: -3, K: -2, L: -1}, {H: 3, K: -2, L: -1}} {
		if less(cand, idx) {
			t.Errorf("Canonical returned %v but %v is lexicographically smaller", idx, cand)
		}
	}
}

func TestByNameUnknownFallsBackToP1(t *testing.T) {
	pg := ByName("nonsense")
	if pg.Name != "1" {
		t.Errorf("ByName(unknown).Name = %q, want \"1\"", pg.Name)
	}
}

func TestByNameResolvesEveryDocumentedSymbol(t *testing.T) {
	for _, name := range []string{"-1", "2/m", "mmm", "4/mmm", "-3m", "6/mmm", "m-3m"} {
		pg := ByName(name)
		if pg.Name != name {
			t.Errorf("ByName(%q).Name = %q, want %q", name, pg.Name, name)
		}
	}
}
