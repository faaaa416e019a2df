package scale

import "github.com/xfel-pipeline/crystfel-core"

// PointGroup maps a raw Miller index to its symmetry-equivalent
// canonical (asymmetric-unit) index, resolving spec.md §3's "Miller
// indices... may refer to either the raw-indexed lattice or its
// symmetry-asymmetric-unit image" into a concrete table (spec.md's
// distillation names "a symmetry point-group description" for the
// scaling input but never enumerates one).
type PointGroup struct {
	Name string
	ops  [][3][3]int // proper + improper rotation matrices, including identity
}

// Canonical returns the lexicographically smallest index among all of
// hkl's symmetry equivalents under this point group.
func (g PointGroup) Canonical(h, k, l int) crystfel.MillerIndex {
	best := crystfel.MillerIndex{H: h, K: k, L: l}
	for _, op := range g.ops {
		eq := applyOp(op, h, k, l)
		if less(eq, best) {
			best = eq
		}
	}
	return best
}

func applyOp(op [3][3]int, h, k, l int) crystfel.MillerIndex {
	return crystfel.MillerIndex{
		H: op[0][0]*h + op[0][1]*k + op[0][2]*l,
		K: op[1][0]*h + op[1][1]*k + op[1][2]*l,
		L: op[2][0]*h + op[2][1]*k + op[2][2]*l,
	}
}

func less(a, b crystfel.MillerIndex) bool {
	if a.H != b.H {
		return a.H < b.H
	}
	if a.K != b.K {
		return a.K < b.K
	}
	return a.L < b.L
}

func identity() [3][3]int { return [3][3]int{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}} }
func inversion() [3][3]int {
	return [3][3]int{{-1, 0, 0}, {0, -1, 0}, {0, 0, -1}}
}

func mul(a, b [3][3]int) [3][3]int {
	var out [3][3]int
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			s := 0
			for k := 0; k < 3; k++ {
				s += a[i][k] * b[k][j]
			}
			out[i][j] = s
		}
	}
	return out
}

func closeGroup(gens [][3][3]int) [][3][3]int {
	seen := map[[3][3]int]bool{}
	var queue [][3][3]int
	add := func(m [3][3]int) {
		if !seen[m] {
			seen[m] = true
			queue = append(queue, m)
		}
	}
	add(identity())
	for i := 0; i < len(queue); i++ {
		for _, g := range gens {
			add(mul(queue[i], g))
		}
	}
	return queue
}

// Point groups below are the Laue classes named in spec.md's
// SUPPLEMENTED FEATURES list: 1 (triclinic), -1 (triclinic,
// centrosymmetric), 2/m (monoclinic), mmm (orthorhombic), 4/mmm
// (tetragonal), -3m (trigonal), 6/mmm (hexagonal), m-3m (cubic).
var (
	rot2y  = [3][3]int{{-1, 0, 0}, {0, 1, 0}, {0, 0, -1}}
	rot2z  = [3][3]int{{-1, 0, 0}, {0, -1, 0}, {0, 0, 1}}
	rot4z  = [3][3]int{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}}
	rot3z  = [3][3]int{{0, -1, 0}, {1, -1, 0}, {0, 0, 1}} // hexagonal-axes 3-fold about c
	rot6z  = [3][3]int{{1, -1, 0}, {1, 0, 0}, {0, 0, 1}}
	rot3d  = [3][3]int{{0, 0, 1}, {1, 0, 0}, {0, 1, 0}} // cubic 3-fold about [111]
	// hexagonal axes: mirror swapping h and k, and 2-fold about [110]
	mirHK  = [3][3]int{{0, 1, 0}, {1, 0, 0}, {0, 0, 1}}
	rot2hk = [3][3]int{{0, 1, 0}, {1, 0, 0}, {0, 0, -1}}
)

// PointGroup1 is the trivial group: no symmetry beyond identity.
func PointGroup1() PointGroup { return PointGroup{Name: "1", ops: closeGroup(nil)} }

// PointGroupBar1 adds the inversion centre.
func PointGroupBar1() PointGroup { return PointGroup{Name: "-1", ops: closeGroup([][3][3]int{inversion()})} }

// PointGroup2OverM is the monoclinic Laue class (2-fold about b, plus inversion).
func PointGroup2OverM() PointGroup {
	return PointGroup{Name: "2/m", ops: closeGroup([][3][3]int{rot2y, inversion()})}
}

// PointGroupMmm is the orthorhombic Laue class.
func PointGroupMmm() PointGroup {
	return PointGroup{Name: "mmm", ops: closeGroup([][3][3]int{rot2y, rot2z, inversion()})}
}

// PointGroup4OverMmm is the tetragonal Laue class.
func PointGroup4OverMmm() PointGroup {
	return PointGroup{Name: "4/mmm", ops: closeGroup([][3][3]int{rot4z, rot2y, inversion()})}
}

// PointGroupBar3m is the trigonal Laue class (hexagonal axes).
func PointGroupBar3m() PointGroup {
	return PointGroup{Name: "-3m", ops: closeGroup([][3][3]int{rot3z, mirHK, inversion()})}
}

// PointGroup6OverMmm is the hexagonal Laue class.
func PointGroup6OverMmm() PointGroup {
	return PointGroup{Name: "6/mmm", ops: closeGroup([][3][3]int{rot6z, rot2hk, inversion()})}
}

// PointGroupMBar3m is the cubic Laue class.
func PointGroupMBar3m() PointGroup {
	return PointGroup{Name: "m-3m", ops: closeGroup([][3][3]int{rot4z, rot3d, inversion()})}
}

// ByName resolves one of the eight supported point-group names (the
// `-y <pointgroup>` partialator flag of spec.md §6), defaulting to "1"
// for an unrecognised name.
func ByName(name string) PointGroup {
	switch name {
	case "-1":
		return PointGroupBar1()
	case "2/m":
		return PointGroup2OverM()
	case "mmm":
		return PointGroupMmm()
	case "4/mmm":
		return PointGroup4OverMmm()
	case "-3m":
		return PointGroupBar3m()
	case "6/mmm":
		return PointGroup6OverMmm()
	case "m-3m":
		return PointGroupMBar3m()
	default:
		return PointGroup1()
	}
}
