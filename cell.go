package crystfel

import (
	"errors"
	"math"
)

// CellRepresentation records which of the three equivalent forms a
// UnitCell currently holds as canonical. Conversion to the other two
// is computed on demand by the Cryst/Cartesian/Reciprocal accessors.
type CellRepresentation int

const (
	ReprCrystallographic CellRepresentation = iota
	ReprCartesian
	ReprReciprocal
)

// Vec3 is a plain Cartesian 3-vector, used for direct and reciprocal
// axis vectors alike.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Add(o Vec3) Vec3      { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3      { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }
func (v Vec3) Dot(o Vec3) float64   { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v.Y*o.Z - v.Z*o.Y,
		v.Z*o.X - v.X*o.Z,
		v.X*o.Y - v.Y*o.X,
	}
}
func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

// CrystParams is the six-scalar crystallographic cell description:
// edge lengths in metres, angles in radians.
type CrystParams struct {
	A, B, C    float64
	Alpha      float64
	Beta       float64
	Gamma      float64
}

// UnitCell represents a lattice. Internally exactly one representation
// is canonical (per the invariant in spec.md §3); the other two are
// produced on demand by conversion and never cached, so there is never
// a stale-representation bug to guard against.
type UnitCell struct {
	repr CellRepresentation

	cryst CrystParams // valid iff repr == ReprCrystallographic
	cart  [3]Vec3     // direct-space a,b,c; valid iff repr == ReprCartesian
	recip [3]Vec3     // reciprocal a*,b*,c*; valid iff repr == ReprReciprocal
}

// NewCellFromParams builds a UnitCell whose canonical representation
// is crystallographic.
func NewCellFromParams(a, b, c, alpha, beta, gamma float64) *UnitCell {
	return &UnitCell{
		repr:  ReprCrystallographic,
		cryst: CrystParams{A: a, B: b, C: c, Alpha: alpha, Beta: beta, Gamma: gamma},
	}
}

// NewCellFromCartesian builds a UnitCell whose canonical representation
// is the direct-space Cartesian axes.
func NewCellFromCartesian(a, b, c Vec3) *UnitCell {
	return &UnitCell{repr: ReprCartesian, cart: [3]Vec3{a, b, c}}
}

// NewCellFromReciprocal builds a UnitCell whose canonical representation
// is the reciprocal-space axes.
func NewCellFromReciprocal(astar, bstar, cstar Vec3) *UnitCell {
	return &UnitCell{repr: ReprReciprocal, recip: [3]Vec3{astar, bstar, cstar}}
}

// Representation reports the UnitCell's canonical form.
func (u *UnitCell) Representation() CellRepresentation { return u.repr }

// Params returns the six scalar crystallographic parameters,
// converting from the canonical representation if necessary.
func (u *UnitCell) Params() CrystParams {
	switch u.repr {
	case ReprCrystallographic:
		return u.cryst
	case ReprCartesian:
		return cartesianToCryst(u.cart)
	case ReprReciprocal:
		direct, err := reciprocalToCartesian(u.recip)
		if err != nil {
			// A degenerate reciprocal cell has no direct-space
			// image; report the zero value rather than panic, the
			// caller is expected to have validated via Validate().
			return CrystParams{}
		}
		return cartesianToCryst(direct)
	}
	return CrystParams{}
}

// Cartesian returns the direct-space axis vectors a, b, c, converting
// from the canonical representation if necessary.
//
// Convention (spec.md §4.A): a lies along +x, b lies in the xy-plane
// with gamma as the a-b angle, and the sign of c's z-component is
// positive.
func (u *UnitCell) Cartesian() [3]Vec3 {
	switch u.repr {
	case ReprCartesian:
		return u.cart
	case ReprCrystallographic:
		return crystToCartesian(u.cryst)
	case ReprReciprocal:
		direct, err := reciprocalToCartesian(u.recip)
		if err != nil {
			return [3]Vec3{}
		}
		return direct
	}
	return [3]Vec3{}
}

// Reciprocal returns the reciprocal-space axis vectors a*, b*, c*,
// computed as the matrix inverse-transpose of the direct axes (scaled
// by 2*pi is NOT applied here; this module uses the crystallographic
// convention a*.a = 1, consistent with q = h*a* + k*b* + l*c*).
func (u *UnitCell) Reciprocal() ([3]Vec3, error) {
	switch u.repr {
	case ReprReciprocal:
		return u.recip, nil
	case ReprCrystallographic:
		return cartesianToReciprocal(crystToCartesian(u.cryst))
	case ReprCartesian:
		return cartesianToReciprocal(u.cart)
	}
	return [3]Vec3{}, ErrDegenerateCell
}

// Validate reports ErrDegenerateCell if the cell's direct-space axes
// are (numerically) coplanar, i.e. the unit cell has zero volume.
func (u *UnitCell) Validate() error {
	axes := u.Cartesian()
	vol := axes[0].Dot(axes[1].Cross(axes[2]))
	if math.IsNaN(vol) || math.Abs(vol) < 1e-30 {
		return ErrDegenerateCell
	}
	return nil
}

// crystToCartesian implements the conversion described in spec.md
// §4.A: a along +x, b in the xy-plane, c completing a right-handed
// system with a positive z-component.
func crystToCartesian(p CrystParams) [3]Vec3 {
	ax := p.A
	bx := p.B * math.Cos(p.Gamma)
	by := p.B * math.Sin(p.Gamma)

	cx := p.C * math.Cos(p.Beta)
	cy := p.C * (math.Cos(p.Alpha) - math.Cos(p.Beta)*math.Cos(p.Gamma)) / math.Sin(p.Gamma)
	cz2 := p.C*p.C - cx*cx - cy*cy
	if cz2 < 0 {
		cz2 = 0
	}
	cz := math.Sqrt(cz2)

	return [3]Vec3{
		{X: ax, Y: 0, Z: 0},
		{X: bx, Y: by, Z: 0},
		{X: cx, Y: cy, Z: cz},
	}
}

// cartesianToCryst recovers the six scalar parameters from a set of
// direct-space axis vectors; it is a pure inner-product computation so
// it round-trips crystToCartesian to floating-point tolerance.
func cartesianToCryst(axes [3]Vec3) CrystParams {
	a, b, c := axes[0], axes[1], axes[2]
	alen, blen, clen := a.Norm(), b.Norm(), c.Norm()

	angle := func(u, v Vec3, ulen, vlen float64) float64 {
		cosv := u.Dot(v) / (ulen * vlen)
		cosv = math.Max(-1, math.Min(1, cosv))
		return math.Acos(cosv)
	}

	return CrystParams{
		A: alen, B: blen, C: clen,
		Alpha: angle(b, c, blen, clen),
		Beta:  angle(a, c, alen, clen),
		Gamma: angle(a, b, alen, blen),
	}
}

// cartesianToReciprocal computes a*, b*, c* as the inverse-transpose of
// the 3x3 matrix whose rows are a, b, c, via an explicit LU
// decomposition with partial pivoting. Returns ErrDegenerateCell for a
// (numerically) singular matrix.
func cartesianToReciprocal(axes [3]Vec3) ([3]Vec3, error) {
	m := [3][3]float64{
		{axes[0].X, axes[0].Y, axes[0].Z},
		{axes[1].X, axes[1].Y, axes[1].Z},
		{axes[2].X, axes[2].Y, axes[2].Z},
	}
	inv, err := invert3x3LU(m)
	if err != nil {
		return [3]Vec3{}, err
	}
	// inverse-transpose: reciprocal axis i is column i of inv, i.e.
	// row i of inv^T, so each axis below is read down a column of inv.
	return [3]Vec3{
		{X: inv[0][0], Y: inv[1][0], Z: inv[2][0]},
		{X: inv[0][1], Y: inv[1][1], Z: inv[2][1]},
		{X: inv[0][2], Y: inv[1][2], Z: inv[2][2]},
	}, nil
}

// reciprocalToCartesian is the inverse operation: the direct axes are
// the inverse-transpose of the reciprocal axes, so it reuses the same
// LU-based 3x3 inversion.
func reciprocalToCartesian(recip [3]Vec3) ([3]Vec3, error) {
	return cartesianToReciprocal(recip)
}

// invert3x3LU computes the inverse of a 3x3 matrix via LU
// decomposition with partial pivoting, failing with ErrDegenerateCell
// if any pivot is numerically zero.
func invert3x3LU(m [3][3]float64) ([3][3]float64, error) {
	const n = 3
	var a [n][n]float64 = m
	perm := [n]int{0, 1, 2}

	for k := 0; k < n; k++ {
		// partial pivot
		maxRow, maxVal := k, math.Abs(a[k][k])
		for i := k + 1; i < n; i++ {
			if v := math.Abs(a[i][k]); v > maxVal {
				maxRow, maxVal = i, v
			}
		}
		if maxVal < 1e-14 {
			return [n][n]float64{}, errors.Join(ErrDegenerateCell, errors.New("singular pivot in cell conversion"))
		}
		if maxRow != k {
			a[k], a[maxRow] = a[maxRow], a[k]
			perm[k], perm[maxRow] = perm[maxRow], perm[k]
		}
		for i := k + 1; i < n; i++ {
			factor := a[i][k] / a[k][k]
			a[i][k] = factor
			for j := k + 1; j < n; j++ {
				a[i][j] -= factor * a[k][j]
			}
		}
	}

	var inv [n][n]float64
	for col := 0; col < n; col++ {
		// b is the col-th unit vector, permuted the same way as rows
		var b [n]float64
		for i := 0; i < n; i++ {
			if perm[i] == col {
				b[i] = 1
			}
		}
		// forward substitution (Ly = b), L has unit diagonal
		var y [n]float64
		for i := 0; i < n; i++ {
			sum := b[i]
			for j := 0; j < i; j++ {
				sum -= a[i][j] * y[j]
			}
			y[i] = sum
		}
		// back substitution (Ux = y)
		var x [n]float64
		for i := n - 1; i >= 0; i-- {
			sum := y[i]
			for j := i + 1; j < n; j++ {
				sum -= a[i][j] * x[j]
			}
			x[i] = sum / a[i][i]
		}
		for i := 0; i < n; i++ {
			inv[i][col] = x[i]
		}
	}

	return inv, nil
}
