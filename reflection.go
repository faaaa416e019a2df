package crystfel

import "sync"

// MillerIndex is a signed integer Miller triple (h,k,l). It may refer
// to either the raw-indexed lattice or its symmetry-asymmetric-unit
// image, per spec.md §3.
type MillerIndex struct {
	H, K, L int
}

// Reflection carries the attributes of spec.md §3. A Reflection is
// owned by exactly one ReflectionList at a time (a Crystal's
// prediction list, or the global merged list during scaling); its
// Mu guards the mutable fields (I, Sigma, Redundancy, flags) so many
// scaling workers can update distinct reflections concurrently without
// serialising the whole list.
type Reflection struct {
	Indices MillerIndex

	// Predicted detector position, subpixel units.
	Fs, Ss float64
	Panel  string

	ExcitationError float64 // inverse metres
	Partiality      float64 // p in [0,1]
	ClampLow        bool
	ClampHigh       bool
	Lorentz         float64

	mu sync.Mutex

	I          float64
	Sigma      float64
	Redundancy int

	Scalable  bool
	Refinable bool

	NegativeIntensity bool

	// Asym is the reflection's symmetry-equivalent canonical indices
	// (spec.md §3: "the reflection's symmetry-equivalent canonical
	// indices").
	Asym MillerIndex

	// Background, computed during integration; carried through to the
	// stream output record (§6: reflection tables emit background).
	Background float64
}

// Lock/Unlock expose the per-reflection mutex for atomic
// read-modify-write under concurrent writers (spec.md §4.B).
func (r *Reflection) Lock()   { r.mu.Lock() }
func (r *Reflection) Unlock() { r.mu.Unlock() }

// AccumulateIntensity atomically adds a weighted contribution to I and
// bumps redundancy; used by the scaling merge step when combining
// partial observations into a full intensity.
func (r *Reflection) AccumulateIntensity(weightedI, weight float64) {
	r.Lock()
	defer r.Unlock()
	r.I += weightedI
	r.Sigma += weight
	r.Redundancy++
}

// Predicted computes I_predicted = osf * L * p * I_full, per spec.md
// §4.D.
func Predicted(osf, L, p, iFull float64) float64 {
	return osf * L * p * iFull
}
