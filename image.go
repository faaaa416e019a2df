package crystfel

import "time"

// Feature is a 2-D image feature (peak): a point with intensity and a
// back-pointer to the panel that produced it (spec.md §3).
type Feature struct {
	Fs, Ss    float64
	Intensity float64
	Panel     *Panel
}

// BeamParams carries the nominal beam description of spec.md §3:
// photon energy, divergence, bandwidth and per-crystal profile-radius
// defaults.
type BeamParams struct {
	PhotonEnergyEv     float64
	PhotonEnergyHeader string // per-frame header field name, if any

	Divergence float64 // full angle, radians
	Bandwidth  float64 // fraction, delta-lambda/lambda

	DefaultProfileRadius float64 // reciprocal metres
}

// Wavelength converts photon energy in eV to wavelength in metres.
func (b BeamParams) Wavelength() float64 {
	const hc = 1.23984193e-6 // eV*m
	if b.PhotonEnergyEv <= 0 {
		return 0
	}
	return hc / b.PhotonEnergyEv
}

// BeamSnapshot is the immutable (lambda, beam) pair a Crystal captures
// at construction time instead of holding a live back-pointer to its
// owning Image. This breaks the Crystal<->Image cyclic-reference risk
// flagged in Design Notes §9 and allows a Crystal to be serialised
// stand-alone.
type BeamSnapshot struct {
	Wavelength float64
	Divergence float64
	Bandwidth  float64
}

// Crystal is a UnitCell plus the per-crystal scalars of spec.md §3: an
// overall scale factor (Osf), a profile radius, mosaicity, and the
// reflection list produced by prediction.
type Crystal struct {
	Cell *UnitCell

	Osf           float64
	ProfileRadius float64 // reciprocal metres, default ~3e6
	Mosaicity     float64

	Beam BeamSnapshot

	Reflections *ReflectionList

	// PrDud marks a crystal whose post-refinement linear solve was
	// singular or diverged (spec.md §4.H, §7); it is excluded from
	// the current scaling iteration's scale step but may recover on
	// the next.
	PrDud bool
}

// NewCrystal constructs a Crystal with the default values of spec.md
// §3: Osf = 1.0, ProfileRadius ~= 3e6 m^-1.
func NewCrystal(cell *UnitCell, beam BeamSnapshot) *Crystal {
	return &Crystal{
		Cell:          cell,
		Osf:           1.0,
		ProfileRadius: 3.0e6,
		Beam:          beam,
		Reflections:   NewReflectionList(),
	}
}

// Image is a single detector frame: per-panel raw data, masks, beam
// parameters for this frame, the detector geometry, the feature list,
// and zero or more indexed crystals (spec.md §3). An Image exclusively
// owns its panel buffers, feature list and crystals; ownership
// transfer to the (external) viewer collaborator is by move, per
// Design Notes §9 — this package never hands out a shared reference to
// RawData, only Take().
type Image struct {
	Filename string
	Event    string

	Detector *Detector
	Beam     BeamParams

	// RawData[i] is panel i's raw pixel buffer, row-major [ss][fs].
	RawData    [][][]float64
	BadPixel   [][][]bool
	Saturated  [][][]bool

	AcquisitionTime time.Time

	Features []Feature
	Crystals []*Crystal

	moved bool
}

// Take transfers ownership of the raw per-panel buffers to the caller
// (the external frame-viewer collaborator) and clears this Image's own
// reference, matching Design Notes §9's "explicitly transferred... by
// move, never by shared reference." Calling any method that reads
// RawData after Take panics, since the data no longer belongs to this
// Image.
func (im *Image) Take() [][][]float64 {
	data := im.RawData
	im.RawData = nil
	im.moved = true
	return data
}

// Moved reports whether Take has already transferred this Image's raw
// buffers away.
func (im *Image) Moved() bool { return im.moved }
