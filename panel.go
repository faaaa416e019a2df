package crystfel

// Panel is one detector tile. MinFs/MaxFs/MinSs/MaxSs bound the
// panel's (fs,ss) address rectangle (inclusive); Corner is the lab
// position, in metres, of the (MinFs,MinSs) pixel corner; Fs/Ss are
// the fast/slow-scan basis vectors in the lab frame, in metres per
// pixel (i.e. already scaled by PixelSize, matching the convention the
// teacher's BeamArray uses for its pre-scaled Cartesian fields).
type Panel struct {
	Name string

	MinFs, MaxFs int
	MinSs, MaxSs int

	Corner Vec3
	Fs     Vec3
	Ss     Vec3

	PixelSize float64 // metres/pixel
	CameraLen float64 // metres; may be overridden per-frame, see ClenFromHeader
	Res       float64 // pixels/metre, alternate camera-length spec

	// ClenFromHeader, if non-empty, names a per-frame header field
	// that supplies CameraLen (panel/clen referencing a header key).
	ClenFromHeader string

	BadMask  [][]bool // [ss][fs], true marks a bad/masked pixel
	NoIndex  bool
}

// Contains reports whether (fs,ss) falls within this panel's address
// rectangle.
func (p *Panel) Contains(fs, ss float64) bool {
	return fs >= float64(p.MinFs) && fs <= float64(p.MaxFs) &&
		ss >= float64(p.MinSs) && ss <= float64(p.MaxSs)
}

// Width and Height report the panel's pixel dimensions.
func (p *Panel) Width() int  { return p.MaxFs - p.MinFs + 1 }
func (p *Panel) Height() int { return p.MaxSs - p.MinSs + 1 }

// Bad reports whether the given panel-relative (fs,ss) pixel is
// flagged in the bad-region mask. Out-of-range coordinates are never
// bad (there's nothing there to mask).
func (p *Panel) Bad(fs, ss int) bool {
	localFs := fs - p.MinFs
	localSs := ss - p.MinSs
	if localSs < 0 || localFs < 0 || localSs >= len(p.BadMask) {
		return false
	}
	row := p.BadMask[localSs]
	if localFs >= len(row) {
		return false
	}
	return row[localFs]
}

// LabPosition maps a panel-relative (fs,ss), in subpixel units, to a
// lab-frame position in metres.
func (p *Panel) LabPosition(fs, ss float64) Vec3 {
	return p.Corner.Add(p.Fs.Scale(fs)).Add(p.Ss.Scale(ss))
}
