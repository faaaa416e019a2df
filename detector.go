package crystfel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Detector is an ordered list of panels, matching spec.md §3: "An
// ordered list of panels."
type Detector struct {
	Panels []*Panel

	// File-level defaults, overridden per-panel where a panel key is
	// present (panel/clen, panel/res etc).
	PhotonEnergyEv float64
	AduPerEv       float64
	MaskGood       uint32
	MaskBad        uint32
}

// PanelAt returns the panel whose address rectangle contains (fs,ss),
// scanning panels in declaration order. Spec.md requires panel
// rectangles never overlap, so the first match is the only match.
func (d *Detector) PanelAt(fs, ss float64) (*Panel, error) {
	for _, p := range d.Panels {
		if p.Contains(fs, ss) {
			return p, nil
		}
	}
	return nil, ErrPanelNotFound
}

// ScatteringVector computes the scattering vector q (in reciprocal
// metres) for a (fs,ss) position on the given panel, given incident
// wavelength lambda (metres). The incident beam travels along +z; q =
// k_out - k_in with |k| = 1/lambda.
func ScatteringVector(p *Panel, fs, ss, lambda float64) Vec3 {
	lab := p.LabPosition(fs, ss).Add(Vec3{Z: p.CameraLen})
	k := 1.0 / lambda
	dir := lab.Scale(1.0 / lab.Norm())
	kOut := dir.Scale(k)
	kIn := Vec3{Z: k}
	return kOut.Sub(kIn)
}

// MaxResolution returns the largest |q| reachable on any panel of the
// detector, evaluated at the panel corners (the extrema of a flat
// rectangular panel always occur at a corner or edge midpoint; corners
// dominate for any panel not intersecting the beam axis, which is the
// overwhelmingly common case for real detector geometries).
func (d *Detector) MaxResolution(lambda float64) float64 {
	maxQ := 0.0
	for _, p := range d.Panels {
		corners := [4][2]int{
			{p.MinFs, p.MinSs}, {p.MaxFs, p.MinSs},
			{p.MinFs, p.MaxSs}, {p.MaxFs, p.MaxSs},
		}
		for _, c := range corners {
			q := ScatteringVector(p, float64(c[0]), float64(c[1]), lambda)
			if n := q.Norm(); n > maxQ {
				maxQ = n
			}
		}
	}
	return maxQ
}

// ReverseMap finds the panel and (fs,ss) address whose lab-frame
// direction matches dir (a unit vector from the sample towards the
// detector, not necessarily normalised on input), by projecting dir
// onto each panel's plane and testing containment. Returns
// ErrPanelNotFound if no panel is struck.
func (d *Detector) ReverseMap(dir Vec3, lambda float64) (*Panel, float64, float64, error) {
	norm := dir.Norm()
	if norm == 0 {
		return nil, 0, 0, ErrPanelNotFound
	}
	dir = dir.Scale(1.0 / norm)

	for _, p := range d.Panels {
		// Solve corner + fs*Fs + ss*Ss = t*dir - (0,0,clen) for fs,
		// ss, t by inverting the panel's 2x3 basis extended with the
		// beam axis; equivalent to intersecting the ray with the
		// panel's plane.
		normal := p.Fs.Cross(p.Ss)
		denom := normal.Dot(dir)
		if math.Abs(denom) < 1e-20 {
			continue
		}
		originToPlane := p.Corner.Add(Vec3{Z: p.CameraLen}).Scale(-1)
		t := -normal.Dot(originToPlane) / denom
		if t <= 0 {
			continue
		}
		point := dir.Scale(t).Sub(Vec3{Z: p.CameraLen}).Sub(p.Corner)

		fs, ss, err := solve2x2(p.Fs, p.Ss, point)
		if err != nil {
			continue
		}
		if p.Contains(fs, ss) {
			return p, fs, ss, nil
		}
	}
	return nil, 0, 0, ErrPanelNotFound
}

// solve2x2 solves fs*a + ss*b = target for fs, ss in the least-squares
// sense projected onto the a,b plane (a,b assumed linearly
// independent, as guaranteed by a valid panel basis).
func solve2x2(a, b, target Vec3) (fs, ss float64, err error) {
	// Reduce the 3 coordinate equations to the 2x2 normal equations
	// [a.a a.b; a.b b.b] [fs ss]^T = [a.t b.t]^T.
	aa := a.Dot(a)
	bb := b.Dot(b)
	ab := a.Dot(b)
	ta := a.Dot(target)
	tb := b.Dot(target)

	det := aa*bb - ab*ab
	if math.Abs(det) < 1e-20 {
		return 0, 0, ErrDegenerateCell
	}
	fs = (ta*bb - tb*ab) / det
	ss = (aa*tb - ab*ta) / det
	return fs, ss, nil
}

// LoadGeometry parses the plain-text `key = value` geometry file
// grammar of spec.md §6: global keys (clen, photon_energy, adu_per_eV,
// mask_good, mask_bad) and per-panel keys (panel/min_fs, panel/max_fs,
// panel/min_ss, panel/max_ss, panel/corner_x, panel/corner_y,
// panel/fs, panel/ss, panel/res, panel/clen, panel/no_index).
func LoadGeometry(r io.Reader) (*Detector, error) {
	det := &Detector{}
	panels := map[string]*Panel{}
	order := []string{}

	getPanel := func(name string) *Panel {
		p, ok := panels[name]
		if !ok {
			p = &Panel{Name: name, PixelSize: 1.0}
			panels[name] = p
			order = append(order, name)
		}
		return p
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, fmtErr(ErrMalformedInput, "geometry file line %d has no '='", lineNo)
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if semi := strings.Index(val, ";"); semi >= 0 {
			val = strings.TrimSpace(val[:semi])
		}

		if strings.Contains(key, "/") {
			// supports both "panel/key" (anonymous/default panel) and
			// "panelname/key"
			parts := strings.SplitN(key, "/", 2)
			pname, pkey := parts[0], parts[1]
			if pname == "panel" {
				pname = "default"
			}
			p := getPanel(pname)
			if err := applyPanelKey(p, pkey, val); err != nil {
				return nil, err
			}
			continue
		}

		switch key {
		case "clen":
			v, err := strconv.ParseFloat(val, 64)
			if err == nil {
				for _, p := range panels {
					p.CameraLen = v
				}
			}
		case "photon_energy":
			v, err := strconv.ParseFloat(val, 64)
			if err == nil {
				det.PhotonEnergyEv = v
			}
		case "adu_per_eV":
			v, err := strconv.ParseFloat(val, 64)
			if err == nil {
				det.AduPerEv = v
			}
		case "mask_good":
			v, err := strconv.ParseUint(strings.TrimPrefix(val, "0x"), 16, 32)
			if err == nil {
				det.MaskGood = uint32(v)
			}
		case "mask_bad":
			v, err := strconv.ParseUint(strings.TrimPrefix(val, "0x"), 16, 32)
			if err == nil {
				det.MaskBad = uint32(v)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for _, name := range order {
		p := panels[name]
		// corner_x/corner_y and fs/ss are read in pixel units; Panel
		// holds them in metres, so scale by the pixel size from res.
		p.Corner = p.Corner.Scale(p.PixelSize)
		p.Fs = p.Fs.Scale(p.PixelSize)
		p.Ss = p.Ss.Scale(p.PixelSize)
		det.Panels = append(det.Panels, p)
	}
	if len(det.Panels) == 0 {
		return nil, fmtErr(ErrMalformedInput, "geometry file defines no panels")
	}
	return det, nil
}

func applyPanelKey(p *Panel, key, val string) error {
	switch key {
	case "min_fs":
		p.MinFs, _ = strconv.Atoi(val)
	case "max_fs":
		p.MaxFs, _ = strconv.Atoi(val)
	case "min_ss":
		p.MinSs, _ = strconv.Atoi(val)
	case "max_ss":
		p.MaxSs, _ = strconv.Atoi(val)
	case "corner_x":
		v, _ := strconv.ParseFloat(val, 64)
		p.Corner.X = v
	case "corner_y":
		v, _ := strconv.ParseFloat(val, 64)
		p.Corner.Y = v
	case "res":
		v, err := strconv.ParseFloat(val, 64)
		if err == nil {
			p.Res = v
			p.PixelSize = 1.0 / v
		}
	case "clen":
		if v, err := strconv.ParseFloat(val, 64); err == nil {
			p.CameraLen = v
		} else {
			p.ClenFromHeader = val
		}
	case "no_index":
		p.NoIndex = val == "1" || strings.EqualFold(val, "true")
	case "fs":
		v, err := parseDirectionVector(val)
		if err != nil {
			return err
		}
		p.Fs = v
	case "ss":
		v, err := parseDirectionVector(val)
		if err != nil {
			return err
		}
		p.Ss = v
	}
	return nil
}

// parseDirectionVector parses the CrystFEL direction-vector syntax,
// e.g. "+0.002x -1.000y" or "1.0x 0.0y 0.0z", returning a unit-cell
// scaled vector in the panel's fs/ss plane (the z component is left 0
// unless explicitly given, matching flat-panel geometry files).
func parseDirectionVector(s string) (Vec3, error) {
	var v Vec3
	fields := strings.Fields(s)
	for _, f := range fields {
		if len(f) < 2 {
			return v, fmtErr(ErrMalformedInput, "bad direction component %q", f)
		}
		axis := f[len(f)-1]
		numStr := f[:len(f)-1]
		num, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			return v, fmtErr(ErrMalformedInput, "bad direction component %q", f)
		}
		switch axis {
		case 'x':
			v.X = num
		case 'y':
			v.Y = num
		case 'z':
			v.Z = num
		default:
			return v, fmtErr(ErrMalformedInput, "unknown axis %q", string(axis))
		}
	}
	return v, nil
}

func fmtErr(sentinel error, format string, args ...any) error {
	return errors.Join(sentinel, fmt.Errorf(format, args...))
}
