package crystfel

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// BeamFileInfo is the beam geometry partialator reads via its `-b`
// flag: the stream format carries a crystal's wavelength and profile
// radius but not its divergence or bandwidth (the detector-independent
// beam shape parameters predict.BeamShape needs for post-refinement),
// so those are supplied alongside a fallback profile radius for
// crystals whose stream record predates spec §4.F's profile_radius
// line.
type BeamFileInfo struct {
	Divergence    float64 // full angle, radians
	Bandwidth     float64 // fraction, delta-lambda/lambda
	ProfileRadius float64 // reciprocal metres, used when a crystal's own is zero
}

// LoadBeamFile parses the same `key = value [unit]` grammar as
// LoadCellFile: "divergence = 1.0 mrad", "bandwidth = 0.01", "profile_radius = 3.0e6 m^-1".
func LoadBeamFile(r io.Reader) (*BeamFileInfo, error) {
	info := &BeamFileInfo{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		fields := strings.Fields(val)
		if len(fields) == 0 {
			continue
		}
		num, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		unit := ""
		if len(fields) > 1 {
			unit = fields[1]
		}

		switch key {
		case "divergence":
			info.Divergence = angleFullToRadians(num, unit)
		case "bandwidth":
			info.Bandwidth = num
		case "profile_radius":
			info.ProfileRadius = num
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return info, nil
}

// angleFullToRadians converts a divergence given in mrad or deg to
// radians; bare numbers are assumed already in radians.
func angleFullToRadians(v float64, unit string) float64 {
	switch unit {
	case "mrad":
		return v * 1e-3
	case "deg":
		return v * 3.141592653589793 / 180
	default:
		return v
	}
}
