package crystfel

import (
	"bufio"
	"io"
	"math"
	"strconv"
	"strings"
)

// CellFileInfo augments the parsed UnitCell with the lattice metadata
// that a CrystFEL cell file (or PDB CRYST1 record) carries alongside
// the six scalar parameters: lattice type, centering, unique axis
// (spec.md §6).
type CellFileInfo struct {
	Cell         *UnitCell
	LatticeType  string
	Centering    string
	UniqueAxis   string
}

// LoadCellFile parses either grammar named in spec.md §6: a CrystFEL
// cell file (`a = `, `b = `, ... key/value lines) or a PDB file, from
// which the CRYST1 record is extracted. The two grammars are
// distinguished by whether the text contains "CRYST1" anywhere.
func LoadCellFile(r io.Reader) (*CellFileInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	text := string(data)
	if strings.Contains(text, "CRYST1") {
		return parsePdbCryst1(text)
	}
	return parseCrystfelCellFile(text)
}

func parseCrystfelCellFile(text string) (*CellFileInfo, error) {
	info := &CellFileInfo{}
	var a, b, c, al, be, ga float64
	haveLen := map[string]bool{}

	scanner := bufio.NewScanner(strings.NewReader(text))
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
		// strip trailing unit comment such as "79.3 A" or "90.0 deg"
		fields := strings.Fields(val)
		if len(fields) == 0 {
			continue
		}
		num, err := strconv.ParseFloat(fields[0], 64)
		unit := ""
		if len(fields) > 1 {
			unit = fields[1]
		}

		switch key {
		case "a":
			a = lengthToMetres(num, unit, err)
			haveLen["a"] = true
		case "b":
			b = lengthToMetres(num, unit, err)
			haveLen["b"] = true
		case "c":
			c = lengthToMetres(num, unit, err)
			haveLen["c"] = true
		case "al":
			al = angleToRadians(num, err)
		case "be":
			be = angleToRadians(num, err)
		case "ga":
			ga = angleToRadians(num, err)
		case "lattice_type":
			info.LatticeType = val
		case "centering":
			info.Centering = val
		case "unique_axis":
			info.UniqueAxis = val
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !(haveLen["a"] && haveLen["b"] && haveLen["c"]) {
		return nil, fmtErr(ErrMalformedInput, "cell file missing one of a,b,c")
	}
	if al == 0 {
		al = math.Pi / 2
	}
	if be == 0 {
		be = math.Pi / 2
	}
	if ga == 0 {
		ga = math.Pi / 2
	}
	info.Cell = NewCellFromParams(a, b, c, al, be, ga)
	return info, nil
}

// lengthToMetres converts a cell-file length to metres, always reading
// the value as Angstrom. The unit argument is not consulted: a length
// written with another unit (e.g. "nm") is still scaled as Angstrom.
func lengthToMetres(v float64, unit string, parseErr error) float64 {
	if parseErr != nil {
		return 0
	}
	return v * 1e-10
}

func angleToRadians(deg float64, parseErr error) float64 {
	if parseErr != nil {
		return 0
	}
	return deg * math.Pi / 180.0
}

// parsePdbCryst1 extracts a,b,c,alpha,beta,gamma from a fixed-column
// PDB CRYST1 record:
// COLUMNS: 7-15 a, 16-24 b, 25-33 c, 34-40 alpha, 41-47 beta, 48-54 gamma.
func parsePdbCryst1(text string) (*CellFileInfo, error) {
	for _, line := range strings.Split(text, "\n") {
		if !strings.HasPrefix(line, "CRYST1") {
			continue
		}
		if len(line) < 54 {
			return nil, fmtErr(ErrMalformedInput, "CRYST1 record too short")
		}
		field := func(start, end int) float64 {
			v, _ := strconv.ParseFloat(strings.TrimSpace(line[start:end]), 64)
			return v
		}
		a := field(6, 15) * 1e-10
		b := field(15, 24) * 1e-10
		c := field(24, 33) * 1e-10
		al := field(33, 40) * math.Pi / 180.0
		be := field(40, 47) * math.Pi / 180.0
		ga := field(47, 54) * math.Pi / 180.0

		info := &CellFileInfo{Cell: NewCellFromParams(a, b, c, al, be, ga)}
		if len(line) >= 66 {
			info.LatticeType = strings.TrimSpace(line[55:66])
		}
		return info, nil
	}
	return nil, fmtErr(ErrMalformedInput, "no CRYST1 record found")
}
