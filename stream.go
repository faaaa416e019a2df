package crystfel

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/soniakeys/meeus/v3/julian"
)

// Stream markers delimiting the append-only, record-delimited text
// format of spec.md §4.I.
const (
	markerChunkBegin    = "----- Begin chunk -----"
	markerChunkEnd      = "----- End chunk -----"
	markerCrystalBegin  = "--- Begin crystal"
	markerCrystalEnd    = "--- End crystal"
	markerPeaksBegin    = "Peaks from peak search"
	markerPeaksEnd      = "End of peak list"
	markerReflBegin     = "Reflections measured after indexing"
	markerReflEnd       = "End of reflections"
)

// StreamPrologue carries the engine version, argv, geometry-file
// contents and target cell that spec.md §4.I requires the file
// prologue to hold.
type StreamPrologue struct {
	EngineVersion string
	Argv          []string
	GeometryText  string
	TargetCell    *UnitCell
}

// JulianDate converts a wall-clock time to a Julian date via
// soniakeys/meeus; each chunk's header carries this (the prologue
// does not) so merged-data provenance can be cross-referenced against
// beamtime logs.
func JulianDate(t time.Time) float64 {
	return julian.TimeToJD(t)
}

// ChunkStatus records the per-frame outcome spec.md §7 requires to
// never abort the pipeline.
type ChunkStatus string

const (
	StatusHit      ChunkStatus = "hit"
	StatusNoPeaks  ChunkStatus = "nopeaks"
	StatusNoIndex  ChunkStatus = "noindex"
	StatusFailed   ChunkStatus = "failed"
)

// StreamChunk is one frame's worth of output records: a header,
// zero-or-more crystal sub-blocks, and a peak table (spec.md §4.I).
type StreamChunk struct {
	Filename   string
	Event      string
	IndexedBy  string
	Status     ChunkStatus
	Wavelength float64
	CameraLen  float64
	NumPeaks   int
	AcqTime    time.Time

	Peaks     []Feature
	Crystals  []*Crystal
}

// StreamWriter serialises chunks under a single mutex so that each
// chunk is byte-contiguous in the output file, with no ordering
// constraint across frames (spec.md §5).
type StreamWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewStreamWriter writes the prologue immediately and returns a writer
// ready to accept chunks from any number of concurrent callers.
func NewStreamWriter(w io.Writer, prologue StreamPrologue) (*StreamWriter, error) {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "CrystFEL-core stream format\nVersion: %s\n", prologue.EngineVersion)
	fmt.Fprintf(bw, "argv:")
	for _, a := range prologue.Argv {
		fmt.Fprintf(bw, " %s", a)
	}
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, "----- Begin geometry file -----")
	fmt.Fprint(bw, prologue.GeometryText)
	if !strings.HasSuffix(prologue.GeometryText, "\n") {
		fmt.Fprintln(bw)
	}
	fmt.Fprintln(bw, "----- End geometry file -----")
	if prologue.TargetCell != nil {
		p := prologue.TargetCell.Params()
		fmt.Fprintf(bw, "target_cell: %.6f %.6f %.6f %.4f %.4f %.4f\n", p.A, p.B, p.C, p.Alpha, p.Beta, p.Gamma)
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	return &StreamWriter{w: bw}, nil
}

// WriteChunk appends one chunk. Safe for concurrent use by multiple
// pipeline workers.
func (s *StreamWriter) WriteChunk(c *StreamChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.w
	fmt.Fprintln(w, markerChunkBegin)
	fmt.Fprintf(w, "Image filename: %s\n", c.Filename)
	fmt.Fprintf(w, "Event: %s\n", c.Event)
	fmt.Fprintf(w, "indexed_by = %s\n", c.IndexedBy)
	fmt.Fprintf(w, "status = %s\n", c.Status)
	fmt.Fprintf(w, "photon_wavelength_m = %.10e\n", c.Wavelength)
	fmt.Fprintf(w, "camera_length_m = %.10e\n", c.CameraLen)
	fmt.Fprintf(w, "num_peaks = %d\n", c.NumPeaks)
	fmt.Fprintf(w, "julian_date = %.6f\n", JulianDate(c.AcqTime))

	fmt.Fprintln(w, markerPeaksBegin)
	fmt.Fprintln(w, "  fs/px   ss/px (1/d)/nm^-1  Intensity  Panel")
	for _, p := range c.Peaks {
		panelName := ""
		if p.Panel != nil {
			panelName = p.Panel.Name
		}
		fmt.Fprintf(w, "%7.2f %7.2f %10.2f %10.2f %s\n", p.Fs, p.Ss, 0.0, p.Intensity, panelName)
	}
	fmt.Fprintln(w, markerPeaksEnd)

	for i, cr := range c.Crystals {
		p := cr.Cell.Params()
		fmt.Fprintf(w, "%s %d -----\n", markerCrystalBegin, i)
		fmt.Fprintf(w, "Cell parameters %.6f %.6f %.6f nm, %.6f %.6f %.6f deg\n",
			p.A*1e9, p.B*1e9, p.C*1e9, p.Alpha*180/pi, p.Beta*180/pi, p.Gamma*180/pi)
		fmt.Fprintf(w, "OSF = %.6f\n", cr.Osf)
		fmt.Fprintf(w, "profile_radius = %.6e nm^-1\n", cr.ProfileRadius*1e-9)

		fmt.Fprintln(w, markerReflBegin)
		fmt.Fprintln(w, "   h    k    l          I    sigma(I)       peak background  fs/px  ss/px panel")
		cur := cr.Reflections.Cursor()
		for {
			r, ok := cur.Next()
			if !ok {
				break
			}
			fmt.Fprintf(w, "%4d %4d %4d %10.2f %10.2f %6.2f %10.2f %7.2f %7.2f %s\n",
				r.Indices.H, r.Indices.K, r.Indices.L, r.I, r.Sigma, r.Partiality, r.Background, r.Fs, r.Ss, r.Panel)
		}
		fmt.Fprintln(w, markerReflEnd)
		fmt.Fprintf(w, "%s %d -----\n", markerCrystalEnd, i)
	}

	fmt.Fprintln(w, markerChunkEnd)
	return w.Flush()
}

const pi = 3.141592653589793

// StreamReader reads chunks back out of a stream file written by
// StreamWriter. It tolerates unknown header fields (forward
// compatibility) and reports, but does not fail on, a truncated final
// chunk (spec.md §4.I).
type StreamReader struct {
	sc       *bufio.Scanner
	pending  []string
	Prologue StreamPrologue
	// Truncated is set once ReadChunk observes EOF mid-chunk.
	Truncated bool
}

// NewStreamReader parses the prologue and positions the reader at the
// first chunk.
func NewStreamReader(r io.Reader) (*StreamReader, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	sr := &StreamReader{sc: sc}

	var geom strings.Builder
	inGeom := false
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "Version:"):
			sr.Prologue.EngineVersion = strings.TrimSpace(strings.TrimPrefix(line, "Version:"))
		case strings.HasPrefix(line, "argv:"):
			sr.Prologue.Argv = strings.Fields(strings.TrimPrefix(line, "argv:"))
		case line == "----- Begin geometry file -----":
			inGeom = true
		case line == "----- End geometry file -----":
			inGeom = false
		case inGeom:
			geom.WriteString(line)
			geom.WriteString("\n")
		case strings.HasPrefix(line, "target_cell:"):
			fields := strings.Fields(strings.TrimPrefix(line, "target_cell:"))
			if len(fields) == 6 {
				vals := make([]float64, 6)
				for i, f := range fields {
					vals[i], _ = strconv.ParseFloat(f, 64)
				}
				sr.Prologue.TargetCell = NewCellFromParams(vals[0], vals[1], vals[2], vals[3], vals[4], vals[5])
			}
		case line == markerChunkBegin:
			sr.Prologue.GeometryText = geom.String()
			return sr, sr.unread(line)
		}
	}
	sr.Prologue.GeometryText = geom.String()
	return sr, sc.Err()
}

// unread is a small helper placeholder: bufio.Scanner has no unread,
// so NewStreamReader instead buffers the first chunk marker in
// pending for ReadChunk to consume first.
func (s *StreamReader) unread(line string) error {
	s.pending = append(s.pending, line)
	return nil
}

// ReadChunk reads the next chunk, returning io.EOF once the stream is
// exhausted. A chunk whose "End chunk" marker never appears before EOF
// is returned with Truncated=true set on the reader and a non-nil
// error wrapping io.ErrUnexpectedEOF; callers are expected to report,
// not fail, per spec.md §4.I.
func (s *StreamReader) ReadChunk() (*StreamChunk, error) {
	line, ok := s.nextLine()
	for ok && line != markerChunkBegin {
		line, ok = s.nextLine()
	}
	if !ok {
		return nil, io.EOF
	}

	c := &StreamChunk{}
	var curCrystal *Crystal
	inPeaks := false
	inRefl := false
	sawEnd := false

	for {
		line, ok = s.nextLine()
		if !ok {
			s.Truncated = true
			break
		}
		switch {
		case line == markerChunkEnd:
			sawEnd = true
		case strings.HasPrefix(line, "Image filename:"):
			c.Filename = strings.TrimSpace(strings.TrimPrefix(line, "Image filename:"))
		case strings.HasPrefix(line, "Event:"):
			c.Event = strings.TrimSpace(strings.TrimPrefix(line, "Event:"))
		case strings.HasPrefix(line, "indexed_by ="):
			c.IndexedBy = strings.TrimSpace(strings.TrimPrefix(line, "indexed_by ="))
		case strings.HasPrefix(line, "status ="):
			c.Status = ChunkStatus(strings.TrimSpace(strings.TrimPrefix(line, "status =")))
		case strings.HasPrefix(line, "photon_wavelength_m ="):
			c.Wavelength, _ = strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, "photon_wavelength_m =")), 64)
		case strings.HasPrefix(line, "camera_length_m ="):
			c.CameraLen, _ = strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, "camera_length_m =")), 64)
		case strings.HasPrefix(line, "num_peaks ="):
			n, _ := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "num_peaks =")))
			c.NumPeaks = n
		case line == markerPeaksBegin:
			inPeaks = true
		case line == markerPeaksEnd:
			inPeaks = false
		case inPeaks:
			if f, ok := parsePeakLine(line); ok {
				c.Peaks = append(c.Peaks, f)
			}
		case strings.HasPrefix(line, markerCrystalBegin):
			curCrystal = &Crystal{Cell: NewCellFromParams(0, 0, 0, 0, 0, 0), Reflections: NewReflectionList()}
		case strings.HasPrefix(line, "OSF ="):
			if curCrystal != nil {
				curCrystal.Osf, _ = strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, "OSF =")), 64)
			}
		case strings.HasPrefix(line, "Cell parameters"):
			if curCrystal != nil {
				curCrystal.Cell = parseCellParamsLine(line)
			}
		case strings.HasPrefix(line, "profile_radius ="):
			if curCrystal != nil {
				field := strings.TrimSpace(strings.TrimPrefix(line, "profile_radius ="))
				field = strings.TrimSuffix(strings.TrimSpace(field), "nm^-1")
				v, _ := strconv.ParseFloat(strings.TrimSpace(field), 64)
				curCrystal.ProfileRadius = v * 1e9
			}
		case line == markerReflBegin:
			inRefl = true
		case line == markerReflEnd:
			inRefl = false
		case inRefl:
			if curCrystal != nil {
				if r, ok := parseReflLine(line); ok {
					curCrystal.Reflections.Insert(r)
				}
			}
		case strings.HasPrefix(line, markerCrystalEnd):
			if curCrystal != nil {
				c.Crystals = append(c.Crystals, curCrystal)
				curCrystal = nil
			}
		}
		if sawEnd {
			break
		}
	}

	if !sawEnd {
		return c, fmt.Errorf("%w: chunk for %q truncated before end marker", io.ErrUnexpectedEOF, c.Filename)
	}
	return c, nil
}

func (s *StreamReader) nextLine() (string, bool) {
	if len(s.pending) > 0 {
		line := s.pending[0]
		s.pending = s.pending[1:]
		return line, true
	}
	if s.sc.Scan() {
		return s.sc.Text(), true
	}
	return "", false
}

func parsePeakLine(line string) (Feature, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return Feature{}, false
	}
	fs, err1 := strconv.ParseFloat(fields[0], 64)
	ss, err2 := strconv.ParseFloat(fields[1], 64)
	intensity, err3 := strconv.ParseFloat(fields[3], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Feature{}, false
	}
	return Feature{Fs: fs, Ss: ss, Intensity: intensity}, true
}

func parseReflLine(line string) (*Reflection, bool) {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return nil, false
	}
	atoi := func(s string) int { v, _ := strconv.Atoi(s); return v }
	atof := func(s string) float64 { v, _ := strconv.ParseFloat(s, 64); return v }
	r := &Reflection{
		Indices:    MillerIndex{H: atoi(fields[0]), K: atoi(fields[1]), L: atoi(fields[2])},
		I:          atof(fields[3]),
		Sigma:      atof(fields[4]),
		Partiality: atof(fields[5]),
		Background: atof(fields[6]),
		Fs:         atof(fields[7]),
		Ss:         atof(fields[8]),
	}
	if len(fields) > 9 {
		r.Panel = fields[9]
	}
	return r, true
}

func parseCellParamsLine(line string) *UnitCell {
	fields := strings.Fields(line)
	// "Cell parameters A B C nm, AL BE GA deg"
	nums := []float64{}
	for _, f := range fields {
		f = strings.TrimSuffix(f, ",")
		if v, err := strconv.ParseFloat(f, 64); err == nil {
			nums = append(nums, v)
		}
	}
	if len(nums) < 6 {
		return NewCellFromParams(0, 0, 0, 0, 0, 0)
	}
	return NewCellFromParams(nums[0]*1e-9, nums[1]*1e-9, nums[2]*1e-9, nums[3]*pi/180, nums[4]*pi/180, nums[5]*pi/180)
}
