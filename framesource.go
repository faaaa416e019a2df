package crystfel

import (
	"encoding/json"
	"io"
)

// FrameDecoder is the external-collaborator seam named in spec.md §1
// for image-file decoding (HDF5, CBF, ...): turning a facility's raw
// frame container into an *Image is explicitly out of scope for this
// engine. A real deployment plugs its own decoder in here; the peak
// search, indexing, prediction and integration stages downstream never
// know or care which one was used.
type FrameDecoder interface {
	Decode(r io.Reader, det *Detector, beam BeamParams) (*Image, error)
}

// frameDescriptor is the on-disk shape JSONFrameDecoder reads: a
// minimal, self-contained stand-in for a real facility frame
// container, carrying exactly what the pipeline needs for one frame.
type frameDescriptor struct {
	Filename       string       `json:"filename"`
	Event          string       `json:"event"`
	PhotonEnergyEv float64      `json:"photon_energy_ev"`
	Panels         []panelFrame `json:"panels"`
}

type panelFrame struct {
	Name      string      `json:"name"`
	Data      [][]float64 `json:"data"`
	Bad       [][]bool    `json:"bad,omitempty"`
	Saturated [][]bool    `json:"saturated,omitempty"`
}

// JSONFrameDecoder is the only FrameDecoder this module ships: a
// concrete stand-in for whichever real HDF5/CBF decoder a deployment
// wires in, built so the rest of the pipeline has a real frame to run
// against without this engine taking on an image-format dependency.
type JSONFrameDecoder struct{}

// Decode reads a frameDescriptor JSON document from r and assembles an
// Image against the given (already-loaded) detector geometry and
// nominal beam parameters. Every panel named in det must have a
// matching entry in the descriptor.
func (JSONFrameDecoder) Decode(r io.Reader, det *Detector, beam BeamParams) (*Image, error) {
	var fd frameDescriptor
	if err := json.NewDecoder(r).Decode(&fd); err != nil {
		return nil, fmtErr(ErrMalformedInput, "decoding frame descriptor: %w", err)
	}

	img := &Image{
		Filename: fd.Filename,
		Event:    fd.Event,
		Detector: det,
		Beam:     beam,
	}
	if fd.PhotonEnergyEv > 0 {
		img.Beam.PhotonEnergyEv = fd.PhotonEnergyEv
	}

	byName := make(map[string]panelFrame, len(fd.Panels))
	for _, pf := range fd.Panels {
		byName[pf.Name] = pf
	}

	img.RawData = make([][][]float64, len(det.Panels))
	img.BadPixel = make([][][]bool, len(det.Panels))
	img.Saturated = make([][][]bool, len(det.Panels))
	for i, p := range det.Panels {
		pf, ok := byName[p.Name]
		if !ok {
			return nil, fmtErr(ErrMalformedInput, "frame descriptor missing panel %s", p.Name)
		}
		img.RawData[i] = pf.Data
		img.BadPixel[i] = pf.Bad
		img.Saturated[i] = pf.Saturated
	}
	return img, nil
}
