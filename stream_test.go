package crystfel

import (
	"bytes"
	"io"
	"math"
	"testing"
)

func TestStreamRoundTripChunkFields(t *testing.T) {
	cell := NewCellFromParams(79.3e-10, 79.3e-10, 38.5e-10, math.Pi/2, math.Pi/2, 2*math.Pi/3)
	target := NewCellFromParams(80e-10, 80e-10, 40e-10, math.Pi/2, math.Pi/2, 2*math.Pi/3)

	var buf bytes.Buffer
	writer, err := NewStreamWriter(&buf, StreamPrologue{
		EngineVersion: "test-1.0",
		Argv:          []string{"indexamajig", "-i", "foo"},
		GeometryText:  "panel0/min_fs = 0\npanel0/max_fs = 9\n",
		TargetCell:    target,
	})
	if err != nil {
		t.Fatalf("NewStreamWriter: %v", err)
	}

	crystal := &Crystal{Cell: cell, Osf: 1.25, ProfileRadius: 2.5e6, Reflections: NewReflectionList()}
	crystal.Reflections.Insert(&Reflection{
		Indices: MillerIndex{H: 1, K: 2, L: -3}, I: 100.5, Sigma: 5.5,
		Partiality: 0.8, Background: 3.0, Fs: 12.5, Ss: 34.25, Panel: "q0a0",
	})

	chunk := &StreamChunk{
		Filename: "frame0001.cxi", Event: "//0", IndexedBy: "mosflm",
		Status: StatusHit, Wavelength: 1.5e-10, CameraLen: 0.1, NumPeaks: 1,
		Peaks:    []Feature{{Fs: 10, Ss: 20, Intensity: 99.0}},
		Crystals: []*Crystal{crystal},
	}
	if err := writer.WriteChunk(chunk); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	reader, err := NewStreamReader(&buf)
	if err != nil {
		t.Fatalf("NewStreamReader: %v", err)
	}
	if reader.Prologue.EngineVersion != "test-1.0" {
		t.Errorf("prologue EngineVersion = %q, want test-1.0", reader.Prologue.EngineVersion)
	}
	if reader.Prologue.TargetCell == nil {
		t.Fatal("prologue TargetCell missing after round trip")
	}

	got, err := reader.ReadChunk()
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if got.Filename != chunk.Filename || got.Event != chunk.Event || got.IndexedBy != chunk.IndexedBy {
		t.Errorf("chunk identity fields: got %+v", got)
	}
	if got.Status != StatusHit {
		t.Errorf("Status = %v, want %v", got.Status, StatusHit)
	}
	if len(got.Crystals) != 1 {
		t.Fatalf("Crystals = %d, want 1", len(got.Crystals))
	}
	rc := got.Crystals[0]
	if math.Abs(rc.Osf-1.25) > 1e-6 {
		t.Errorf("Osf round trip = %v, want 1.25", rc.Osf)
	}
	if math.Abs(rc.ProfileRadius-2.5e6) > 1.0 {
		t.Errorf("ProfileRadius round trip = %v, want ~2.5e6", rc.ProfileRadius)
	}

	r, ok := rc.Reflections.Get(MillerIndex{H: 1, K: 2, L: -3})
	if !ok {
		t.Fatal("reflection missing after round trip")
	}
	if math.Abs(r.I-100.5) > 1e-2 {
		t.Errorf("I round trip = %v, want ~100.5", r.I)
	}
	if r.Panel != "q0a0" {
		t.Errorf("Panel round trip = %q, want q0a0", r.Panel)
	}

	if _, err := reader.ReadChunk(); err != io.EOF {
		t.Errorf("second ReadChunk should return io.EOF, got %v", err)
	}
}

func TestStreamReaderReportsTruncation(t *testing.T) {
	var buf bytes.Buffer
	writer, err := NewStreamWriter(&buf, StreamPrologue{EngineVersion: "test"})
	if err != nil {
		t.Fatalf("NewStreamWriter: %v", err)
	}
	if err := writer.WriteChunk(&StreamChunk{Filename: "a.cxi", Status: StatusNoPeaks}); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	full := buf.Bytes()
	truncated := full[:len(full)-len(markerChunkEnd)-1]

	reader, err := NewStreamReader(bytes.NewReader(truncated))
	if err != nil {
		t.Fatalf("NewStreamReader: %v", err)
	}
	_, err = reader.ReadChunk()
	if err == nil {
		t.Fatal("expected an error reading a truncated chunk")
	}
	if !reader.Truncated {
		t.Error("reader.Truncated should be set after a truncated final chunk")
	}
}
