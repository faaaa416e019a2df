package peaksearch

import (
	"bytes"
	"math"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

type capturingLogger struct {
	lines []string
}

func (l *capturingLogger) Printf(format string, args ...any) {
	l.lines = append(l.lines, format)
}

func encodeArr(enc *msgpack.Encoder, vals ...float64) {
	enc.EncodeArrayLen(len(vals))
	for _, v := range vals {
		enc.EncodeFloat64(v)
	}
}

func TestDecodeOndaPeakListBasic(t *testing.T) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.EncodeMapLen(1)
	enc.EncodeString("peak_list")
	enc.EncodeArrayLen(3)
	encodeArr(enc, 10.0, 20.5)
	encodeArr(enc, 30.0, 40.5)
	encodeArr(enc, 100.0, 200.0)

	features, err := DecodeOndaPeakList(buf.Bytes(), ImportOptions{}, nil)
	if err != nil {
		t.Fatalf("DecodeOndaPeakList: %v", err)
	}
	if len(features) != 2 {
		t.Fatalf("len(features) = %d, want 2", len(features))
	}
	if features[0].Fs != 10.0 || features[0].Ss != 30.0 || features[0].Intensity != 100.0 {
		t.Errorf("features[0] = %+v, want Fs=10 Ss=30 Intensity=100", features[0])
	}
	if features[1].Fs != 20.5 || features[1].Ss != 40.5 || features[1].Intensity != 200.0 {
		t.Errorf("features[1] = %+v, want Fs=20.5 Ss=40.5 Intensity=200", features[1])
	}
}

func TestDecodeOndaPeakListHalfPixelShift(t *testing.T) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.EncodeMapLen(1)
	enc.EncodeString("peak_list")
	enc.EncodeArrayLen(3)
	encodeArr(enc, 10.0)
	encodeArr(enc, 20.0)
	encodeArr(enc, 5.0)

	features, err := DecodeOndaPeakList(buf.Bytes(), ImportOptions{HalfPixelShift: true}, nil)
	if err != nil {
		t.Fatalf("DecodeOndaPeakList: %v", err)
	}
	if features[0].Fs != 10.5 || features[0].Ss != 20.5 {
		t.Errorf("features[0] = %+v, want the +0.5 pixel-index shift applied", features[0])
	}
}

// TestDecodeOndaPeakListDuplicateKeyUsesLastOccurrence encodes the
// same top-level key twice; the decoder must keep only the last
// occurrence's value and log exactly one duplicate-key warning.
func TestDecodeOndaPeakListDuplicateKeyUsesLastOccurrence(t *testing.T) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.EncodeMapLen(2)

	enc.EncodeString("peak_list")
	enc.EncodeArrayLen(3)
	encodeArr(enc, 1.0)
	encodeArr(enc, 1.0)
	encodeArr(enc, 1.0)

	enc.EncodeString("peak_list")
	enc.EncodeArrayLen(3)
	encodeArr(enc, 99.0)
	encodeArr(enc, 98.0)
	encodeArr(enc, 97.0)

	logger := &capturingLogger{}
	features, err := DecodeOndaPeakList(buf.Bytes(), ImportOptions{}, logger)
	if err != nil {
		t.Fatalf("DecodeOndaPeakList: %v", err)
	}
	if len(features) != 1 {
		t.Fatalf("len(features) = %d, want 1", len(features))
	}
	if features[0].Fs != 99.0 || features[0].Ss != 98.0 || features[0].Intensity != 97.0 {
		t.Errorf("features[0] = %+v, want the last occurrence's values (99,98,97)", features[0])
	}
	if len(logger.lines) != 1 {
		t.Errorf("logged %d warnings, want exactly 1 for the duplicate key", len(logger.lines))
	}
}

func TestDecodeOndaPeakListMalformedMissingArrays(t *testing.T) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.EncodeMapLen(1)
	enc.EncodeString("peak_list")
	enc.EncodeArrayLen(2)
	encodeArr(enc, 1.0)
	encodeArr(enc, 2.0)

	if _, err := DecodeOndaPeakList(buf.Bytes(), ImportOptions{}, nil); err == nil {
		t.Error("expected an error when peak_list carries fewer than 3 parallel arrays")
	}
}

func TestDecodeOndaCorrDataRoundTrip(t *testing.T) {
	const h, w = 2, 3
	values := [h][w]float64{
		{1, 2, 3},
		{4, 5, 6},
	}

	// build the big-endian float64 blob directly, matching
	// DecodeOndaCorrData's binary.BigEndian reader.
	blob := make([]byte, 0, h*w*8)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			bits := math.Float64bits(values[y][x])
			blob = append(blob, byte(bits>>56), byte(bits>>48), byte(bits>>40), byte(bits>>32),
				byte(bits>>24), byte(bits>>16), byte(bits>>8), byte(bits))
		}
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.EncodeMapLen(1)
	enc.EncodeString("corr_data")
	enc.EncodeMapLen(2)
	enc.EncodeString("data")
	enc.EncodeBytes(blob)
	enc.EncodeString("shape")
	enc.EncodeArrayLen(2)
	enc.EncodeInt(h)
	enc.EncodeInt(w)

	got, err := DecodeOndaCorrData(buf.Bytes(), nil)
	if err != nil {
		t.Fatalf("DecodeOndaCorrData: %v", err)
	}
	if got.Height != h || got.Width != w {
		t.Fatalf("dims = %dx%d, want %dx%d", got.Height, got.Width, h, w)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if got.Data[y][x] != values[y][x] {
				t.Errorf("Data[%d][%d] = %v, want %v", y, x, got.Data[y][x], values[y][x])
			}
		}
	}
}
