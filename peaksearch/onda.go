package peaksearch

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xfel-pipeline/crystfel-core"
)

// ImportOptions controls the +0.5 pixel-index -> pixel-distance
// convention shift named in spec.md §4.C for peaks imported from an
// external list.
type ImportOptions struct {
	HalfPixelShift bool
}

// DecodeOndaPeakList decodes the MessagePack "peak_list" schema of
// spec.md §6: a map with key "peak_list" mapping to three parallel
// arrays [fs_list, ss_list, intensity_list].
//
// The original engine's msgpack peak parser loops over map entries but
// uses only the last occurrence of a duplicated key (spec.md §9,
// "Open questions"); this implementation preserves that semantics
// (decodeTopLevelMap keeps every entry in wire order and lastValue
// returns the last one for a key) but additionally logs a
// MalformedInput-flavoured warning whenever a duplicate key is
// observed, from lastValue.
func DecodeOndaPeakList(data []byte, opt ImportOptions, log crystfel.Logger) ([]crystfel.Feature, error) {
	entries, err := decodeTopLevelMap(data)
	if err != nil {
		return nil, err
	}

	raw, ok := lastValue(entries, "peak_list", log)
	if !ok {
		return nil, crystfel.ErrMalformedInput
	}

	arrs, ok := raw.([]any)
	if !ok || len(arrs) < 3 {
		return nil, crystfel.ErrMalformedInput
	}

	fsList, err1 := toFloatSlice(arrs[0])
	ssList, err2 := toFloatSlice(arrs[1])
	intList, err3 := toFloatSlice(arrs[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, crystfel.ErrMalformedInput
	}
	n := len(fsList)
	if len(ssList) != n || len(intList) != n {
		return nil, crystfel.ErrMalformedInput
	}

	shift := 0.0
	if opt.HalfPixelShift {
		shift = 0.5
	}

	features := make([]crystfel.Feature, n)
	for i := 0; i < n; i++ {
		features[i] = crystfel.Feature{
			Fs:        fsList[i] + shift,
			Ss:        ssList[i] + shift,
			Intensity: intList[i],
		}
	}
	return features, nil
}

// CorrData is the decoded "corr_data" object of spec.md §6: a binary
// blob of float64 reshaped to [height][width].
type CorrData struct {
	Data   [][]float64
	Height int
	Width  int
}

// DecodeOndaCorrData decodes the "corr_data" msgpack object: key
// "data" is a binary blob of big-endian float64, and key "shape" is
// [height, width].
func DecodeOndaCorrData(data []byte, log crystfel.Logger) (*CorrData, error) {
	entries, err := decodeTopLevelMap(data)
	if err != nil {
		return nil, err
	}
	raw, ok := lastValue(entries, "corr_data", log)
	if !ok {
		return nil, crystfel.ErrMalformedInput
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, crystfel.ErrMalformedInput
	}

	blob, ok := obj["data"].([]byte)
	if !ok {
		return nil, crystfel.ErrMalformedInput
	}
	shapeRaw, ok := obj["shape"].([]any)
	if !ok || len(shapeRaw) != 2 {
		return nil, crystfel.ErrMalformedInput
	}
	height := toInt(shapeRaw[0])
	width := toInt(shapeRaw[1])
	if height <= 0 || width <= 0 || len(blob) != height*width*8 {
		return nil, crystfel.ErrMalformedInput
	}

	out := make([][]float64, height)
	r := bytes.NewReader(blob)
	for y := 0; y < height; y++ {
		row := make([]float64, width)
		if err := binary.Read(r, binary.BigEndian, &row); err != nil {
			return nil, err
		}
		out[y] = row
	}
	return &CorrData{Data: out, Height: height, Width: width}, nil
}

// mapEntry preserves raw-key order and every occurrence, so duplicate
// keys can be detected before collapsing to a Go map.
type mapEntry struct {
	Key   string
	Value any
}

// decodeTopLevelMap decodes the outer msgpack map while preserving
// every key occurrence (msgpack.Decoder's low-level map API), so
// DecodeOndaPeakList/DecodeOndaCorrData can implement
// last-occurrence-wins with a duplicate warning rather than relying on
// msgpack's own (silent) map decode.
func decodeTopLevelMap(data []byte) ([]mapEntry, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crystfel.ErrMalformedInput, err)
	}
	entries := make([]mapEntry, 0, n)
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", crystfel.ErrMalformedInput, err)
		}
		val, err := dec.DecodeInterface()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", crystfel.ErrMalformedInput, err)
		}
		entries = append(entries, mapEntry{Key: key, Value: val})
	}
	return entries, nil
}

// lastValue returns the value of the last entry with the given key,
// logging a warning if more than one occurrence exists.
func lastValue(entries []mapEntry, key string, log crystfel.Logger) (any, bool) {
	var val any
	count := 0
	for _, e := range entries {
		if e.Key == key {
			val = e.Value
			count++
		}
	}
	if count > 1 && log != nil {
		log.Printf("warning: duplicate msgpack key %q (%d occurrences), using the last one: %v", key, count, crystfel.ErrMalformedInput)
	}
	return val, count > 0
}

func toFloatSlice(v any) ([]float64, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, crystfel.ErrMalformedInput
	}
	out := make([]float64, len(arr))
	for i, e := range arr {
		switch n := e.(type) {
		case float64:
			out[i] = n
		case float32:
			out[i] = float64(n)
		case int64:
			out[i] = float64(n)
		case int8:
			out[i] = float64(n)
		case uint64:
			out[i] = float64(n)
		default:
			return nil, crystfel.ErrMalformedInput
		}
	}
	return out, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int8:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
