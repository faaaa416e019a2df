package storage

import (
	"errors"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	crystfel "github.com/xfel-pipeline/crystfel-core"
)

// arrayOpen opens an array in the requested mode, creating a fresh
// Context handle to it.
func arrayOpen(ctx *tiledb.Context, uri string, mode tiledb.QueryType) (*tiledb.Array, error) {
	array, err := tiledb.NewArray(ctx, uri)
	if err != nil {
		return nil, err
	}
	if err := array.Open(mode); err != nil {
		array.Free()
		return nil, err
	}
	return array, nil
}

// CreateMergedArray creates (but does not open) the sparse merged
// reflection array at uri.
func CreateMergedArray(ctx *tiledb.Context, uri string, indexBound int32) error {
	schema, err := NewMergedSchema(ctx, indexBound)
	if err != nil {
		return err
	}
	defer schema.Free()

	array, err := tiledb.NewArray(ctx, uri)
	if err != nil {
		return errors.Join(ErrCreateArray, err)
	}
	defer array.Free()

	if err := array.Create(schema); err != nil {
		return errors.Join(ErrCreateArray, err)
	}
	return nil
}

// CreatePredictedArray creates the sparse per-frame prediction table
// at uri, sized for nFrames frames of up to maxPerFrame reflections.
func CreatePredictedArray(ctx *tiledb.Context, uri string, nFrames, maxPerFrame uint64) error {
	schema, err := NewPredictedSchema(ctx, nFrames, maxPerFrame)
	if err != nil {
		return err
	}
	defer schema.Free()

	array, err := tiledb.NewArray(ctx, uri)
	if err != nil {
		return errors.Join(ErrCreateArray, err)
	}
	defer array.Free()

	if err := array.Create(schema); err != nil {
		return errors.Join(ErrCreateArray, err)
	}
	return nil
}

// WriteMerged writes every row of list to the merged array at uri in
// a single unordered write query, using column buffers for bulk
// ingest.
func WriteMerged(ctx *tiledb.Context, uri string, list *crystfel.ReflectionList) error {
	array, err := arrayOpen(ctx, uri, tiledb.TILEDB_WRITE)
	if err != nil {
		return errors.Join(ErrOpenArray, err)
	}
	defer array.Free()
	defer array.Close()

	keys := list.SortedKeys()
	n := len(keys)
	hs := make([]int32, n)
	ks := make([]int32, n)
	ls := make([]int32, n)
	is := make([]float64, n)
	sigmas := make([]float64, n)
	reds := make([]int32, n)

	for i, key := range keys {
		r, ok := list.Get(key)
		if !ok {
			continue
		}
		hs[i] = int32(key.H)
		ks[i] = int32(key.K)
		ls[i] = int32(key.L)
		is[i] = r.I
		sigmas[i] = r.Sigma
		reds[i] = int32(r.Redundancy)
	}

	query, err := tiledb.NewQuery(ctx, array)
	if err != nil {
		return errors.Join(ErrWriteQuery, err)
	}
	defer query.Free()

	if err := query.SetLayout(tiledb.TILEDB_UNORDERED); err != nil {
		return errors.Join(ErrWriteQuery, err)
	}

	buffers := []struct {
		name string
		data any
	}{
		{"H", hs}, {"K", ks}, {"L", ls},
		{"I", is}, {"Sigma", sigmas}, {"Redundancy", reds},
	}
	for _, b := range buffers {
		if _, err := query.SetDataBuffer(b.name, b.data); err != nil {
			return errors.Join(ErrWriteQuery, err, errors.New(b.name))
		}
	}

	if err := query.Submit(); err != nil {
		return errors.Join(ErrWriteQuery, err)
	}
	return query.Finalize()
}

// WritePredicted writes one frame's predicted-reflection table (the
// crystal's reflection list after integration, spec.md §4.F) to the
// prediction array at uri under the given frame id.
func WritePredicted(ctx *tiledb.Context, uri string, frameID uint64, reflections *crystfel.ReflectionList) error {
	array, err := arrayOpen(ctx, uri, tiledb.TILEDB_WRITE)
	if err != nil {
		return errors.Join(ErrOpenArray, err)
	}
	defer array.Free()
	defer array.Close()

	keys := reflections.SortedKeys()
	n := len(keys)
	frameIDs := make([]uint64, n)
	seqs := make([]uint64, n)
	hs := make([]int32, n)
	ks := make([]int32, n)
	ls := make([]int32, n)
	fss := make([]float64, n)
	sss := make([]float64, n)
	exErr := make([]float64, n)
	partiality := make([]float64, n)
	lorentz := make([]float64, n)
	intensity := make([]float64, n)
	sigmaI := make([]float64, n)

	var panelBytes []byte
	panelOffsets := make([]uint64, n)

	for i, key := range keys {
		r, ok := reflections.Get(key)
		if !ok {
			continue
		}
		frameIDs[i] = frameID
		seqs[i] = uint64(i)
		hs[i] = int32(key.H)
		ks[i] = int32(key.K)
		ls[i] = int32(key.L)
		fss[i] = r.Fs
		sss[i] = r.Ss
		exErr[i] = r.ExcitationError
		partiality[i] = r.Partiality
		lorentz[i] = r.Lorentz
		intensity[i] = r.I
		sigmaI[i] = r.Sigma

		panelOffsets[i] = uint64(len(panelBytes))
		panelBytes = append(panelBytes, []byte(r.Panel)...)
	}

	query, err := tiledb.NewQuery(ctx, array)
	if err != nil {
		return errors.Join(ErrWriteQuery, err)
	}
	defer query.Free()

	if err := query.SetLayout(tiledb.TILEDB_UNORDERED); err != nil {
		return errors.Join(ErrWriteQuery, err)
	}

	fixedBuffers := []struct {
		name string
		data any
	}{
		{"FRAME_ID", frameIDs}, {"Seq", seqs},
		{"H", hs}, {"K", ks}, {"L", ls},
		{"Fs", fss}, {"Ss", sss},
		{"ExcitationError", exErr}, {"Partiality", partiality},
		{"Lorentz", lorentz}, {"Intensity", intensity}, {"SigmaIntensity", sigmaI},
	}
	for _, b := range fixedBuffers {
		if _, err := query.SetDataBuffer(b.name, b.data); err != nil {
			return errors.Join(ErrWriteQuery, err, errors.New(b.name))
		}
	}

	if _, err := query.SetOffsetsBuffer("Panel", panelOffsets); err != nil {
		return errors.Join(ErrWriteQuery, err)
	}
	if _, err := query.SetDataBuffer("Panel", panelBytes); err != nil {
		return errors.Join(ErrWriteQuery, err)
	}

	if err := query.Submit(); err != nil {
		return errors.Join(ErrWriteQuery, err)
	}
	return query.Finalize()
}

// WriteMetadata attaches a JSON-encoded metadata blob to array array_uri
// under key, used here to stash run options (spec.md §4.H Options, §6
// CLI flags) alongside the merged array they produced.
func WriteMetadata(ctx *tiledb.Context, uri, key string, value any) error {
	array, err := arrayOpen(ctx, uri, tiledb.TILEDB_WRITE)
	if err != nil {
		return errors.Join(ErrOpenArray, err)
	}
	defer array.Free()
	defer array.Close()

	jsn, err := crystfel.JSONDumps(value)
	if err != nil {
		return err
	}

	return array.PutMetadata(key, jsn)
}
