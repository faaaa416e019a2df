package storage

import (
	"errors"
	"reflect"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
	stgpsr "github.com/yuin/stagparser"
)

// MergedRecord is the struct-tag-driven shape of one row of the
// merged-intensity sparse array (spec.md §4.H's I_full output).
type MergedRecord struct {
	H          int32   `tiledb:"dtype=int32,ftype=dim"`
	K          int32   `tiledb:"dtype=int32,ftype=dim"`
	L          int32   `tiledb:"dtype=int32,ftype=dim"`
	I          float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	Sigma      float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	Redundancy int32   `tiledb:"dtype=int32,ftype=attr" filters:"zstd(level=16)"`
}

// PredictedRecord is one predicted-and-integrated reflection from a
// single frame (spec.md §3/§4.E-F). A frame carries many reflections,
// so these are stored sparse, dimensioned on FRAME_ID plus a
// within-frame sequence number (each pair unique), so a whole frame's
// table reads back in one range query on FRAME_ID.
type PredictedRecord struct {
	FrameID         uint64  `tiledb:"dtype=uint64,ftype=dim"`
	Seq             uint64  `tiledb:"dtype=uint64,ftype=dim"`
	H               int32   `tiledb:"dtype=int32,ftype=attr" filters:"zstd(level=16)"`
	K               int32   `tiledb:"dtype=int32,ftype=attr" filters:"zstd(level=16)"`
	L               int32   `tiledb:"dtype=int32,ftype=attr" filters:"zstd(level=16)"`
	Panel           string  `tiledb:"dtype=string,ftype=attr,var=true" filters:"zstd(level=16)"`
	Fs              float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	Ss              float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	ExcitationError float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	Partiality      float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	Lorentz         float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	Intensity       float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	SigmaIntensity  float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
}

// createAttr builds one tiledb.Attribute from a field's tags and
// attaches it to schema, covering the subset of datatypes and filters
// this package's records actually use (int32, uint64, float64,
// string, zstd).
func createAttr(name string, filterDefs []stgpsr.Definition, tdbDefs map[string]stgpsr.Definition, schema *tiledb.ArraySchema, ctx *tiledb.Context) error {
	def, ok := tdbDefs["dtype"]
	if !ok {
		return errors.Join(ErrCreateAttribute, errors.New("dtype tag not found for "+name))
	}
	dtype, _ := def.Attribute("dtype")

	var tdbType tiledb.Datatype
	switch dtype {
	case "int32":
		tdbType = tiledb.TILEDB_INT32
	case "uint64":
		tdbType = tiledb.TILEDB_UINT64
	case "float64":
		tdbType = tiledb.TILEDB_FLOAT64
	case "string":
		tdbType = tiledb.TILEDB_STRING_UTF8
	default:
		return errors.Join(ErrCreateAttribute, errors.New("unsupported dtype "+dtype.(string)+" for "+name))
	}

	attrFilts, err := tiledb.NewFilterList(ctx)
	if err != nil {
		return errors.Join(ErrCreateAttribute, err)
	}
	defer attrFilts.Free()

	for _, f := range filterDefs {
		if f.Name() != "zstd" {
			continue
		}
		level, ok := f.Attribute("level")
		if !ok {
			return errors.Join(ErrCreateAttribute, errors.New("zstd level not defined for "+name))
		}
		filt, err := zstdFilter(ctx, int32(level.(int64)))
		if err != nil {
			return errors.Join(ErrCreateAttribute, err)
		}
		err = attrFilts.AddFilter(filt)
		filt.Free()
		if err != nil {
			return errors.Join(ErrCreateAttribute, err)
		}
	}

	attr, err := tiledb.NewAttribute(ctx, name, tdbType)
	if err != nil {
		return errors.Join(ErrCreateAttribute, err)
	}
	defer attr.Free()

	if _, ok := tdbDefs["var"]; ok {
		if err := attr.SetCellValNum(tiledb.TILEDB_VAR_NUM); err != nil {
			return errors.Join(ErrCreateAttribute, err)
		}
	}

	if err := attr.SetFilterList(attrFilts); err != nil {
		return errors.Join(ErrCreateAttribute, err)
	}

	if err := schema.AddAttributes(attr); err != nil {
		return errors.Join(ErrCreateAttribute, err)
	}
	return nil
}

// schemaAttrs walks t's exported fields and adds every non-dimension
// field as an attribute.
func schemaAttrs(t any, schema *tiledb.ArraySchema, ctx *tiledb.Context) error {
	values := reflect.ValueOf(t).Elem()
	types := values.Type()

	filtDefs, _ := stgpsr.ParseStruct(t, "filters")
	tdbDefs, _ := stgpsr.ParseStruct(t, "tiledb")

	for i := 0; i < values.NumField(); i++ {
		name := types.Field(i).Name

		fieldTdbDefs := make(map[string]stgpsr.Definition)
		for _, d := range tdbDefs[name] {
			fieldTdbDefs[d.Name()] = d
		}

		def, ok := fieldTdbDefs["ftype"]
		if !ok {
			return errors.Join(ErrCreateAttribute, errors.New("ftype tag not found for "+name))
		}
		ftype, _ := def.Attribute("ftype")
		if ftype == "dim" {
			continue
		}

		if err := createAttr(name, filtDefs[name], fieldTdbDefs, schema, ctx); err != nil {
			return err
		}
	}
	return nil
}

// NewMergedSchema builds the sparse array schema for the merged
// reflection list (H/K/L dimensions, duplicates disallowed since
// scaling collapses to one row per Miller index).
func NewMergedSchema(ctx *tiledb.Context, indexBound int32) (*tiledb.ArraySchema, error) {
	domain, err := tiledb.NewDomain(ctx)
	if err != nil {
		return nil, errors.Join(ErrCreateSchema, err)
	}
	defer domain.Free()

	dimFilters, err := dimensionFilterList(ctx)
	if err != nil {
		return nil, errors.Join(ErrCreateSchema, err)
	}
	defer dimFilters.Free()

	tileExtent := int32(64)
	for _, name := range []string{"H", "K", "L"} {
		dim, err := tiledb.NewDimension(ctx, name, tiledb.TILEDB_INT32, []int32{-indexBound, indexBound}, tileExtent)
		if err != nil {
			return nil, errors.Join(ErrCreateSchema, err)
		}
		if err := dim.SetFilterList(dimFilters); err != nil {
			dim.Free()
			return nil, errors.Join(ErrCreateSchema, err)
		}
		if err := domain.AddDimensions(dim); err != nil {
			dim.Free()
			return nil, errors.Join(ErrCreateSchema, err)
		}
		dim.Free()
	}

	schema, err := tiledb.NewArraySchema(ctx, tiledb.TILEDB_SPARSE)
	if err != nil {
		return nil, errors.Join(ErrCreateSchema, err)
	}
	if err := schema.SetDomain(domain); err != nil {
		return nil, errors.Join(ErrCreateSchema, err)
	}
	if err := schema.SetCapacity(100_000); err != nil {
		return nil, errors.Join(ErrCreateSchema, err)
	}
	if err := schema.SetCellOrder(tiledb.TILEDB_HILBERT); err != nil {
		return nil, errors.Join(ErrCreateSchema, err)
	}
	if err := schema.SetTileOrder(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, errors.Join(ErrCreateSchema, err)
	}
	if err := schema.SetAllowsDups(false); err != nil {
		return nil, errors.Join(ErrCreateSchema, err)
	}

	if err := schemaAttrs(&MergedRecord{}, schema, ctx); err != nil {
		return nil, err
	}
	if err := schema.Check(); err != nil {
		return nil, errors.Join(ErrCreateSchema, err)
	}
	return schema, nil
}

// NewPredictedSchema builds the sparse per-frame predicted-reflection
// table, domained over [0, nFrames-1] FRAME_ID x [0, maxPerFrame-1]
// Seq, so a caller can slice out exactly one frame's table by a
// single-point range query on FRAME_ID.
func NewPredictedSchema(ctx *tiledb.Context, nFrames, maxPerFrame uint64) (*tiledb.ArraySchema, error) {
	if nFrames == 0 {
		nFrames = 1
	}
	if maxPerFrame == 0 {
		maxPerFrame = 1
	}

	domain, err := tiledb.NewDomain(ctx)
	if err != nil {
		return nil, errors.Join(ErrCreateSchema, err)
	}
	defer domain.Free()

	dimFilters, err := dimensionFilterList(ctx)
	if err != nil {
		return nil, errors.Join(ErrCreateSchema, err)
	}
	defer dimFilters.Free()

	frameTile := nFrames
	if frameTile > 50_000 {
		frameTile = 50_000
	}

	frameDim, err := tiledb.NewDimension(ctx, "FRAME_ID", tiledb.TILEDB_UINT64, []uint64{0, nFrames - 1}, frameTile)
	if err != nil {
		return nil, errors.Join(ErrCreateSchema, err)
	}
	if err := frameDim.SetFilterList(dimFilters); err != nil {
		frameDim.Free()
		return nil, errors.Join(ErrCreateSchema, err)
	}

	seqDim, err := tiledb.NewDimension(ctx, "Seq", tiledb.TILEDB_UINT64, []uint64{0, maxPerFrame - 1}, maxPerFrame)
	if err != nil {
		frameDim.Free()
		return nil, errors.Join(ErrCreateSchema, err)
	}
	if err := seqDim.SetFilterList(dimFilters); err != nil {
		frameDim.Free()
		seqDim.Free()
		return nil, errors.Join(ErrCreateSchema, err)
	}

	if err := domain.AddDimensions(frameDim, seqDim); err != nil {
		frameDim.Free()
		seqDim.Free()
		return nil, errors.Join(ErrCreateSchema, err)
	}
	frameDim.Free()
	seqDim.Free()

	schema, err := tiledb.NewArraySchema(ctx, tiledb.TILEDB_SPARSE)
	if err != nil {
		return nil, errors.Join(ErrCreateSchema, err)
	}
	if err := schema.SetDomain(domain); err != nil {
		return nil, errors.Join(ErrCreateSchema, err)
	}
	if err := schema.SetCapacity(100_000); err != nil {
		return nil, errors.Join(ErrCreateSchema, err)
	}
	if err := schema.SetCellOrder(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, errors.Join(ErrCreateSchema, err)
	}
	if err := schema.SetTileOrder(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, errors.Join(ErrCreateSchema, err)
	}
	if err := schema.SetAllowsDups(false); err != nil {
		return nil, errors.Join(ErrCreateSchema, err)
	}

	if err := schemaAttrs(&PredictedRecord{}, schema, ctx); err != nil {
		return nil, err
	}
	if err := schema.Check(); err != nil {
		return nil, errors.Join(ErrCreateSchema, err)
	}
	return schema, nil
}
