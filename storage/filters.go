// Package storage persists merged reflection lists and per-frame
// prediction tables to TileDB arrays: a struct-tag-driven schema
// builder plus a handful of compression-filter constructors.
package storage

import (
	"errors"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

var (
	ErrCreateAttribute = errors.New("storage: error creating tiledb attribute")
	ErrCreateSchema     = errors.New("storage: error creating tiledb array schema")
	ErrCreateArray      = errors.New("storage: error creating tiledb array")
	ErrOpenArray        = errors.New("storage: error opening tiledb array")
	ErrWriteQuery       = errors.New("storage: error executing tiledb write query")
)

// addFilters sequentially appends filt to the pipeline list; kept
// unexported since this package exposes a narrower surface than a
// general-purpose filter-list builder would.
func addFilters(list *tiledb.FilterList, filt ...*tiledb.Filter) error {
	for _, f := range filt {
		if err := list.AddFilter(f); err != nil {
			return err
		}
	}
	return nil
}

// zstdFilter builds a Zstandard compression filter at the given level.
func zstdFilter(ctx *tiledb.Context, level int32) (*tiledb.Filter, error) {
	filt, err := tiledb.NewFilter(ctx, tiledb.TILEDB_FILTER_ZSTD)
	if err != nil {
		return nil, err
	}
	if err := filt.SetOption(tiledb.TILEDB_COMPRESSION_LEVEL, level); err != nil {
		filt.Free()
		return nil, err
	}
	return filt, nil
}

// positiveDeltaFilter is used on monotonically increasing dimensions
// (frame ids, Miller indices sorted within a tile) ahead of zstd.
func positiveDeltaFilter(ctx *tiledb.Context) (*tiledb.Filter, error) {
	return tiledb.NewFilter(ctx, tiledb.TILEDB_FILTER_POSITIVE_DELTA)
}

// dimensionFilterList builds the standard positive-delta + zstd(16)
// pipeline attached to every dimension.
func dimensionFilterList(ctx *tiledb.Context) (*tiledb.FilterList, error) {
	list, err := tiledb.NewFilterList(ctx)
	if err != nil {
		return nil, err
	}

	dd, err := positiveDeltaFilter(ctx)
	if err != nil {
		list.Free()
		return nil, err
	}
	defer dd.Free()

	zstd, err := zstdFilter(ctx, 16)
	if err != nil {
		list.Free()
		return nil, err
	}
	defer zstd.Free()

	if err := addFilters(list, dd, zstd); err != nil {
		list.Free()
		return nil, err
	}
	return list, nil
}

// attributeFilterList builds the plain zstd(16) pipeline used on value
// attributes (intensities, sigmas, excitation errors, ...).
func attributeFilterList(ctx *tiledb.Context) (*tiledb.FilterList, error) {
	list, err := tiledb.NewFilterList(ctx)
	if err != nil {
		return nil, err
	}

	zstd, err := zstdFilter(ctx, 16)
	if err != nil {
		list.Free()
		return nil, err
	}
	defer zstd.Free()

	if err := addFilters(list, zstd); err != nil {
		list.Free()
		return nil, err
	}
	return list, nil
}
