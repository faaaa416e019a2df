// Package discover trawls a filesystem or object-store URI (local
// disk, S3, ...) for frame and stream files, using the TileDB VFS
// abstraction so the same code path works against either.
package discover

import (
	"path/filepath"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

// trawl recursively lists uri for files matching pattern, using
// filepath.Match against the file's basename.
func trawl(vfs *tiledb.VFS, pattern, uri string, items []string) ([]string, error) {
	dirs, files, err := vfs.List(uri)
	if err != nil {
		return items, err
	}

	for _, file := range files {
		match, err := filepath.Match(pattern, filepath.Base(file))
		if err != nil {
			return items, err
		}
		if match {
			items = append(items, file)
		}
	}

	for _, dir := range dirs {
		items, err = trawl(vfs, pattern, dir, items)
		if err != nil {
			return items, err
		}
	}

	return items, nil
}

func newContext(configURI string) (*tiledb.Context, *tiledb.Config, error) {
	var (
		config *tiledb.Config
		err    error
	)
	if configURI == "" {
		config, err = tiledb.NewConfig()
	} else {
		config, err = tiledb.LoadConfig(configURI)
	}
	if err != nil {
		return nil, nil, err
	}

	ctx, err := tiledb.NewContext(config)
	if err != nil {
		config.Free()
		return nil, nil, err
	}
	return ctx, config, nil
}

// findPattern trawls uri for every file matching pattern, via the
// TileDB VFS (so uri may be a local path or an object-store URI such
// as s3://bucket/prefix when configURI supplies the necessary
// credentials).
func findPattern(uri, configURI, pattern string) ([]string, error) {
	ctx, config, err := newContext(configURI)
	if err != nil {
		return nil, err
	}
	defer config.Free()
	defer ctx.Free()

	vfs, err := tiledb.NewVFS(ctx, config)
	if err != nil {
		return nil, err
	}
	defer vfs.Free()

	return trawl(vfs, pattern, uri, nil)
}

// FindStreams recursively searches uri for "*.stream" files (the
// output-stream file extension of spec.md §4.I).
func FindStreams(uri, configURI string) ([]string, error) {
	return findPattern(uri, configURI, "*.stream")
}

// FindFrames recursively searches uri for "*.cxi" frame files (the
// common XFEL multi-event HDF5 container format; decoding them is out
// of scope per spec.md's Non-goals, but discovering them for the
// pipeline to hand to an external decoder is in scope).
func FindFrames(uri, configURI string) ([]string, error) {
	return findPattern(uri, configURI, "*.cxi")
}
