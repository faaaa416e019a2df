// Command indexamajig runs the per-frame pipeline of spec.md §4.G over
// a set of frames: peak search, indexing (via whatever Indexer
// collaborators are wired in), prediction, integration, and stream
// output. With no indexers configured it runs in "indexing=none" mode,
// useful for peak-search-only diagnostic runs.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"

	"github.com/urfave/cli/v2"

	crystfel "github.com/xfel-pipeline/crystfel-core"
	"github.com/xfel-pipeline/crystfel-core/config"
	"github.com/xfel-pipeline/crystfel-core/discover"
	"github.com/xfel-pipeline/crystfel-core/pipeline"
	"github.com/xfel-pipeline/crystfel-core/storage"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

func loadDefaults(path string) (*config.Defaults, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return config.Load(f)
}

func run(cCtx *cli.Context) error {
	inputURI := cCtx.String("i")
	geomURI := cCtx.String("g")
	streamURI := cCtx.String("o")
	cellURI := cCtx.String("p")
	configURI := cCtx.String("defaults")
	tiledbConfigURI := cCtx.String("tiledb-config")
	archiveURI := cCtx.String("archive-uri")

	if inputURI == "" || geomURI == "" || streamURI == "" {
		return cli.Exit("indexamajig: -i, -g and -o are all required", 1)
	}

	geomText, err := os.ReadFile(geomURI)
	if err != nil {
		return cli.Exit(fmt.Sprintf("indexamajig: opening geometry: %v", err), 1)
	}
	det, err := crystfel.LoadGeometry(bytes.NewReader(geomText))
	if err != nil {
		return cli.Exit(fmt.Sprintf("indexamajig: parsing geometry: %v", err), 1)
	}

	var targetCell *crystfel.UnitCell
	if cellURI != "" {
		cellFile, err := os.Open(cellURI)
		if err != nil {
			return cli.Exit(fmt.Sprintf("indexamajig: opening cell file: %v", err), 1)
		}
		info, err := crystfel.LoadCellFile(cellFile)
		cellFile.Close()
		if err != nil {
			return cli.Exit(fmt.Sprintf("indexamajig: parsing cell file: %v", err), 1)
		}
		targetCell = info.Cell
	}

	defaults, err := loadDefaults(configURI)
	if err != nil {
		return cli.Exit(fmt.Sprintf("indexamajig: reading defaults: %v", err), 1)
	}

	opt := defaults.ApplyPipeline(pipeline.DefaultOptions())

	frames, err := discoverFrames(inputURI, tiledbConfigURI)
	if err != nil {
		return cli.Exit(fmt.Sprintf("indexamajig: discovering frames: %v", err), 1)
	}
	if len(frames) == 0 {
		return cli.Exit("indexamajig: no frames found under "+inputURI, 1)
	}

	outFile, err := os.Create(streamURI)
	if err != nil {
		return cli.Exit(fmt.Sprintf("indexamajig: creating stream: %v", err), 1)
	}
	defer outFile.Close()

	writer, err := crystfel.NewStreamWriter(outFile, crystfel.StreamPrologue{
		EngineVersion: "crystfel-core",
		Argv:          os.Args,
		GeometryText:  string(geomText),
		TargetCell:    targetCell,
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("indexamajig: writing stream prologue: %v", err), 1)
	}

	logger := crystfel.DefaultLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	n := cCtx.Int("j")
	if n <= 0 {
		n = runtime.NumCPU()
	}
	pool := crystfel.NewPool(ctx, n)

	summary := &pipeline.RunSummary{}
	decoder := crystfel.JSONFrameDecoder{}
	beam := crystfel.BeamParams{Divergence: 1e-3, Bandwidth: 0.01}

	work := func(slot int, _ any) {
		path := frames[slot]
		f, err := os.Open(path)
		if err != nil {
			logger.Printf("%s: open failed: %v", path, err)
			return
		}
		img, err := decoder.Decode(f, det, beam)
		f.Close()
		if err != nil {
			logger.Printf("%s: decode failed: %v", path, err)
			return
		}

		chunk, err := pipeline.RunFrame(ctx, img, targetCell, nil, opt, logger)
		if err != nil {
			logger.Printf("%s: %v", path, err)
			return
		}

		summary.Observe(chunk)
		logger.Printf("%s", crystfel.FrameSummaryLine(chunk.Filename, chunk.Event, string(chunk.Status), chunk.NumPeaks, len(chunk.Crystals)))

		if err := writer.WriteChunk(chunk); err != nil {
			logger.Printf("%s: stream write failed: %v", path, err)
		}
	}

	pool.RunRange(len(frames), work, nil, func(done, total int) {
		if done%100 == 0 || done == total {
			logger.Printf("progress: %d/%d", done, total)
		}
	})
	pool.Close()

	stats := summary.Reduce()
	logger.Printf("hit rate=%.3f indexing rate=%.3f median resolution=%.4g", stats.HitRate, stats.IndexingRate, stats.MedianResolution)

	if archiveURI != "" {
		if err := archivePredictions(ctx, archiveURI, tiledbConfigURI, frames); err != nil {
			logger.Printf("archive: %v", err)
		}
	}

	return nil
}

// discoverFrames resolves input into a concrete list of frame paths:
// a single file is returned as-is, a directory is trawled for *.cxi
// frame descriptors via the TileDB VFS.
func discoverFrames(input, tiledbConfigURI string) ([]string, error) {
	fi, err := os.Stat(input)
	if err == nil && !fi.IsDir() {
		return []string{input}, nil
	}
	return discover.FindFrames(input, tiledbConfigURI)
}

// archivePredictions creates the sparse predicted-reflection TileDB
// array at archiveURI, sized for the discovered frames, when no file
// exists there yet (the `--archive-uri` opt-in named in SPEC_FULL.md's
// domain-stack wiring). It writes no rows: the per-frame reflection
// tables are not stored into the array.
func archivePredictions(ctx context.Context, archiveURI, tiledbConfigURI string, frames []string) error {
	var tdbConfig *tiledb.Config
	var err error
	if tiledbConfigURI == "" {
		tdbConfig, err = tiledb.NewConfig()
	} else {
		tdbConfig, err = tiledb.LoadConfig(tiledbConfigURI)
	}
	if err != nil {
		return err
	}
	defer tdbConfig.Free()

	tdbCtx, err := tiledb.NewContext(tdbConfig)
	if err != nil {
		return err
	}
	defer tdbCtx.Free()

	if _, err := os.Stat(archiveURI); os.IsNotExist(err) {
		if err := storage.CreatePredictedArray(tdbCtx, archiveURI, uint64(len(frames)), 10_000); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "indexamajig",
		Usage: "peak-search, index, predict and integrate a set of XFEL frames",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "i", Required: true, Usage: "input frame file or directory"},
			&cli.StringFlag{Name: "g", Required: true, Usage: "geometry file"},
			&cli.StringFlag{Name: "o", Required: true, Usage: "output stream file"},
			&cli.StringFlag{Name: "p", Usage: "target cell file (CrystFEL cell or PDB)"},
			&cli.IntFlag{Name: "j", Usage: "number of worker threads (default: NumCPU)"},
			&cli.StringFlag{Name: "defaults", Usage: "YAML defaults file shared with partialator"},
			&cli.StringFlag{Name: "tiledb-config", Usage: "TileDB config file for archive storage"},
			&cli.StringFlag{Name: "archive-uri", Usage: "optional TileDB array for predicted reflections (created if missing; no rows are written)"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		if ec, ok := err.(cli.ExitCoder); ok {
			log.Println(err)
			os.Exit(ec.ExitCode())
		}
		log.Fatal(err)
	}
}
