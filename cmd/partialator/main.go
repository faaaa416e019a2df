// Command partialator reads a stream written by indexamajig, scales
// and post-refines the partial intensities it carries (spec.md §4.H),
// and writes the merged, symmetry-reduced reflection list.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"

	"github.com/urfave/cli/v2"

	crystfel "github.com/xfel-pipeline/crystfel-core"
	"github.com/xfel-pipeline/crystfel-core/config"
	"github.com/xfel-pipeline/crystfel-core/scale"
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

// loadCrystals drains every StatusHit chunk of a stream into a flat
// slice of crystals, patching in the beam shape a crystal's own stream
// record doesn't carry (spec.md §6's reflection table omits
// divergence/bandwidth) and marking every reflection the integrator
// wrote as scalable, since the wire format carries no such flag of its
// own: indexamajig only ever emits reflections it already integrated.
func loadCrystals(r io.Reader, beam *crystfel.BeamFileInfo) ([]*crystfel.Crystal, *crystfel.StreamReader, error) {
	reader, err := crystfel.NewStreamReader(r)
	if err != nil {
		return nil, nil, err
	}

	var crystals []*crystfel.Crystal
	for {
		chunk, err := reader.ReadChunk()
		if err == io.EOF {
			break
		}
		if err != nil && chunk == nil {
			return nil, reader, err
		}
		if chunk.Status != crystfel.StatusHit {
			continue
		}
		for _, c := range chunk.Crystals {
			c.Beam.Wavelength = chunk.Wavelength
			if beam != nil {
				c.Beam.Divergence = beam.Divergence
				c.Beam.Bandwidth = beam.Bandwidth
				if c.ProfileRadius == 0 {
					c.ProfileRadius = beam.ProfileRadius
				}
			}
			cur := c.Reflections.Cursor()
			for {
				r, ok := cur.Next()
				if !ok {
					break
				}
				r.Scalable = true
			}
			crystals = append(crystals, c)
		}
	}
	return crystals, reader, nil
}

func run(cCtx *cli.Context) error {
	streamURI := cCtx.String("i")
	pgName := cCtx.String("y")
	beamURI := cCtx.String("b")
	outURI := cCtx.String("o")
	configURI := cCtx.String("defaults")
	tiledbConfigURI := cCtx.String("tiledb-config")
	archiveURI := cCtx.String("archive-uri")

	if streamURI == "" || pgName == "" {
		return cli.Exit("partialator: -i and -y are both required", 1)
	}

	var beamInfo *crystfel.BeamFileInfo
	if beamURI != "" {
		f, err := os.Open(beamURI)
		if err != nil {
			return cli.Exit(fmt.Sprintf("partialator: opening beam file: %v", err), 1)
		}
		beamInfo, err = crystfel.LoadBeamFile(f)
		f.Close()
		if err != nil {
			return cli.Exit(fmt.Sprintf("partialator: parsing beam file: %v", err), 1)
		}
	}

	streamFile, err := os.Open(streamURI)
	if err != nil {
		return cli.Exit(fmt.Sprintf("partialator: opening stream: %v", err), 1)
	}
	logger := crystfel.DefaultLogger()

	crystals, reader, err := loadCrystals(streamFile, beamInfo)
	streamFile.Close()
	if err != nil {
		return cli.Exit(fmt.Sprintf("partialator: reading stream: %v", err), 1)
	}
	if reader != nil && reader.Truncated {
		logger.Printf("partialator: stream truncated before its final end-chunk marker, proceeding with what was read")
	}
	if len(crystals) == 0 {
		return cli.Exit("partialator: stream contains no indexed crystals", 1)
	}

	pg := scale.ByName(pgName)

	defaults, err := loadDefaults(configURI)
	if err != nil {
		return cli.Exit(fmt.Sprintf("partialator: reading defaults: %v", err), 1)
	}
	opt := defaults.ApplyScaling(scale.DefaultOptions())
	if n := cCtx.Int("n"); n > 0 {
		opt.Iterations = n
	}
	if j := cCtx.Int("j"); j > 0 {
		opt.Workers = j
	} else if opt.Workers <= 0 {
		opt.Workers = runtime.NumCPU()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	result, err := scale.Run(ctx, crystals, pg, opt)
	if err != nil {
		return cli.Exit(fmt.Sprintf("partialator: scaling: %v", err), 1)
	}
	logger.Printf("scaling converged after %d iterations, max osf step %.3e, %d unique reflections",
		result.Iterations, result.MaxOsfStep, result.Merged.Len())

	if outURI != "" {
		if _, err := crystfel.WriteJSON(outURI, tiledbConfigURI, mergedRows(result.Merged)); err != nil {
			return cli.Exit(fmt.Sprintf("partialator: writing merged list: %v", err), 1)
		}
	}

	if archiveURI != "" {
		if err := archiveMerged(ctx, archiveURI, tiledbConfigURI, result.Merged, pgName, opt); err != nil {
			logger.Printf("archive: %v", err)
		}
	}

	return nil
}

// mergedRow is the JSON row shape for a merged reflection, independent
// of whatever in-memory representation ReflectionList happens to use.
type mergedRow struct {
	H, K, L    int
	I          float64
	Sigma      float64
	Redundancy int
}

func mergedRows(list *crystfel.ReflectionList) []mergedRow {
	keys := list.SortedKeys()
	rows := make([]mergedRow, 0, len(keys))
	for _, key := range keys {
		r, ok := list.Get(key)
		if !ok {
			continue
		}
		rows = append(rows, mergedRow{H: key.H, K: key.K, L: key.L, I: r.I, Sigma: r.Sigma, Redundancy: r.Redundancy})
	}
	return rows
}

// archiveMerged persists the merged list into a TileDB array at
// archiveURI, creating it on first use, mirroring indexamajig's
// `--archive-uri` opt-in.
func archiveMerged(ctx context.Context, archiveURI, tiledbConfigURI string, merged *crystfel.ReflectionList, pgName string, opt scale.Options) error {
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

	indexBound := int32(0)
	for _, key := range merged.SortedKeys() {
		for _, v := range []int32{int32(key.H), int32(key.K), int32(key.L)} {
			if v < 0 {
				v = -v
			}
			if v > indexBound {
				indexBound = v
			}
		}
	}
	if indexBound == 0 {
		indexBound = 1
	}

	if _, err := os.Stat(archiveURI); os.IsNotExist(err) {
		if err := storage.CreateMergedArray(tdbCtx, archiveURI, indexBound); err != nil {
			return err
		}
	}
	if err := storage.WriteMerged(tdbCtx, archiveURI, merged); err != nil {
		return err
	}
	return storage.WriteMetadata(tdbCtx, archiveURI, "point_group", pgName)
}

func main() {
	app := &cli.App{
		Name:  "partialator",
		Usage: "scale and post-refine a stream's partial intensities into a merged reflection list",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "i", Required: true, Usage: "input stream file"},
			&cli.StringFlag{Name: "y", Required: true, Usage: "point group symbol (1, -1, 2/m, mmm, 4/mmm, -3m, 6/mmm, m-3m)"},
			&cli.StringFlag{Name: "b", Usage: "beam parameters file"},
			&cli.StringFlag{Name: "o", Usage: "output merged reflection file (JSON)"},
			&cli.IntFlag{Name: "n", Usage: "scaling/post-refinement iterations (default 10)"},
			&cli.IntFlag{Name: "j", Usage: "number of worker threads (default: NumCPU)"},
			&cli.StringFlag{Name: "defaults", Usage: "YAML defaults file shared with indexamajig"},
			&cli.StringFlag{Name: "tiledb-config", Usage: "TileDB config file for archive storage"},
			&cli.StringFlag{Name: "archive-uri", Usage: "optional TileDB array to archive the merged list into"},
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
