// Package config reads the shared YAML defaults file that indexamajig
// and partialator both draw from: resolution cutoffs, indexer
// timeouts and integration radii, read with gopkg.in/yaml.v3 the same
// way other examples in the retrieved pack read their device configs.
package config

import (
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xfel-pipeline/crystfel-core"
	"github.com/xfel-pipeline/crystfel-core/integrate"
	"github.com/xfel-pipeline/crystfel-core/pipeline"
	"github.com/xfel-pipeline/crystfel-core/scale"
)

// Defaults is the shared configuration surface: enough of each
// component's Options to be worth setting from a file, leaving the
// rest at each package's own DefaultOptions().
type Defaults struct {
	ResolutionCutoffAngstrom float64 `yaml:"resolution_cutoff_angstrom"`

	Integration struct {
		RInner int    `yaml:"r_inner"`
		RMid   int    `yaml:"r_mid"`
		ROuter int    `yaml:"r_outer"`
		Method string `yaml:"method"`
	} `yaml:"integration"`

	Indexer struct {
		TimeoutSeconds     int `yaml:"timeout_seconds"`
		SlowTimeoutSeconds int `yaml:"slow_timeout_seconds"`
	} `yaml:"indexer"`

	Pipeline struct {
		MinPeaks           int     `yaml:"min_peaks"`
		CheckCell          bool    `yaml:"check_cell"`
		Refine             bool    `yaml:"refine"`
		CheckPeaks         bool    `yaml:"check_peaks"`
		CheckPeaksFraction float64 `yaml:"check_peaks_fraction"`
		Retry              bool    `yaml:"retry"`
		Multi              bool    `yaml:"multi"`
	} `yaml:"pipeline"`

	Scaling struct {
		Iterations      int     `yaml:"iterations"`
		OsfConvergence  float64 `yaml:"osf_convergence"`
		MinRedundancy   int     `yaml:"min_redundancy"`
		Workers         int     `yaml:"workers"`
		ExcludeNegative bool    `yaml:"exclude_negative"`
	} `yaml:"scaling"`
}

// Load parses a YAML defaults file from r.
func Load(r io.Reader) (*Defaults, error) {
	var d Defaults
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ApplyIntegration overlays d's integration section onto opt.
func (d *Defaults) ApplyIntegration(opt integrate.Options) integrate.Options {
	if d == nil {
		return opt
	}
	if d.Integration.RInner > 0 {
		opt.RInner = d.Integration.RInner
	}
	if d.Integration.RMid > 0 {
		opt.RMid = d.Integration.RMid
	}
	if d.Integration.ROuter > 0 {
		opt.ROuter = d.Integration.ROuter
	}
	switch d.Integration.Method {
	case "mean":
		opt.Method = integrate.MethodMean
	case "gradient":
		opt.Method = integrate.MethodGradient
	case "median":
		opt.Method = integrate.MethodMedian
	}
	if d.ResolutionCutoffAngstrom > 0 {
		opt.ResolutionCutoff = 1.0 / (d.ResolutionCutoffAngstrom * 1e-10)
	}
	return opt
}

// ApplyPipeline overlays d's pipeline section onto opt.
func (d *Defaults) ApplyPipeline(opt pipeline.Options) pipeline.Options {
	if d == nil {
		return opt
	}
	if d.Pipeline.MinPeaks > 0 {
		opt.MinPeaks = d.Pipeline.MinPeaks
	}
	opt.CheckCell = d.Pipeline.CheckCell
	opt.Refine = d.Pipeline.Refine
	opt.CheckPeaks = d.Pipeline.CheckPeaks
	if d.Pipeline.CheckPeaksFraction > 0 {
		opt.CheckPeaksFraction = d.Pipeline.CheckPeaksFraction
	}
	opt.Retry = d.Pipeline.Retry
	opt.Multi = d.Pipeline.Multi
	opt.Integrate = d.ApplyIntegration(opt.Integrate)
	if d.ResolutionCutoffAngstrom > 0 {
		opt.ResolutionCutoff = 1.0 / (d.ResolutionCutoffAngstrom * 1e-10)
	}
	return opt
}

// ApplyScaling overlays d's scaling section onto opt.
func (d *Defaults) ApplyScaling(opt scale.Options) scale.Options {
	if d == nil {
		return opt
	}
	if d.Scaling.Iterations > 0 {
		opt.Iterations = d.Scaling.Iterations
	}
	if d.Scaling.OsfConvergence > 0 {
		opt.OsfConvergence = d.Scaling.OsfConvergence
	}
	if d.Scaling.MinRedundancy > 0 {
		opt.MinRedundancy = d.Scaling.MinRedundancy
	}
	if d.Scaling.Workers > 0 {
		opt.Workers = d.Scaling.Workers
	}
	opt.ExcludeNegative = d.Scaling.ExcludeNegative
	return opt
}

// IndexerTimeout returns the configured default indexer timeout, or
// the package's own default when unset.
func (d *Defaults) IndexerTimeout() time.Duration {
	if d == nil || d.Indexer.TimeoutSeconds <= 0 {
		return crystfel.DefaultIndexerTimeout
	}
	return time.Duration(d.Indexer.TimeoutSeconds) * time.Second
}
