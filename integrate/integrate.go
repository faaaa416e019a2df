// Package integrate implements spec.md §4.E: extracting an intensity
// and uncertainty for each predicted reflection from the raw frame
// data around its predicted (fs, ss) position.
package integrate

import (
	"math"
	"sort"

	"github.com/xfel-pipeline/crystfel-core"
)

// Method selects the background estimator of spec.md §4.E step 2.
type Method int

const (
	MethodMean Method = iota
	MethodGradient
	MethodMedian
)

// Options configures one integration pass.
type Options struct {
	RInner int // peak-region radius, pixels
	RMid   int // inner edge of the background annulus
	ROuter int // outer edge of the background annulus

	Method Method

	Recenter        bool // "rings-cen": re-centroid before background subtraction
	Overpredict     bool // integrate even when the peak disk holds no usable pixel; detected peaks are not consulted here
	RejectSaturated bool

	ResolutionCutoff float64 // reflections beyond this resolution (A^-1 or m^-1, caller's unit) are never scalable
}

// DefaultOptions returns typical CrystFEL-style integration radii.
func DefaultOptions() Options {
	return Options{
		RInner:           3,
		RMid:             4,
		ROuter:           6,
		Method:           MethodMean,
		ResolutionCutoff: math.MaxFloat64,
	}
}

// PanelData is the per-panel raw frame data an integration pass reads
// pixels from.
type PanelData struct {
	Panel     *crystfel.Panel
	Data      [][]float64
	Bad       [][]bool
	Saturated [][]bool
}

// Reflection integrates one predicted reflection in-place, setting its
// I, Sigma, Background, Scalable and NegativeIntensity fields per
// spec.md §4.E.
func Reflection(pd *PanelData, r *crystfel.Reflection, resolution float64, opt Options) error {
	fs, ss := r.Fs, r.Ss

	if opt.Recenter {
		if cx, cy, ok := recentroid(pd, fs, ss, opt.RInner); ok {
			fs, ss = cx, cy
		}
	}

	peak := gatherDisk(pd, fs, ss, 0, opt.RInner)
	if len(peak) == 0 {
		if !opt.Overpredict {
			return crystfel.ErrIntegrationFailed
		}
	}

	if opt.RejectSaturated {
		for _, px := range peak {
			if px.saturated {
				return crystfel.ErrIntegrationFailed
			}
		}
	}

	bg := gatherDisk(pd, fs, ss, opt.RMid, opt.ROuter)

	var bgMean, bgVar float64
	var bgGrad [3]float64 // a, b, c: z = a*x + b*y + c
	hasGrad := false

	switch opt.Method {
	case MethodGradient:
		a, b, c, ok := fitPlane(bg)
		if ok {
			bgGrad = [3]float64{a, b, c}
			hasGrad = true
		}
		bgMean, bgVar = meanVar(bg)
	case MethodMedian:
		bgMean = median(bg)
		_, bgVar = meanVar(bg)
	default:
		bgMean, bgVar = meanVar(bg)
	}

	var rawSum, peakBgSum float64
	var anyBad bool
	for _, px := range peak {
		if px.bad {
			anyBad = true
		}
		b := bgMean
		if hasGrad {
			b = bgGrad[0]*float64(px.x) + bgGrad[1]*float64(px.y) + bgGrad[2]
		}
		rawSum += px.value - b
		peakBgSum += b
	}

	n := float64(len(peak))
	nBg := float64(len(bg))

	poissonVar := math.Abs(rawSum + peakBgSum) // total counts before background subtraction, Poisson variance ~= counts
	var bgCovar float64
	if nBg > 0 {
		bgCovar = n * n * (bgVar / nBg)
	}
	sigma := math.Sqrt(poissonVar + bgCovar)

	r.I = rawSum
	r.Sigma = sigma
	r.Background = bgMean
	r.NegativeIntensity = rawSum < 0

	r.Scalable = r.Partiality >= 0.1 &&
		math.Abs(r.I) >= 0.1 &&
		resolution <= opt.ResolutionCutoff &&
		!anyBad

	return nil
}

type pixel struct {
	x, y         int
	value        float64
	bad          bool
	saturated    bool
}

func gatherDisk(pd *PanelData, cx, cy float64, rMin, rMax int) []pixel {
	h := len(pd.Data)
	if h == 0 {
		return nil
	}
	w := len(pd.Data[0])
	icx, icy := int(math.Round(cx)), int(math.Round(cy))
	rMin2 := float64(rMin * rMin)
	rMax2 := float64(rMax * rMax)

	var out []pixel
	for dy := -rMax; dy <= rMax; dy++ {
		for dx := -rMax; dx <= rMax; dx++ {
			d2 := float64(dx*dx + dy*dy)
			if d2 > rMax2 || d2 < rMin2 {
				continue
			}
			x, y := icx+dx, icy+dy
			if x < 0 || x >= w || y < 0 || y >= h {
				continue
			}
			px := pixel{x: x, y: y, value: pd.Data[y][x]}
			if pd.Bad != nil && y < len(pd.Bad) && x < len(pd.Bad[y]) {
				px.bad = pd.Bad[y][x]
			}
			if pd.Saturated != nil && y < len(pd.Saturated) && x < len(pd.Saturated[y]) {
				px.saturated = pd.Saturated[y][x]
			}
			out = append(out, px)
		}
	}
	return out
}

func recentroid(pd *PanelData, cx, cy float64, r int) (float64, float64, bool) {
	peak := gatherDisk(pd, cx, cy, 0, r)
	var wx, wy, w float64
	for _, px := range peak {
		if px.value <= 0 {
			continue
		}
		wx += px.value * float64(px.x)
		wy += px.value * float64(px.y)
		w += px.value
	}
	if w <= 0 {
		return cx, cy, false
	}
	nx, ny := wx/w, wy/w
	if !pd.Panel.Contains(nx, ny) {
		return cx, cy, false
	}
	return nx, ny, true
}

func meanVar(px []pixel) (mean, variance float64) {
	if len(px) == 0 {
		return 0, 0
	}
	var sum, sumSq float64
	for _, p := range px {
		sum += p.value
		sumSq += p.value * p.value
	}
	n := float64(len(px))
	mean = sum / n
	variance = sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, variance
}

func median(px []pixel) float64 {
	if len(px) == 0 {
		return 0
	}
	vals := make([]float64, len(px))
	for i, p := range px {
		vals[i] = p.value
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 0 {
		return (vals[mid-1] + vals[mid]) / 2
	}
	return vals[mid]
}

// fitPlane fits z = a*x + b*y + c to the annulus pixels by ordinary
// least squares (3x3 normal equations), used by the "linear-gradient
// fit" background estimator.
func fitPlane(px []pixel) (a, b, c float64, ok bool) {
	if len(px) < 3 {
		return 0, 0, 0, false
	}
	var sx, sy, sxx, syy, sxy, sz, sxz, syz float64
	n := float64(len(px))
	for _, p := range px {
		x, y, z := float64(p.x), float64(p.y), p.value
		sx += x
		sy += y
		sxx += x * x
		syy += y * y
		sxy += x * y
		sz += z
		sxz += x * z
		syz += y * z
	}

	m := [3][3]float64{
		{sxx, sxy, sx},
		{sxy, syy, sy},
		{sx, sy, n},
	}
	rhs := [3]float64{sxz, syz, sz}

	inv, err := invert3x3(m)
	if err != nil {
		return 0, 0, 0, false
	}
	a = inv[0][0]*rhs[0] + inv[0][1]*rhs[1] + inv[0][2]*rhs[2]
	b = inv[1][0]*rhs[0] + inv[1][1]*rhs[1] + inv[1][2]*rhs[2]
	c = inv[2][0]*rhs[0] + inv[2][1]*rhs[1] + inv[2][2]*rhs[2]
	return a, b, c, true
}

// invert3x3 is a small local LU inverse for the plane-fit normal
// equations; the geometry package's invert3x3LU is unexported, so the
// fit here uses its own minimal copy scoped to this one use.
func invert3x3(m [3][3]float64) ([3][3]float64, error) {
	var lu [3][3]float64 = m
	var piv [3]int
	for i := 0; i < 3; i++ {
		piv[i] = i
	}

	for col := 0; col < 3; col++ {
		maxRow, maxVal := col, math.Abs(lu[col][col])
		for r := col + 1; r < 3; r++ {
			if v := math.Abs(lu[r][col]); v > maxVal {
				maxRow, maxVal = r, v
			}
		}
		if maxVal < 1e-14 {
			return [3][3]float64{}, crystfel.ErrLinAlgSingular
		}
		if maxRow != col {
			lu[col], lu[maxRow] = lu[maxRow], lu[col]
			piv[col], piv[maxRow] = piv[maxRow], piv[col]
		}
		for r := col + 1; r < 3; r++ {
			factor := lu[r][col] / lu[col][col]
			lu[r][col] = factor
			for c := col + 1; c < 3; c++ {
				lu[r][c] -= factor * lu[col][c]
			}
		}
	}

	var inv [3][3]float64
	for k := 0; k < 3; k++ {
		b := [3]float64{}
		b[k] = 1
		var pb [3]float64
		for i := 0; i < 3; i++ {
			pb[i] = b[piv[i]]
		}
		var y [3]float64
		for i := 0; i < 3; i++ {
			sum := pb[i]
			for j := 0; j < i; j++ {
				sum -= lu[i][j] * y[j]
			}
			y[i] = sum
		}
		var x [3]float64
		for i := 2; i >= 0; i-- {
			sum := y[i]
			for j := i + 1; j < 3; j++ {
				sum -= lu[i][j] * x[j]
			}
			x[i] = sum / lu[i][i]
		}
		for i := 0; i < 3; i++ {
			inv[i][k] = x[i]
		}
	}
	return inv, nil
}
