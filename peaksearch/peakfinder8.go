package peaksearch

import "math"

// ConnectedComponentOptions configures the Peakfinder8/9
// resolution-ring-bounded connected-component detector of spec.md
// §4.C.
type ConnectedComponentOptions struct {
	SnrThreshold    float64
	MinPixelCount   int
	MaxPixelCount   int
	BackgroundRad   int // local-background annulus radius, pixels
	MinResolutionPx float64
	MaxResolutionPx float64

	// Peakfinder9-only extra requirements.
	Peakfinder9       bool
	BiggestPixelSnr   float64
	PeakPixelSnr      float64
	NeighbourMargin   float64

	CenterFs, CenterSs float64 // beam centre, for the resolution-ring bound
}

// DefaultConnectedComponentOptions returns reasonable defaults; the
// resolution bounds default to "unbounded" (0, +Inf).
func DefaultConnectedComponentOptions() ConnectedComponentOptions {
	return ConnectedComponentOptions{
		SnrThreshold:    5.0,
		MinPixelCount:   2,
		MaxPixelCount:   200,
		BackgroundRad:   6,
		MinResolutionPx: 0,
		MaxResolutionPx: math.MaxFloat64,
	}
}

// localStats computes the mean and standard deviation of the
// background annulus around (x,y): pixels within BackgroundRad but
// outside an inner exclusion of BackgroundRad/2, matching the
// "local-background annulus" of spec.md §4.C.
func localStats(data [][]float64, bad [][]bool, x, y, rad int) (mean, std float64) {
	inner := rad / 2
	var sum, sumSq float64
	var n int
	h := len(data)
	for dy := -rad; dy <= rad; dy++ {
		for dx := -rad; dx <= rad; dx++ {
			d2 := dx*dx + dy*dy
			if d2 > rad*rad || d2 < inner*inner {
				continue
			}
			nx, ny := x+dx, y+dy
			if ny < 0 || ny >= h || nx < 0 || nx >= len(data[ny]) {
				continue
			}
			if bad != nil && ny < len(bad) && nx < len(bad[ny]) && bad[ny][nx] {
				continue
			}
			v := data[ny][nx]
			sum += v
			sumSq += v * v
			n++
		}
	}
	if n == 0 {
		return 0, 1
	}
	mean = sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	std = math.Sqrt(variance)
	if std == 0 {
		std = 1
	}
	return mean, std
}

type point struct{ x, y int }

// PeakFinder8 runs the connected-component detector. Candidate pixels
// are those whose local SNR meets the threshold; 4-connected
// components of such pixels are then filtered by pixel-count bounds
// and the resolution-ring bound computed against CenterFs/CenterSs.
func PeakFinder8(img *PanelImage, opt ConnectedComponentOptions) []Result {
	h := len(img.Data)
	if h == 0 {
		return nil
	}
	w := len(img.Data[0])
	visited := make([][]bool, h)
	for i := range visited {
		visited[i] = make([]bool, w)
	}

	snrAt := func(x, y int) float64 {
		mean, std := localStats(img.Data, img.Bad, x, y, opt.BackgroundRad)
		return (img.Data[y][x] - mean) / std
	}

	var results []Result
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if visited[y][x] || isBad(img, x, y) {
				continue
			}
			res := math.Hypot(float64(x)-opt.CenterFs, float64(y)-opt.CenterSs)
			if res < opt.MinResolutionPx || res > opt.MaxResolutionPx {
				continue
			}
			if snrAt(x, y) < opt.SnrThreshold {
				visited[y][x] = true
				continue
			}

			component := floodFill(img, visited, x, y, opt, snrAt)
			if len(component) < opt.MinPixelCount || len(component) > opt.MaxPixelCount {
				continue
			}

			if opt.Peakfinder9 && !passesPeakfinder9(img, component, opt, snrAt) {
				continue
			}

			r, ok := componentToResult(img, component)
			if ok {
				results = append(results, r)
			}
		}
	}
	return results
}

func floodFill(img *PanelImage, visited [][]bool, sx, sy int, opt ConnectedComponentOptions, snrAt func(int, int) float64) []point {
	stack := []point{{sx, sy}}
	visited[sy][sx] = true
	var component []point

	h := len(img.Data)
	w := len(img.Data[0])

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		component = append(component, p)

		neighbours := [4]point{{p.x - 1, p.y}, {p.x + 1, p.y}, {p.x, p.y - 1}, {p.x, p.y + 1}}
		for _, n := range neighbours {
			if n.x < 0 || n.x >= w || n.y < 0 || n.y >= h {
				continue
			}
			if visited[n.y][n.x] || isBad(img, n.x, n.y) {
				continue
			}
			if snrAt(n.x, n.y) < opt.SnrThreshold {
				visited[n.y][n.x] = true
				continue
			}
			visited[n.y][n.x] = true
			stack = append(stack, n)
		}
	}
	return component
}

// passesPeakfinder9 checks the three additional Peakfinder9
// requirements (spec.md §4.C): the biggest pixel's SNR, the
// intensity-weighted "peak pixel" SNR, and a minimum margin over every
// neighbour of the biggest pixel.
func passesPeakfinder9(img *PanelImage, component []point, opt ConnectedComponentOptions, snrAt func(int, int) float64) bool {
	biggest := component[0]
	biggestVal := img.Data[biggest.y][biggest.x]
	for _, p := range component[1:] {
		if v := img.Data[p.y][p.x]; v > biggestVal {
			biggest, biggestVal = p, v
		}
	}

	if snrAt(biggest.x, biggest.y) < opt.BiggestPixelSnr {
		return false
	}

	var sum, wsum float64
	for _, p := range component {
		v := img.Data[p.y][p.x]
		sum += v
		wsum += v * snrAt(p.x, p.y)
	}
	peakSnr := 0.0
	if sum > 0 {
		peakSnr = wsum / sum
	}
	if peakSnr < opt.PeakPixelSnr {
		return false
	}

	h := len(img.Data)
	w := len(img.Data[0])
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nx, ny := biggest.x+dx, biggest.y+dy
			if ny < 0 || ny >= h || nx < 0 || nx >= w {
				continue
			}
			if biggestVal-img.Data[ny][nx] < opt.NeighbourMargin {
				return false
			}
		}
	}
	return true
}

func componentToResult(img *PanelImage, component []point) (Result, bool) {
	var wx, wy, sum float64
	for _, p := range component {
		v := img.Data[p.y][p.x]
		wx += v * float64(p.x)
		wy += v * float64(p.y)
		sum += v
	}
	if sum <= 0 {
		return Result{}, false
	}
	cx, cy := wx/sum, wy/sum
	if !img.Panel.Contains(cx, cy) {
		return Result{}, false
	}
	return Result{Fs: cx, Ss: cy, Panel: img.Panel, Intensity: sum, PanelFs: cx, PanelSs: cy}, true
}
