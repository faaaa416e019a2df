package peaksearch

import (
	"math"

	"github.com/samber/lo"
)

// ZaefOptions configures the gradient-walk algorithm of spec.md §4.C.
type ZaefOptions struct {
	Threshold        float64 // default 800
	GradientThresh   float64 // default 100_000
	PeakWindowSize   int     // default 10 (half-width 5)
	MaxDrift         float64 // default 50 px
	IntegrationRad   int     // default 10
	MinPeakSeparation float64 // default 15 px
	MaxColumnHits    int      // default 3; >3 shared-column peaks are culled
}

// DefaultZaefOptions returns the defaults named in spec.md §4.C.
func DefaultZaefOptions() ZaefOptions {
	return ZaefOptions{
		Threshold:         800,
		GradientThresh:    100_000,
		PeakWindowSize:    10,
		MaxDrift:          50,
		IntegrationRad:    10,
		MinPeakSeparation: 15,
		MaxColumnHits:     3,
	}
}

// Zaef runs the gradient-walk peak search over one panel's image,
// returning accepted peaks after column culling.
func Zaef(img *PanelImage, opt ZaefOptions) []Result {
	h := len(img.Data)
	if h < 3 {
		return nil
	}
	w := len(img.Data[0])
	if w < 3 {
		return nil
	}

	var accepted []Result

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			val := img.Data[y][x]
			if val <= opt.Threshold {
				continue
			}
			g := gradientMagnitudeSquared(img.Data, x, y)
			if g <= opt.GradientThresh {
				continue
			}

			peakX, peakY, ok := hillClimb(img, x, y, opt)
			if !ok {
				continue
			}

			if isIsolatedHotPixel(img.Data, peakX, peakY) {
				continue
			}

			cx, cy, csum, ok := centroid(img, peakX, peakY, opt.IntegrationRad)
			if !ok {
				continue
			}

			if !img.Panel.Contains(cx, cy) {
				continue
			}

			if tooCloseToExisting(accepted, cx, cy, opt.MinPeakSeparation) {
				continue
			}

			accepted = append(accepted, Result{
				Fs: cx, Ss: cy, Panel: img.Panel, Intensity: csum,
				PanelFs: cx, PanelSs: cy,
			})
		}
	}

	return cullColumns(accepted, opt.MaxColumnHits)
}

// gradientMagnitudeSquared computes G = (dx1^2+dx2^2)/2 + (dy1^2+dy2^2)/2
// using forward and backward finite differences at (x,y).
func gradientMagnitudeSquared(data [][]float64, x, y int) float64 {
	v := data[y][x]
	dx1 := v - data[y][x-1]
	dx2 := data[y][x+1] - v
	dy1 := v - data[y-1][x]
	dy2 := data[y+1][x] - v
	return (dx1*dx1+dx2*dx2)/2 + (dy1*dy1+dy2*dy2)/2
}

// hillClimb performs the local hill-climb inside a sliding square
// window of half-width PeakWindowSize/2 until no neighbour exceeds the
// current maximum, aborting if the walker drifts more than MaxDrift
// pixels from the seed.
func hillClimb(img *PanelImage, seedX, seedY int, opt ZaefOptions) (int, int, bool) {
	half := opt.PeakWindowSize / 2
	curX, curY := seedX, seedY
	curVal := img.Data[seedY][seedX]

	for {
		bestX, bestY, bestVal := curX, curY, curVal
		for dy := -half; dy <= half; dy++ {
			for dx := -half; dx <= half; dx++ {
				nx, ny := curX+dx, curY+dy
				if !inBounds(img, nx, ny) {
					continue
				}
				v := img.Data[ny][nx]
				if v > bestVal {
					bestVal, bestX, bestY = v, nx, ny
				}
			}
		}
		if bestX == curX && bestY == curY {
			return curX, curY, true
		}
		curX, curY, curVal = bestX, bestY, bestVal

		drift := math.Hypot(float64(curX-seedX), float64(curY-seedY))
		if drift > opt.MaxDrift {
			return 0, 0, false
		}
	}
}

// isIsolatedHotPixel reports whether (x,y) is strictly greater than
// the value of each of its 8 neighbours divided by 2 (spec.md §4.C).
func isIsolatedHotPixel(data [][]float64, x, y int) bool {
	h := len(data)
	w := len(data[0])
	v := data[y][x]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nx, ny := x+dx, y+dy
			if ny < 0 || ny >= h || nx < 0 || nx >= w {
				continue
			}
			if v <= data[ny][nx]/2 {
				return false
			}
		}
	}
	return true
}

// centroid computes the first moment over a disk of radius r centred
// on (cx,cy), excluding pixels outside the frame, returning the
// centroid position and the summed intensity.
func centroid(img *PanelImage, cx, cy, r int) (fx, fy float64, sum float64, ok bool) {
	var wx, wy, w float64
	r2 := float64(r * r)
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if float64(dx*dx+dy*dy) > r2 {
				continue
			}
			x, y := cx+dx, cy+dy
			if !inBounds(img, x, y) {
				continue
			}
			v := img.Data[y][x]
			if v <= 0 {
				continue
			}
			wx += v * float64(x)
			wy += v * float64(y)
			w += v
		}
	}
	if w <= 0 {
		return 0, 0, 0, false
	}
	return wx / w, wy / w, w, true
}

func tooCloseToExisting(existing []Result, x, y, minSep float64) bool {
	for _, e := range existing {
		if math.Hypot(x-e.Fs, y-e.Ss) < minSep {
			return true
		}
	}
	return false
}

// cullColumns deletes every accepted peak in any fast-scan
// (integer-rounded) column holding more than maxHits peaks in total,
// the peak itself included, suppressing detector bad-column artefacts
// (spec.md §4.C).
func cullColumns(peaks []Result, maxHits int) []Result {
	byCol := lo.GroupBy(peaks, func(r Result) int { return int(math.Round(r.Fs)) })
	var out []Result
	for _, r := range peaks {
		col := int(math.Round(r.Fs))
		if len(byCol[col]) > maxHits {
			continue
		}
		out = append(out, r)
	}
	return out
}
