package integrate

import (
	"math"
	"testing"

	crystfel "github.com/xfel-pipeline/crystfel-core"
)

func flatPanelData(w, h int, bg float64) *PanelData {
	data := make([][]float64, h)
	for y := range data {
		row := make([]float64, w)
		for x := range row {
			row[x] = bg
		}
		data[y] = row
	}
	panel := &crystfel.Panel{Name: "p0", MinFs: 0, MaxFs: w - 1, MinSs: 0, MaxSs: h - 1}
	return &PanelData{Panel: panel, Data: data}
}

func TestReflectionFlatBackgroundIntegratesToZero(t *testing.T) {
	pd := flatPanelData(20, 20, 42.0)
	r := &crystfel.Reflection{Fs: 10, Ss: 10, Partiality: 1.0}

	if err := Reflection(pd, r, 1.0, DefaultOptions()); err != nil {
		t.Fatalf("Reflection: %v", err)
	}
	if math.Abs(r.I) > 1e-9 {
		t.Errorf("I = %v, want ~0 for a perfectly flat frame", r.I)
	}
	if math.Abs(r.Background-42.0) > 1e-9 {
		t.Errorf("Background = %v, want 42", r.Background)
	}
	if r.NegativeIntensity {
		t.Error("NegativeIntensity should be false for I==0")
	}
}

func TestReflectionRecoversKnownSpikeIntensity(t *testing.T) {
	pd := flatPanelData(20, 20, 10.0)
	opt := DefaultOptions()

	var added float64
	cx, cy := 10, 10
	for dy := -opt.RInner; dy <= opt.RInner; dy++ {
		for dx := -opt.RInner; dx <= opt.RInner; dx++ {
			if dx*dx+dy*dy > opt.RInner*opt.RInner {
				continue
			}
			pd.Data[cy+dy][cx+dx] += 100.0
			added += 100.0
		}
	}

	r := &crystfel.Reflection{Fs: float64(cx), Ss: float64(cy), Partiality: 1.0}
	if err := Reflection(pd, r, 1.0, opt); err != nil {
		t.Fatalf("Reflection: %v", err)
	}
	if math.Abs(r.I-added) > 1e-6 {
		t.Errorf("I = %v, want %v (background-subtracted spike sum)", r.I, added)
	}
	if !r.Scalable {
		t.Error("a clean above-threshold reflection should be marked Scalable")
	}
}

func TestReflectionNegativeIntensityFlagged(t *testing.T) {
	pd := flatPanelData(20, 20, 100.0)
	cx, cy := 10, 10
	for dy := -3; dy <= 3; dy++ {
		for dx := -3; dx <= 3; dx++ {
			if dx*dx+dy*dy > 9 {
				continue
			}
			pd.Data[cy+dy][cx+dx] = 0
		}
	}

	r := &crystfel.Reflection{Fs: float64(cx), Ss: float64(cy), Partiality: 1.0}
	if err := Reflection(pd, r, 1.0, DefaultOptions()); err != nil {
		t.Fatalf("Reflection: %v", err)
	}
	if !r.NegativeIntensity {
		t.Error("NegativeIntensity should be true when the peak reads below the background")
	}
	if r.I >= 0 {
		t.Errorf("I = %v, want negative", r.I)
	}
}

func TestReflectionLowPartialityNotScalable(t *testing.T) {
	pd := flatPanelData(20, 20, 10.0)
	r := &crystfel.Reflection{Fs: 10, Ss: 10, Partiality: 0.01}
	if err := Reflection(pd, r, 1.0, DefaultOptions()); err != nil {
		t.Fatalf("Reflection: %v", err)
	}
	if r.Scalable {
		t.Error("a reflection below the partiality floor should never be marked Scalable")
	}
}

func TestReflectionBeyondResolutionCutoffNotScalable(t *testing.T) {
	pd := flatPanelData(20, 20, 10.0)
	opt := DefaultOptions()
	opt.ResolutionCutoff = 2.0

	var added float64
	cx, cy := 10, 10
	for dy := -opt.RInner; dy <= opt.RInner; dy++ {
		for dx := -opt.RInner; dx <= opt.RInner; dx++ {
			if dx*dx+dy*dy > opt.RInner*opt.RInner {
				continue
			}
			pd.Data[cy+dy][cx+dx] += 100.0
			added += 100.0
		}
	}

	r := &crystfel.Reflection{Fs: float64(cx), Ss: float64(cy), Partiality: 1.0}
	if err := Reflection(pd, r, 5.0, opt); err != nil {
		t.Fatalf("Reflection: %v", err)
	}
	if r.Scalable {
		t.Error("a reflection beyond ResolutionCutoff should never be marked Scalable")
	}
	if math.Abs(r.I-added) > 1e-6 {
		t.Errorf("I = %v, want %v (resolution cutoff affects Scalable, not I)", r.I, added)
	}
}

func TestReflectionNoOverpredictFailsWithoutPeakPixels(t *testing.T) {
	pd := flatPanelData(4, 4, 10.0)
	opt := DefaultOptions()
	opt.Overpredict = false

	r := &crystfel.Reflection{Fs: 100, Ss: 100, Partiality: 1.0}
	err := Reflection(pd, r, 1.0, opt)
	if err != crystfel.ErrIntegrationFailed {
		t.Errorf("Reflection err = %v, want ErrIntegrationFailed (no pixels in range and Overpredict=false)", err)
	}
}

func TestReflectionRejectSaturatedFailsComponent(t *testing.T) {
	pd := flatPanelData(20, 20, 10.0)
	pd.Saturated = make([][]bool, 20)
	for y := range pd.Saturated {
		pd.Saturated[y] = make([]bool, 20)
	}
	pd.Saturated[10][10] = true

	opt := DefaultOptions()
	opt.RejectSaturated = true

	r := &crystfel.Reflection{Fs: 10, Ss: 10, Partiality: 1.0}
	err := Reflection(pd, r, 1.0, opt)
	if err != crystfel.ErrIntegrationFailed {
		t.Errorf("Reflection err = %v, want ErrIntegrationFailed (saturated pixel in peak region)", err)
	}
}
