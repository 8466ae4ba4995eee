// SPDX-License-Identifier: MIT
package agc

import (
	"math"
	"math/rand/v2"
	"testing"

	"freqviz/internal/bands"
	"freqviz/internal/display"
)

func newTestNormalizer(policy Policy) *Normalizer {
	return NewNormalizer(policy, display.NewScaler(display.Bars, 185, 8))
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("MAX"); p != Max || err != nil {
		t.Errorf("ParsePolicy(MAX) = %v, %v", p, err)
	}
	if p, err := ParsePolicy("mean"); p != Mean || err != nil {
		t.Errorf("ParsePolicy(mean) = %v, %v", p, err)
	}
	if _, err := ParsePolicy("median"); err == nil {
		t.Error("expected an error for an unknown policy")
	}
}

func TestIntensityAlwaysBounded(t *testing.T) {
	n := newTestNormalizer(Mean)
	bp := bands.Breakpoints{0, 2, 5, 9, 16}
	rng := rand.New(rand.NewPCG(1, 2))

	// Initial all-zero state.
	for k, x := range n.Normalize(make([]float64, 16), bp) {
		if x != 0 {
			t.Fatalf("band %d = %v on a zero spectrum with zero maxima", k, x)
		}
	}

	spectrum := make([]float64, 16)
	for cycle := range 500 {
		for i := range spectrum {
			spectrum[i] = rng.Float64() * 1000
		}
		if cycle%50 == 0 {
			spectrum[3] = math.NaN()
		}
		if cycle%7 == 0 {
			n.Decay(0.9)
		}
		for k, x := range n.Normalize(spectrum, bp) {
			if !(x >= 0 && x <= 1) {
				t.Fatalf("cycle %d band %d intensity %v out of [0,1]", cycle, k, x)
			}
		}
	}
}

func TestRunningMaxTracksRisingPeaks(t *testing.T) {
	n := newTestNormalizer(Mean)
	bp := bands.Breakpoints{0, 4}
	spectrum := make([]float64, 4)

	for i := 1; i <= 20; i++ {
		for j := range spectrum {
			spectrum[j] = float64(i * i)
		}
		out := n.Normalize(spectrum, bp)
		if got := n.RunningMax()[0]; got != float64(i*i) {
			t.Fatalf("cycle %d: running max %v, want %v", i, got, float64(i*i))
		}
		if out[0] != 1 {
			t.Fatalf("cycle %d: intensity %v, want 1", i, out[0])
		}
	}
}

func TestDecayIsGeometric(t *testing.T) {
	n := newTestNormalizer(Mean)
	bp := bands.Breakpoints{0, 1, 2}
	n.Normalize([]float64{800, 50}, bp)

	const (
		r     = 0.999
		ticks = 5000
	)
	for range ticks {
		n.Decay(r)
	}

	for k, initial := range []float64{800, 50} {
		want := initial * math.Pow(r, ticks)
		if got := n.RunningMax()[k]; math.Abs(got-want) > 1e-9*initial {
			t.Errorf("band %d: running max %v after %d ticks, want %v", k, got, ticks, want)
		}
	}
}

func TestDecayClampsRate(t *testing.T) {
	n := newTestNormalizer(Mean)
	bp := bands.Breakpoints{0, 1}
	n.Normalize([]float64{10}, bp)

	n.Decay(1.5)
	if got := n.RunningMax()[0]; got != 10 {
		t.Errorf("rate above 1 grew the max to %v", got)
	}
	n.Decay(math.NaN())
	if got := n.RunningMax()[0]; got != 10 {
		t.Errorf("NaN rate changed the max to %v", got)
	}
	n.Decay(-1)
	if got := n.RunningMax()[0]; got != 0 {
		t.Errorf("negative rate left the max at %v", got)
	}
}

func TestPolicies(t *testing.T) {
	spectrum := []float64{1, 2, 3, 6}
	bp := bands.Breakpoints{0, 4}

	mean := newTestNormalizer(Mean)
	mean.Normalize(spectrum, bp)
	if got := mean.Power()[0]; got != 3 {
		t.Errorf("mean power = %v, want 3", got)
	}

	peak := newTestNormalizer(Max)
	peak.Normalize(spectrum, bp)
	if got := peak.Power()[0]; got != 6 {
		t.Errorf("max power = %v, want 6", got)
	}
}

func TestBandsDoNotShareBins(t *testing.T) {
	n := newTestNormalizer(Max)
	n.Normalize([]float64{0, 9, 0, 0}, bands.Breakpoints{0, 1, 2, 4})
	power := n.Power()
	if power[0] != 0 || power[1] != 9 || power[2] != 0 {
		t.Errorf("power = %v, want only band 1 to see bin 1", power)
	}
}

func TestResetOnBandCountChange(t *testing.T) {
	n := newTestNormalizer(Mean)
	n.Normalize([]float64{5, 5, 5, 5}, bands.Breakpoints{0, 2, 4})
	n.Normalize([]float64{5, 5, 5, 5}, bands.Breakpoints{0, 1, 2, 3})

	if len(n.RunningMax()) != 3 {
		t.Fatalf("running max not resized: %v", n.RunningMax())
	}

	n.Reset(3)
	for k, m := range n.RunningMax() {
		if m != 0 {
			t.Errorf("band %d running max %v after Reset", k, m)
		}
	}
}

func TestUpdateScales(t *testing.T) {
	n := newTestNormalizer(Mean)
	bp := bands.Breakpoints{0, 1, 2}
	n.Normalize([]float64{10, 10}, bp)

	v := n.Update([]float64{5, 10}, bp)
	if v.Mode != display.Bars || v.Full != 185 {
		t.Fatalf("vector = %+v", v)
	}
	if v.Levels[0] != 92 || v.Levels[1] != 185 {
		t.Errorf("levels = %v, want [92 185]", v.Levels)
	}
}

func TestNormalizeHotPath(t *testing.T) {
	n := newTestNormalizer(Mean)
	bp, _ := bands.Recompute(bands.Params{MinFreq: 40, MaxFreq: 13000, Bands: 75, SampleRate: 26000, WindowSize: 2048})
	spectrum := make([]float64, 1024)
	for i := range spectrum {
		spectrum[i] = float64(i % 17)
	}

	n.Normalize(spectrum, bp)
	allocs := testing.AllocsPerRun(100, func() {
		n.Normalize(spectrum, bp)
	})
	if allocs > 0 {
		t.Errorf("Expected zero allocations in Normalize, got %.1f", allocs)
	}
}
