// SPDX-License-Identifier: MIT
//
// Package bands maps FFT bins onto logarithmically spaced display bands.
//
// Recompute picks one breakpoint bin per band edge, repairs the sequence so it
// is strictly increasing, then drops bands that would sit above the maximum
// display frequency or past the last bin. The result always describes at least
// one band and every band owns at least one bin.
package bands

import (
	"fmt"
	"io"
	"math"
)

// MaxBands is the largest number of display bands a Mapper will produce.
const MaxBands = 300

// minFreqFloor keeps log10 defined for a zero or negative minimum frequency.
const minFreqFloor = 1.0

// Params are the inputs of a breakpoint computation.
type Params struct {
	MinFreq    float64 // Lowest displayed frequency (Hz).
	MaxFreq    float64 // Highest displayed frequency (Hz).
	Bands      int     // Requested band count.
	SampleRate float64 // Sampling frequency (Hz).
	WindowSize int     // FFT length.
}

// Breakpoints holds effective band count + 1 strictly increasing bin indices.
// Band k owns bins [bp[k], bp[k+1]).
type Breakpoints []int

// Bands returns the number of bands described.
func (bp Breakpoints) Bands() int {
	if len(bp) < 2 {
		return 0
	}
	return len(bp) - 1
}

// Band returns the half-open bin range of band k.
func (bp Breakpoints) Band(k int) (lo, hi int) {
	return bp[k], bp[k+1]
}

// Recompute returns the breakpoints for p and the effective band count, which
// is lower than p.Bands when the frequency resolution cannot support the
// request. It is deterministic: identical Params give identical breakpoints.
func Recompute(p Params) (Breakpoints, int) {
	half := p.WindowSize / 2
	if half < 2 || !(p.SampleRate > 0) {
		return nil, 0
	}
	last := half - 1

	n := min(max(p.Bands, 1), MaxBands)
	hz := p.SampleRate / float64(p.WindowSize)
	lo := math.Log10(math.Max(p.MinFreq, minFreqFloor))
	hi := math.Log10(math.Max(p.MaxFreq, minFreqFloor))
	step := (hi - lo) / float64(n)

	bp := make(Breakpoints, n+1)
	for k := range bp {
		bp[k] = nearestBin(math.Pow(10, lo+float64(k)*step), hz, last)
	}
	// Leave room for at least one band below the last bin.
	bp[0] = min(bp[0], last-1)

	for k := 1; k < len(bp); k++ {
		if bp[k] <= bp[k-1] {
			bp[k] = bp[k-1] + 1
		}
	}

	effective := n
	for k := 1; k <= n; k++ {
		if bp[k] > last {
			effective = max(k-1, 1)
			break
		}
		if hz*float64(bp[k]) > p.MaxFreq {
			effective = k
			break
		}
	}

	return bp[: effective+1 : effective+1], effective
}

// nearestBin returns the bin whose center is closest to target. Centers sit at
// (i+0.5)*hz. The first center above target and the one before it are
// compared and a tie goes to the lower bin.
func nearestBin(target, hz float64, last int) int {
	x := target/hz - 0.5
	if x >= float64(last) {
		return last
	}
	if !(x >= 0) {
		return 0
	}
	i := int(math.Floor(x)) + 1
	above := (float64(i) + 0.5) * hz
	below := above - hz
	if target-below <= above-target {
		return i - 1
	}
	return i
}

// Mapper caches the breakpoints of the current configuration and reports band
// count overrides.
type Mapper struct {
	// OnOverride is called with the effective band count whenever it is lower
	// than the requested one. It must not block.
	OnOverride func(effective int)

	params    Params
	bp        Breakpoints
	effective int
}

// NewMapper creates a Mapper that reports overrides to onOverride, which may
// be nil.
func NewMapper(onOverride func(effective int)) *Mapper {
	return &Mapper{OnOverride: onOverride}
}

// Recompute replaces the cached breakpoints with those for p.
func (m *Mapper) Recompute(p Params) Breakpoints {
	m.params = p
	m.bp, m.effective = Recompute(p)
	if m.effective < p.Bands && m.OnOverride != nil {
		m.OnOverride(m.effective)
	}
	return m.bp
}

// Breakpoints returns the cached breakpoints.
func (m *Mapper) Breakpoints() Breakpoints { return m.bp }

// Effective returns the band count of the cached breakpoints.
func (m *Mapper) Effective() int { return m.effective }

// Params returns the inputs of the last Recompute.
func (m *Mapper) Params() Params { return m.params }

// Row describes one band of a breakpoint table.
type Row struct {
	Band   int
	LoBin  int     // First bin of the band.
	HiBin  int     // Last bin of the band (inclusive).
	LoFreq float64 // Lower edge of LoBin (Hz).
	HiFreq float64 // Upper edge of HiBin (Hz).
}

// Table expands bp into one Row per band.
func Table(bp Breakpoints, hzPerBin float64) []Row {
	rows := make([]Row, 0, bp.Bands())
	for k := range bp.Bands() {
		lo, hi := bp.Band(k)
		rows = append(rows, Row{
			Band:   k,
			LoBin:  lo,
			HiBin:  hi - 1,
			LoFreq: float64(lo) * hzPerBin,
			HiFreq: float64(hi) * hzPerBin,
		})
	}
	return rows
}

// WriteTable prints one line per band in the form
// "band k: lo-hi Hz  bins a..b".
func WriteTable(w io.Writer, bp Breakpoints, hzPerBin float64) error {
	for _, r := range Table(bp, hzPerBin) {
		if _, err := fmt.Fprintf(w, "band %3d: %8.1f-%8.1f Hz  bins %d..%d\n",
			r.Band, r.LoFreq, r.HiFreq, r.LoBin, r.HiBin); err != nil {
			return err
		}
	}
	return nil
}
