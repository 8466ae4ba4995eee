// SPDX-License-Identifier: MIT
//
// Package agc normalizes band power against a per band running maximum. The
// maximum rises with every new peak and only falls through Decay, which the
// pipeline calls on its refresh ticker.
package agc

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"freqviz/internal/bands"
	"freqviz/internal/display"

	"gonum.org/v1/gonum/floats"
)

// Policy selects how the bins of a band are reduced to one power value.
type Policy int

const (
	Mean Policy = iota // Average magnitude over the band.
	Max                // Largest magnitude in the band.
)

var ErrUnknownPolicy = errors.New("agc: unknown policy")

func (p Policy) String() string {
	if p == Max {
		return "max"
	}
	return "mean"
}

// ParsePolicy converts "mean" or "max" (case-insensitive) to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(name) {
	case "mean", "avg", "average":
		return Mean, nil
	case "max", "peak":
		return Max, nil
	default:
		return Mean, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

// Normalizer holds the power state of every band. It is not safe for
// concurrent use.
type Normalizer struct {
	policy     Policy
	scaler     *display.Scaler
	power      []float64
	runningMax []float64
	intensity  []float64
}

// NewNormalizer creates a normalizer that renders through scaler.
func NewNormalizer(policy Policy, scaler *display.Scaler) *Normalizer {
	return &Normalizer{policy: policy, scaler: scaler}
}

// Reset zeroes all state and sizes it for n bands. The first cycles after a
// reset render blank until a non-zero reading seeds the running maxima.
func (n *Normalizer) Reset(bandCount int) {
	n.power = make([]float64, bandCount)
	n.runningMax = make([]float64, bandCount)
	n.intensity = make([]float64, bandCount)
	if n.scaler != nil {
		n.scaler.Reset(bandCount)
	}
}

// Normalize returns one intensity in [0,1] per band of bp. The returned slice
// is reused by the next call.
func (n *Normalizer) Normalize(spectrum []float64, bp bands.Breakpoints) []float64 {
	count := bp.Bands()
	if len(n.runningMax) != count {
		n.Reset(count)
	}

	for k := range count {
		lo, hi := bp.Band(k)
		hi = min(hi, len(spectrum))
		p := 0.0
		if lo < hi {
			seg := spectrum[lo:hi]
			if n.policy == Max {
				p = floats.Max(seg)
			} else {
				p = floats.Sum(seg) / float64(len(seg))
			}
		}
		if math.IsNaN(p) || p < 0 {
			p = 0
		}
		n.power[k] = p

		if p > n.runningMax[k] {
			n.runningMax[k] = p
		}

		x := 0.0
		if m := n.runningMax[k]; m > 0 {
			x = p / m
		}
		if math.IsNaN(x) {
			x = 0
		}
		n.intensity[k] = min(max(x, 0), 1)
	}
	return n.intensity
}

// Update normalizes spectrum and renders the intensities into a fresh
// display vector.
func (n *Normalizer) Update(spectrum []float64, bp bands.Breakpoints) display.Vector {
	return n.scaler.Scale(n.Normalize(spectrum, bp))
}

// Decay multiplies every running maximum by rate, clamped to [0,1]. A NaN
// rate leaves the state unchanged.
func (n *Normalizer) Decay(rate float64) {
	if math.IsNaN(rate) {
		return
	}
	floats.Scale(min(max(rate, 0), 1), n.runningMax)
}

// RunningMax returns the current per band maxima. The slice is owned by the
// normalizer.
func (n *Normalizer) RunningMax() []float64 { return n.runningMax }

// Power returns the band power computed by the last Normalize call.
func (n *Normalizer) Power() []float64 { return n.power }

// Policy returns the band power policy.
func (n *Normalizer) Policy() Policy { return n.policy }
