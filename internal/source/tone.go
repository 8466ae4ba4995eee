// SPDX-License-Identifier: MIT
package source

import (
	"context"
	"fmt"

	"freqviz/pkg/signal"
)

// Tone is a synthetic sine source paced in real time.
type Tone struct {
	osc  *signal.Oscillator
	pace pacer
	freq float64
}

var (
	_ Source     = (*Tone)(nil)
	_ RateSetter = (*Tone)(nil)
)

// NewTone creates a sine source at freq Hz. amplitude is a fraction of full
// scale.
func NewTone(freq, amplitude, sampleRate float64, bits int) *Tone {
	t := &Tone{
		osc:  signal.NewOscillator(freq, sampleRate, amplitude, bits),
		freq: freq,
	}
	t.pace.reset(sampleRate)
	return t
}

func (t *Tone) Read(ctx context.Context, block []uint16) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.osc.Fill(block)
	return len(block), t.pace.wait(ctx, len(block))
}

func (t *Tone) SampleRate() float64 { return t.osc.SampleRate() }

// SetSampleRate keeps the tone frequency and restarts pacing at fs.
func (t *Tone) SetSampleRate(fs float64) error {
	if !(fs > 0) {
		return fmt.Errorf("%w: %v", ErrRate, fs)
	}
	t.osc.SetSampleRate(fs)
	t.pace.reset(fs)
	return nil
}

// Frequency returns the tone frequency in Hz.
func (t *Tone) Frequency() float64 { return t.freq }

func (t *Tone) Close() error { return nil }
