// SPDX-License-Identifier: MIT
//
// Package spectral turns a window of ADC codes into a magnitude spectrum:
// center on the ADC midpoint, apply a Hamming window, run a real FFT and keep
// the magnitude of the first N/2 bins.
package spectral

import (
	"errors"
	"fmt"
	"math/cmplx"

	applog "freqviz/internal/log"
	"freqviz/pkg/bitint"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
)

var (
	ErrWindowSize = errors.New("spectral: window size must be a power of 2 >= 4")
	ErrADCBits    = errors.New("spectral: adc bits out of range [2, 16]")
)

// Engine holds a fixed FFT plan and Hamming table. The window size cannot
// change after construction; a different size needs a new Engine.
//
// An Engine is not safe for concurrent use. The pipeline consumer is its only
// caller.
type Engine struct {
	fft        *fourier.FFT
	size       int
	mid        float64
	sampleRate float64

	window    []float64    // Hamming coefficients.
	input     []float64    // Centered, windowed samples.
	coeffs    []complex128 // FFT output, N/2+1 points.
	magnitude []float64    // First N/2 magnitudes, returned by Analyze.

	peakBin   int
	peakValue float64
	historic  float64
}

// NewEngine builds an engine for windows of windowSize samples of adcBits
// resolution captured at sampleRate Hz.
func NewEngine(windowSize, adcBits int, sampleRate float64) (*Engine, error) {
	if !bitint.IsPowerOfTwo(windowSize) || windowSize < 4 {
		return nil, fmt.Errorf("%w, got %d", ErrWindowSize, windowSize)
	}
	if adcBits < 2 || adcBits > 16 {
		return nil, fmt.Errorf("%w, got %d", ErrADCBits, adcBits)
	}

	coeffs := make([]float64, windowSize)
	for i := range coeffs {
		coeffs[i] = 1.0
	}
	window.Hamming(coeffs)

	applog.Debugf("spectral: initializing engine (size: %d, adc bits: %d, sample rate: %.1f Hz)",
		windowSize, adcBits, sampleRate)

	return &Engine{
		fft:        fourier.NewFFT(windowSize),
		size:       windowSize,
		mid:        float64(uint32(1) << (adcBits - 1)),
		sampleRate: sampleRate,
		window:     coeffs,
		input:      make([]float64, windowSize),
		coeffs:     make([]complex128, windowSize/2+1),
		magnitude:  make([]float64, windowSize/2),
	}, nil
}

// Analyze returns the N/2 bin magnitude spectrum of snapshot. A short snapshot
// is zero padded and extra samples are ignored. The returned slice is owned by
// the engine and overwritten by the next call.
func (e *Engine) Analyze(snapshot []uint16) []float64 {
	n := min(len(snapshot), e.size)
	for i := range n {
		e.input[i] = (float64(snapshot[i]) - e.mid) * e.window[i]
	}
	clear(e.input[n:])

	e.fft.Coefficients(e.coeffs, e.input)

	for i := range e.magnitude {
		e.magnitude[i] = cmplx.Abs(e.coeffs[i])
	}

	e.peakBin = floats.MaxIdx(e.magnitude)
	e.peakValue = e.magnitude[e.peakBin]
	if e.peakValue > e.historic {
		e.historic = e.peakValue
	}
	return e.magnitude
}

// Peak returns the bin index and magnitude of the largest bin seen by the last
// Analyze call.
func (e *Engine) Peak() (bin int, value float64) {
	return e.peakBin, e.peakValue
}

// HistoricMax returns the largest peak magnitude seen since construction or
// the last ResetHistory.
func (e *Engine) HistoricMax() float64 { return e.historic }

// ResetHistory forgets the historic maximum.
func (e *Engine) ResetHistory() { e.historic = 0 }

// SetSampleRate changes the Hz-per-bin used for reporting. The FFT plan and
// window table depend only on the window size and are kept.
func (e *Engine) SetSampleRate(fs float64) { e.sampleRate = fs }

// SampleRate returns the rate used for reporting.
func (e *Engine) SampleRate() float64 { return e.sampleRate }

// WindowSize returns the FFT length.
func (e *Engine) WindowSize() int { return e.size }

// BinWidth returns the width of one bin in Hz.
func (e *Engine) BinWidth() float64 { return e.sampleRate / float64(e.size) }

// BinRange returns the lower and upper edge of bin in Hz.
func (e *Engine) BinRange(bin int) (lo, hi float64) {
	w := e.BinWidth()
	return float64(bin) * w, float64(bin+1) * w
}
