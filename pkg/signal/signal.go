// SPDX-License-Identifier: MIT
//
// Package signal generates synthetic ADC captures for tests and the tone
// source, and finds spectral peaks.
package signal

import "math"

// Mid returns the mid-scale code of a bits-wide unipolar ADC.
func Mid(bits int) float64 {
	return float64(uint32(1) << (bits - 1))
}

// ToCode maps x in [-1, 1] onto a bits-wide ADC code, clamping out of range
// values to the rails.
func ToCode(x float64, bits int) uint16 {
	mid := Mid(bits)
	top := 2*mid - 1
	v := math.Round(mid + x*mid)
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > top:
		return uint16(top)
	}
	return uint16(v)
}

// GenerateSineWave returns size ADC codes of a sine at frequency Hz with the
// given amplitude (fraction of full scale).
func GenerateSineWave(size int, sampleRate, frequency, amplitude float64, bits int) []uint16 {
	buffer := make([]uint16, size)
	for i := range buffer {
		t := float64(i) / sampleRate
		buffer[i] = ToCode(math.Sin(2*math.Pi*frequency*t)*amplitude, bits)
	}
	return buffer
}

// GenerateComplexWave returns a 440 Hz fundamental with its 2nd and 3rd
// harmonics at 90% of full scale.
func GenerateComplexWave(size int, sampleRate float64, bits int) []uint16 {
	buffer := make([]uint16, size)
	for i := range buffer {
		tm := float64(i) / sampleRate
		s := math.Sin(2*math.Pi*440*tm)*0.5 +
			math.Sin(2*math.Pi*880*tm)*0.3 +
			math.Sin(2*math.Pi*1320*tm)*0.2
		buffer[i] = ToCode(s*0.9, bits)
	}
	return buffer
}

// FindPeakBin returns the index of the largest magnitude in [startBin, endBin].
// Out of range bounds are clamped; an empty slice returns 0.
func FindPeakBin(magnitudes []float64, startBin, endBin int) int {
	if len(magnitudes) == 0 {
		return 0
	}

	if startBin < 0 {
		startBin = 0
	}

	if endBin >= len(magnitudes) {
		endBin = len(magnitudes) - 1
	}

	peakBin := startBin
	peakValue := magnitudes[startBin]

	for bin := startBin + 1; bin <= endBin; bin++ {
		if magnitudes[bin] > peakValue {
			peakValue = magnitudes[bin]
			peakBin = bin
		}
	}

	return peakBin
}

// Oscillator produces a phase-continuous sine across successive Fill calls.
type Oscillator struct {
	frequency  float64
	sampleRate float64
	amplitude  float64
	bits       int
	phase      float64
	step       float64
}

// NewOscillator creates an oscillator at frequency Hz.
func NewOscillator(frequency, sampleRate, amplitude float64, bits int) *Oscillator {
	o := &Oscillator{frequency: frequency, amplitude: amplitude, bits: bits}
	o.SetSampleRate(sampleRate)
	return o
}

// SetSampleRate changes the sample rate without a phase jump.
func (o *Oscillator) SetSampleRate(fs float64) {
	o.sampleRate = fs
	o.step = 2 * math.Pi * o.frequency / fs
}

// SampleRate returns the current sample rate.
func (o *Oscillator) SampleRate() float64 { return o.sampleRate }

// Fill writes the next len(dst) codes.
func (o *Oscillator) Fill(dst []uint16) {
	for i := range dst {
		dst[i] = ToCode(math.Sin(o.phase)*o.amplitude, o.bits)
		o.phase += o.step
		if o.phase >= 2*math.Pi {
			o.phase -= 2 * math.Pi
		}
	}
}
