// SPDX-License-Identifier: MIT
//
// Package source delivers blocks of raw ADC codes to the capture loop. Every
// source blocks in Read until a block is available, so a synthetic source is
// paced at its sample rate exactly like a live device.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"freqviz/internal/config"
)

var (
	// ErrOverrun reports samples lost because the source was not read in time.
	// The block returned with it is complete but not contiguous with the last.
	ErrOverrun = errors.New("source: overrun")
	// ErrRate reports a sample rate the source cannot run at.
	ErrRate = errors.New("source: unsupported sample rate")
)

// Source produces ADC codes of a single channel.
type Source interface {
	// Read fills block and returns the number of samples written. A count
	// below len(block) is a transfer size mismatch.
	Read(ctx context.Context, block []uint16) (int, error)
	// SampleRate returns the current sampling frequency in Hz.
	SampleRate() float64
	Close() error
}

// RateSetter is implemented by sources whose sampling frequency can be changed
// while open. It is never called concurrently with Read.
type RateSetter interface {
	SetSampleRate(fs float64) error
}

// Open builds the source selected by cfg.Source.Kind. block is the smallest
// block the capture loop will request; a live device uses it as its period.
// With cfg.Source.Record set the source is wrapped in a Recording.
func Open(cfg *config.Config, block int) (Source, error) {
	src, err := open(cfg, block)
	if err != nil || cfg.Source.Record == "" {
		return src, err
	}
	rec, err := Record(src, cfg.Source.Record, cfg.Capture.ADCBits)
	if err != nil {
		src.Close()
		return nil, err
	}
	return rec, nil
}

func open(cfg *config.Config, block int) (Source, error) {
	fs := cfg.Capture.SampleRate
	bits := cfg.Capture.ADCBits
	switch cfg.Source.Kind {
	case config.SourceTone:
		return NewTone(cfg.Source.ToneFreq, cfg.Source.ToneAmplitude, fs, bits), nil
	case config.SourceWAV:
		return OpenWAV(cfg.Source.File, fs, bits, cfg.Source.Loop)
	case config.SourceFile:
		return OpenFile(cfg.Source.File, fs, bits, cfg.Source.Loop)
	case config.SourcePortAudio:
		return OpenPortAudio(cfg.Source.Device, fs, block, bits)
	default:
		return nil, fmt.Errorf("source: unknown kind %q", cfg.Source.Kind)
	}
}

// maxLag is how far a paced source may fall behind real time before it
// drops the backlog and reports an overrun.
const maxLag = 250 * time.Millisecond

// pacer holds a synthetic source to real time.
type pacer struct {
	rate   float64
	start  time.Time
	frames int64
}

func (p *pacer) reset(rate float64) {
	p.rate = rate
	p.start = time.Time{}
	p.frames = 0
}

// wait blocks until n more samples are due.
func (p *pacer) wait(ctx context.Context, n int) error {
	now := time.Now()
	if p.start.IsZero() {
		p.start = now
	}
	p.frames += int64(n)
	due := p.start.Add(time.Duration(float64(p.frames) / p.rate * float64(time.Second)))

	d := due.Sub(now)
	if d < -maxLag {
		p.start, p.frames = now, 0
		return ErrOverrun
	}
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
