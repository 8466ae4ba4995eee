// SPDX-License-Identifier: MIT
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	applog "freqviz/internal/log"
	"freqviz/pkg/signal"

	"github.com/gordonklaus/portaudio"
)

var ErrStreamClosed = errors.New("source: input stream is not open")

// paStream is the part of *portaudio.Stream used for capture.
type paStream interface {
	Start() error
	Read() error
	Stop() error
	Close() error
}

// paOpenStream opens a blocking stream that fills buf on every Read.
// Replaced in tests.
var paOpenStream = func(params portaudio.StreamParameters, buf []float32) (paStream, error) {
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// PortAudio captures one input channel with a blocking PortAudio stream and
// converts float samples to ADC codes. Initialize must have been called.
//
// The stream runs with a period of the smallest block the capture loop asks
// for. A larger request is assembled from consecutive periods, so every block
// is contiguous with the one before it.
type PortAudio struct {
	device  *portaudio.DeviceInfo
	stream  paStream
	latency time.Duration
	buf     []float32
	unread  []float32 // Tail of buf not yet handed out.
	bits    int
	rate    float64
}

var (
	_ Source     = (*PortAudio)(nil)
	_ RateSetter = (*PortAudio)(nil)
)

// OpenPortAudio opens deviceID (DefaultDevice for the system default) at
// sampleRate with a period of block frames.
func OpenPortAudio(deviceID int, sampleRate float64, block, bits int) (*PortAudio, error) {
	device, err := InputDevice(deviceID)
	if err != nil {
		return nil, err
	}
	if device.MaxInputChannels < 1 {
		return nil, fmt.Errorf("source: device %q has no input channels", device.Name)
	}

	p := &PortAudio{
		device:  device,
		latency: device.DefaultLowInputLatency,
		buf:     make([]float32, block),
		bits:    bits,
	}
	if err := p.open(sampleRate); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PortAudio) open(fs float64) error {
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Channels: 1,
			Device:   p.device,
			Latency:  p.latency,
		},
		Output: portaudio.StreamDeviceParameters{
			Channels: 0, // No output device
			Device:   nil,
		},
		FramesPerBuffer: len(p.buf),
		SampleRate:      fs,
	}

	stream, err := paOpenStream(params, p.buf)
	if err != nil {
		return fmt.Errorf("source: opening %q at %.0f Hz: %w", p.device.Name, fs, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("source: starting %q: %w", p.device.Name, err)
	}

	p.stream = stream
	p.unread = nil
	p.rate = fs
	applog.Infof("source: capturing from %q at %.0f Hz (%d frames, latency %s)",
		p.device.Name, fs, len(p.buf), p.latency)
	return nil
}

// Read blocks until block is filled from consecutive periods. Frames left
// over from the last period start the next block. An input overflow is
// reported as ErrOverrun alongside a full block.
func (p *PortAudio) Read(ctx context.Context, block []uint16) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if p.stream == nil {
		return 0, fmt.Errorf("%w: %q", ErrStreamClosed, p.device.Name)
	}

	n, overflowed := 0, false
	for n < len(block) {
		if len(p.unread) == 0 {
			err := p.stream.Read()
			if errors.Is(err, portaudio.InputOverflowed) {
				overflowed = true
			} else if err != nil {
				return n, fmt.Errorf("source: reading %q: %w", p.device.Name, err)
			}
			p.unread = p.buf
		}
		c := min(len(p.unread), len(block)-n)
		for i, x := range p.unread[:c] {
			block[n+i] = signal.ToCode(float64(x), p.bits)
		}
		p.unread = p.unread[c:]
		n += c
	}
	if overflowed {
		return n, ErrOverrun
	}
	return n, nil
}

func (p *PortAudio) SampleRate() float64 { return p.rate }

// SetSampleRate reopens the stream at fs. When the device refuses fs the
// stream is reopened at the previous rate and the error wraps ErrRate.
func (p *PortAudio) SetSampleRate(fs float64) error {
	if !(fs > 0) {
		return fmt.Errorf("%w: %v", ErrRate, fs)
	}
	prev := p.rate
	if err := p.stop(); err != nil {
		return err
	}
	err := p.open(fs)
	if err == nil {
		return nil
	}
	if rerr := p.open(prev); rerr != nil {
		return errors.Join(fmt.Errorf("%w: %w", ErrRate, err), rerr)
	}
	return fmt.Errorf("%w: %w", ErrRate, err)
}

func (p *PortAudio) stop() error {
	if p.stream == nil {
		return nil
	}
	if err := p.stream.Stop(); err != nil {
		return err
	}
	if err := p.stream.Close(); err != nil {
		return err
	}
	p.stream = nil
	return nil
}

func (p *PortAudio) Close() error { return p.stop() }
