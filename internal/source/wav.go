// SPDX-License-Identifier: MIT
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	applog "freqviz/internal/log"
	"freqviz/pkg/signal"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var ErrInvalidWAV = errors.New("source: invalid WAV file")

// WAV replays the first channel of a PCM WAV file in real time. The playback
// rate is the configured sampling frequency, not the rate in the file header,
// so a rate change is heard as a pitch change.
type WAV struct {
	file    *os.File
	dec     *wav.Decoder
	buf     *audio.IntBuffer
	pace    pacer
	bits    int
	scale   float64 // 1 / full scale of the file's sample format.
	chans   int
	loop    bool
	fileHz  float64
	current float64
}

var (
	_ Source     = (*WAV)(nil)
	_ RateSetter = (*WAV)(nil)
)

// OpenWAV opens path for replay at sampleRate. A sampleRate of 0 uses the
// rate in the file header. With loop set the file rewinds at EOF; otherwise
// Read returns io.EOF.
func OpenWAV(path string, sampleRate float64, bits int, loop bool) (*WAV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", path, err)
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrInvalidWAV, path)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("source: reading PCM data of %s: %w", path, err)
	}
	if dec.BitDepth == 0 || dec.NumChans == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s has no PCM format", ErrInvalidWAV, path)
	}

	w := &WAV{
		file:   f,
		dec:    dec,
		bits:   bits,
		scale:  1 / float64(uint64(1)<<(dec.BitDepth-1)),
		chans:  int(dec.NumChans),
		loop:   loop,
		fileHz: float64(dec.SampleRate),
		buf: &audio.IntBuffer{
			Format: dec.Format(),
		},
	}
	if sampleRate <= 0 {
		sampleRate = w.fileHz
	}
	w.current = sampleRate
	w.pace.reset(sampleRate)

	applog.Infof("source: replaying %s (%d Hz, %d bit, %d ch) at %.0f Hz",
		path, dec.SampleRate, dec.BitDepth, dec.NumChans, sampleRate)
	return w, nil
}

func (w *WAV) Read(ctx context.Context, block []uint16) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	need := len(block) * w.chans
	if cap(w.buf.Data) < need {
		w.buf.Data = make([]int, need)
	}

	n, rewound := 0, false
	for n < len(block) {
		w.buf.Data = w.buf.Data[:(len(block)-n)*w.chans]
		got, err := w.dec.PCMBuffer(w.buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return n, fmt.Errorf("source: decoding WAV: %w", err)
		}
		frames := got / w.chans
		for i := range frames {
			block[n+i] = signal.ToCode(float64(w.buf.Data[i*w.chans])*w.scale, w.bits)
		}
		n += frames

		if frames > 0 {
			rewound = false
			continue
		}
		if !w.loop {
			return n, io.EOF
		}
		if rewound {
			return n, fmt.Errorf("%w: no PCM frames", ErrInvalidWAV)
		}
		rewound = true
		if err := w.dec.Rewind(); err != nil {
			return n, fmt.Errorf("source: rewinding WAV: %w", err)
		}
	}
	return n, w.pace.wait(ctx, n)
}

func (w *WAV) SampleRate() float64 { return w.current }

// FileSampleRate returns the rate stored in the WAV header.
func (w *WAV) FileSampleRate() float64 { return w.fileHz }

// SetSampleRate changes the playback rate.
func (w *WAV) SetSampleRate(fs float64) error {
	if !(fs > 0) {
		return fmt.Errorf("%w: %v", ErrRate, fs)
	}
	w.current = fs
	w.pace.reset(fs)
	return nil
}

func (w *WAV) Close() error {
	return w.file.Close()
}
