// SPDX-License-Identifier: MIT
package source

import (
	"context"
	"errors"
	"fmt"
	"os"

	applog "freqviz/internal/log"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Recording tees every block read from a source into a 16-bit mono WAV file.
// A write failure stops the recording but not the capture.
type Recording struct {
	src   Source
	path  string
	file  *os.File
	enc   *wav.Encoder
	buf   *audio.IntBuffer
	mid   int
	shift uint
}

var (
	_ Source     = (*Recording)(nil)
	_ RateSetter = (*Recording)(nil)
)

// Record starts writing the samples of src to path. bits is the ADC
// resolution of the codes src produces.
func Record(src Source, path string, bits int) (*Recording, error) {
	if bits < 2 || bits > 16 {
		return nil, fmt.Errorf("source: cannot record %d-bit codes", bits)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("source: create recording: %w", err)
	}

	rate := int(src.SampleRate())
	return &Recording{
		src:  src,
		path: path,
		file: file,
		enc:  wav.NewEncoder(file, rate, 16, 1, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
			SourceBitDepth: 16,
		},
		mid:   1 << (bits - 1),
		shift: uint(16 - bits),
	}, nil
}

func (r *Recording) Read(ctx context.Context, block []uint16) (int, error) {
	n, err := r.src.Read(ctx, block)
	if n > 0 && r.enc != nil && (err == nil || errors.Is(err, ErrOverrun)) {
		r.buf.Data = r.buf.Data[:0]
		for _, code := range block[:n] {
			r.buf.Data = append(r.buf.Data, (int(code)-r.mid)<<r.shift)
		}
		if werr := r.enc.Write(r.buf); werr != nil {
			applog.Errorf("source: recording to %s stopped: %v", r.path, werr)
			r.finish()
		}
	}
	return n, err
}

func (r *Recording) SampleRate() float64 { return r.src.SampleRate() }

// SetSampleRate forwards to the recorded source. The file keeps the rate it
// was started with.
func (r *Recording) SetSampleRate(fs float64) error {
	rs, ok := r.src.(RateSetter)
	if !ok {
		return ErrRate
	}
	if err := rs.SetSampleRate(fs); err != nil {
		return err
	}
	if r.enc != nil && float64(r.enc.SampleRate) != fs {
		applog.Warnf("source: %s keeps its %d Hz header after the change to %.0f Hz",
			r.path, r.enc.SampleRate, fs)
	}
	return nil
}

// finish writes the WAV header and closes the file.
func (r *Recording) finish() error {
	if r.enc == nil {
		return nil
	}
	err := r.enc.Close()
	r.enc = nil
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close finalizes the file and closes the recorded source.
func (r *Recording) Close() error {
	return errors.Join(r.finish(), r.src.Close())
}
