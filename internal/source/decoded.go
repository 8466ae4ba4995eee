// SPDX-License-Identifier: MIT
package source

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	applog "freqviz/internal/log"
	"freqviz/pkg/signal"

	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	"github.com/mewkiz/flac"
)

var ErrUnsupportedFile = errors.New("source: unsupported audio file")

// frameDecoder yields the first channel of a compressed stream as samples in
// [-1, 1).
type frameDecoder interface {
	decode(dst []float64) (int, error)
	rewind() error
	sampleRate() int
	channels() int
}

// Decoded replays an MP3, FLAC or Ogg Vorbis file in real time. Like WAV, it
// plays at the configured sampling frequency rather than the file's rate.
type Decoded struct {
	path    string
	file    *os.File
	dec     frameDecoder
	pace    pacer
	bits    int
	loop    bool
	fileHz  float64
	current float64
	scratch []float64
}

var (
	_ Source     = (*Decoded)(nil)
	_ RateSetter = (*Decoded)(nil)
)

// OpenFile opens path for replay, choosing the decoder by file extension.
func OpenFile(path string, sampleRate float64, bits int, loop bool) (Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return OpenWAV(path, sampleRate, bits, loop)
	case ".mp3", ".flac", ".ogg", ".oga":
		return OpenDecoded(path, sampleRate, bits, loop)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, path)
	}
}

// OpenDecoded opens a compressed file for replay at sampleRate. A sampleRate
// of 0 uses the rate of the stream.
func OpenDecoded(path string, sampleRate float64, bits int, loop bool) (*Decoded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", path, err)
	}

	var dec frameDecoder
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		dec, err = newMP3Frames(f)
	case ".flac":
		dec, err = newFLACFrames(f)
	case ".ogg", ".oga":
		dec, err = newOggFrames(f)
	default:
		err = ErrUnsupportedFile
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("source: decoding %s: %w", path, err)
	}

	d := newDecoded(path, dec, sampleRate, bits, loop)
	d.file = f
	applog.Infof("source: replaying %s (%d Hz, %d ch) at %.0f Hz",
		path, dec.sampleRate(), dec.channels(), d.current)
	return d, nil
}

func newDecoded(path string, dec frameDecoder, sampleRate float64, bits int, loop bool) *Decoded {
	d := &Decoded{
		path:   path,
		dec:    dec,
		bits:   bits,
		loop:   loop,
		fileHz: float64(dec.sampleRate()),
	}
	if sampleRate <= 0 {
		sampleRate = d.fileHz
	}
	d.current = sampleRate
	d.pace.reset(sampleRate)
	return d
}

func (d *Decoded) Read(ctx context.Context, block []uint16) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if cap(d.scratch) < len(block) {
		d.scratch = make([]float64, len(block))
	}

	n, rewound := 0, false
	for n < len(block) {
		got, err := d.dec.decode(d.scratch[:len(block)-n])
		for i := range got {
			block[n+i] = signal.ToCode(d.scratch[i], d.bits)
		}
		n += got
		if got > 0 {
			rewound = false
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			return n, fmt.Errorf("source: decoding %s: %w", d.path, err)
		}
		if !d.loop {
			return n, io.EOF
		}
		if rewound {
			return n, fmt.Errorf("%w: %s has no audio", ErrUnsupportedFile, d.path)
		}
		rewound = true
		if err := d.dec.rewind(); err != nil {
			return n, fmt.Errorf("source: rewinding %s: %w", d.path, err)
		}
	}
	return n, d.pace.wait(ctx, n)
}

func (d *Decoded) SampleRate() float64 { return d.current }

// FileSampleRate returns the rate of the decoded stream.
func (d *Decoded) FileSampleRate() float64 { return d.fileHz }

// SetSampleRate changes the playback rate.
func (d *Decoded) SetSampleRate(fs float64) error {
	if !(fs > 0) {
		return fmt.Errorf("%w: %v", ErrRate, fs)
	}
	d.current = fs
	d.pace.reset(fs)
	return nil
}

func (d *Decoded) Close() error {
	if d.file == nil {
		return nil
	}
	return d.file.Close()
}

// mp3Frames reads the left channel of the 16-bit stereo PCM go-mp3 produces.
type mp3Frames struct {
	dec *mp3.Decoder
	raw []byte
}

func newMP3Frames(f *os.File) (*mp3Frames, error) {
	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, err
	}
	return &mp3Frames{dec: dec}, nil
}

func (m *mp3Frames) decode(dst []float64) (int, error) {
	const frameSize = 4
	need := len(dst) * frameSize
	if cap(m.raw) < need {
		m.raw = make([]byte, need)
	}
	raw := m.raw[:need]

	got, err := io.ReadFull(m.dec, raw)
	frames := got / frameSize
	for i := range frames {
		dst[i] = float64(int16(binary.LittleEndian.Uint16(raw[i*frameSize:]))) / 32768
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return frames, err
}

func (m *mp3Frames) rewind() error {
	_, err := m.dec.Seek(0, io.SeekStart)
	return err
}

func (m *mp3Frames) sampleRate() int { return m.dec.SampleRate() }
func (m *mp3Frames) channels() int   { return 2 }

// flacFrames walks FLAC frames and keeps the unread tail of the last one.
type flacFrames struct {
	stream  *flac.Stream
	pending []int32
	scale   float64
}

func newFLACFrames(f *os.File) (*flacFrames, error) {
	stream, err := flac.NewSeek(f)
	if err != nil {
		return nil, err
	}
	if stream.Info.BitsPerSample == 0 || stream.Info.NChannels == 0 {
		return nil, errors.New("missing stream info")
	}
	return &flacFrames{
		stream: stream,
		scale:  1 / float64(uint64(1)<<(stream.Info.BitsPerSample-1)),
	}, nil
}

func (fl *flacFrames) decode(dst []float64) (int, error) {
	n := 0
	for n < len(dst) {
		if len(fl.pending) == 0 {
			frame, err := fl.stream.ParseNext()
			if err != nil {
				return n, err
			}
			if len(frame.Subframes) == 0 {
				continue
			}
			fl.pending = frame.Subframes[0].Samples
		}
		c := min(len(fl.pending), len(dst)-n)
		for i, s := range fl.pending[:c] {
			dst[n+i] = float64(s) * fl.scale
		}
		fl.pending = fl.pending[c:]
		n += c
	}
	return n, nil
}

func (fl *flacFrames) rewind() error {
	fl.pending = nil
	_, err := fl.stream.Seek(0)
	return err
}

func (fl *flacFrames) sampleRate() int { return int(fl.stream.Info.SampleRate) }
func (fl *flacFrames) channels() int   { return int(fl.stream.Info.NChannels) }

// oggFrames reads the first channel of interleaved Vorbis samples.
type oggFrames struct {
	r   *oggvorbis.Reader
	raw []float32
}

func newOggFrames(f *os.File) (*oggFrames, error) {
	r, err := oggvorbis.NewReader(f)
	if err != nil {
		return nil, err
	}
	if r.Channels() == 0 {
		return nil, errors.New("no channels")
	}
	return &oggFrames{r: r}, nil
}

func (o *oggFrames) decode(dst []float64) (int, error) {
	ch := o.r.Channels()
	need := len(dst) * ch
	if cap(o.raw) < need {
		o.raw = make([]float32, need)
	}

	got, err := o.r.Read(o.raw[:need])
	frames := got / ch
	for i := range frames {
		dst[i] = float64(o.raw[i*ch])
	}
	if err == nil && got == 0 {
		err = io.EOF
	}
	return frames, err
}

func (o *oggFrames) rewind() error { return o.r.SetPosition(0) }

func (o *oggFrames) sampleRate() int { return o.r.SampleRate() }
func (o *oggFrames) channels() int   { return o.r.Channels() }
