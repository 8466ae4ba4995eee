// SPDX-License-Identifier: MIT
//
// Package capture owns the analysis window while samples arrive. A Buffer is
// either Streaming (a sliding window re-analyzed on every block) or Batch
// (filled serially, analyzed once, then re-armed). Both share the same
// Deliver/Ready contract so the producer loop does not branch on mode.
package capture

import (
	"fmt"
)

// Mode selects the acquisition strategy of a Buffer.
type Mode int

const (
	ModeStreaming Mode = iota // Sliding window, ready on every block once filled.
	ModeBatch                 // Serial fill, ready once per window.
)

func (m Mode) String() string {
	switch m {
	case ModeStreaming:
		return "streaming"
	case ModeBatch:
		return "batch"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// DefaultFPSThreshold is the windows-per-second rate above which batch mode is
// used. Below it a full window takes long enough to fill that a sliding window
// is needed to keep the display moving.
const DefaultFPSThreshold = 16

// Buffer is the shared contract of both acquisition strategies.
type Buffer interface {
	// Deliver stores block at offset. Violating the mode's offset contract
	// panics with *ProtocolError.
	Deliver(block []uint16, offset int)
	// Ready reports whether Snapshot holds a complete window.
	Ready() bool
	// Next tells the source what to capture next: n samples at offset.
	Next() (offset, n int)
	// Snapshot returns the window. It is only complete when Ready is true and
	// is overwritten by the next Deliver.
	Snapshot() []uint16
	// Reset discards all captured samples.
	Reset()
	Mode() Mode
	WindowSize() int
}

// SelectMode returns ModeBatch when samplingFreq/windowSize exceeds
// fpsThreshold and ModeStreaming otherwise.
func SelectMode(samplingFreq float64, windowSize int, fpsThreshold float64) Mode {
	if windowSize <= 0 {
		return ModeStreaming
	}
	if samplingFreq/float64(windowSize) > fpsThreshold {
		return ModeBatch
	}
	return ModeStreaming
}

// New builds a fresh buffer for mode. A new Streaming buffer starts with an
// empty shift window and a new Batch buffer starts at fill offset zero.
func New(mode Mode, windowSize, block int) Buffer {
	if mode == ModeBatch {
		return NewBatch(windowSize, block)
	}
	return NewStreaming(windowSize, block)
}

// ProtocolError reports a producer that broke the Deliver contract. It is
// raised with panic: continuing would corrupt the next analysis cycle.
type ProtocolError struct {
	Mode   Mode
	Offset int
	Length int
	Window int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("capture: %s protocol violation: %s (offset %d, block %d, window %d)",
		e.Mode, e.Reason, e.Offset, e.Length, e.Window)
}

func violate(mode Mode, offset, length, window int, reason string) {
	panic(&ProtocolError{Mode: mode, Offset: offset, Length: length, Window: window, Reason: reason})
}

func checkBounds(mode Mode, block []uint16, offset, window int) {
	if offset < 0 || len(block) == 0 || offset+len(block) > window {
		violate(mode, offset, len(block), window, "block overflows window")
	}
}

// Streaming keeps the most recent windowSize samples. Each delivery of K
// samples shifts the window left by K and appends at the tail.
type Streaming struct {
	window []uint16
	block  int
	filled int
}

var _ Buffer = (*Streaming)(nil)

// NewStreaming creates a sliding window of windowSize samples fed in blocks of
// block samples.
func NewStreaming(windowSize, block int) *Streaming {
	if block <= 0 || block > windowSize {
		block = windowSize
	}
	return &Streaming{
		window: make([]uint16, windowSize),
		block:  block,
	}
}

// Deliver shifts the window and appends block. offset must equal
// WindowSize()-len(block): the tail is the only place a streaming block lands.
func (s *Streaming) Deliver(block []uint16, offset int) {
	n := len(s.window)
	checkBounds(ModeStreaming, block, offset, n)
	k := len(block)
	if offset != n-k {
		violate(ModeStreaming, offset, k, n, "streaming block must land at the tail")
	}

	copy(s.window, s.window[k:])
	copy(s.window[n-k:], block)
	if s.filled < n {
		s.filled = min(s.filled+k, n)
	}
}

func (s *Streaming) Ready() bool { return s.filled == len(s.window) }

func (s *Streaming) Next() (int, int) { return len(s.window) - s.block, s.block }

func (s *Streaming) Snapshot() []uint16 { return s.window }

// Reset clears the shift buffer so the window must be refilled before the
// next analysis.
func (s *Streaming) Reset() {
	clear(s.window)
	s.filled = 0
}

func (s *Streaming) Mode() Mode      { return ModeStreaming }
func (s *Streaming) WindowSize() int { return len(s.window) }

// Batch fills the window serially and becomes ready once every sample of the
// window has arrived. It must be Reset before it accepts the next window.
type Batch struct {
	window []uint16
	block  int
	fill   int
}

var _ Buffer = (*Batch)(nil)

// NewBatch creates a window of windowSize samples fed in chunks of at most
// block samples.
func NewBatch(windowSize, block int) *Batch {
	if block <= 0 || block > windowSize {
		block = windowSize
	}
	return &Batch{
		window: make([]uint16, windowSize),
		block:  block,
	}
}

// Deliver stores block at offset, which must equal the current fill.
func (b *Batch) Deliver(block []uint16, offset int) {
	n := len(b.window)
	if b.fill == n {
		violate(ModeBatch, offset, len(block), n, "delivery while snapshot ready")
	}
	checkBounds(ModeBatch, block, offset, n)
	if offset != b.fill {
		violate(ModeBatch, offset, len(block), n, fmt.Sprintf("out of order delivery, expected offset %d", b.fill))
	}

	copy(b.window[offset:], block)
	b.fill = offset + len(block)
}

func (b *Batch) Ready() bool { return b.fill == len(b.window) }

// Next returns the current fill and the size of the next chunk. The last chunk
// of a window may be shorter than the configured block.
func (b *Batch) Next() (int, int) {
	return b.fill, min(b.block, len(b.window)-b.fill)
}

func (b *Batch) Snapshot() []uint16 { return b.window }

// Reset restarts the fill at offset zero.
func (b *Batch) Reset() { b.fill = 0 }

func (b *Batch) Mode() Mode      { return ModeBatch }
func (b *Batch) WindowSize() int { return len(b.window) }
