// SPDX-License-Identifier: MIT
//
// Package display converts normalized band intensities into what a sink
// draws: bar heights, bar heights with falling peak markers, or LED bitmasks.
package display

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Mode selects how intensities are rendered.
type Mode int

const (
	Bars Mode = iota // Bar height per band.
	Rain             // Bar height plus a falling peak marker.
	LEDs             // Bitmask of lit steps per band.
)

var ErrUnknownMode = errors.New("display: unknown mode")

func (m Mode) String() string {
	switch m {
	case Bars:
		return "bars"
	case Rain:
		return "rain"
	case LEDs:
		return "leds"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Next cycles bars -> rain -> leds -> bars.
func (m Mode) Next() Mode {
	return (m + 1) % 3
}

// ParseMode converts a name (case-insensitive) to a Mode. Unknown names return
// Bars and ErrUnknownMode.
func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(name) {
	case "bars", "bar":
		return Bars, nil
	case "rain", "peak":
		return Rain, nil
	case "leds", "led", "bitmask":
		return LEDs, nil
	default:
		return Bars, fmt.Errorf("%w: %q", ErrUnknownMode, name)
	}
}

// Vector is one frame for a display sink. It is built fresh for every cycle
// and may be retained by the sink.
type Vector struct {
	Mode   Mode
	Full   uint32   // Full-scale level: bar height, or step count for LEDs.
	Levels []uint32 // Per band height, or bitmask of lit steps for LEDs.
	Peaks  []uint32 // Per band peak marker height. Rain only.
}

// Height maps an intensity in [0,1] onto 0..height.
func Height(intensity float64, height int) uint32 {
	if !(intensity > 0) {
		return 0
	}
	if intensity >= 1 {
		return uint32(height)
	}
	return uint32(math.Floor(intensity * float64(height)))
}

// Bitmask lights step j (bit j) when intensity >= (j+1)/steps. Lit steps are
// always contiguous from bit 0.
func Bitmask(intensity float64, steps int) uint32 {
	if !(intensity > 0) || steps <= 0 {
		return 0
	}
	steps = min(steps, 32)
	lit := min(int(math.Floor(intensity*float64(steps)+1e-9)), steps)
	if lit == 32 {
		return math.MaxUint32
	}
	return uint32(1)<<lit - 1
}

// Scaler renders intensities for one display mode.
type Scaler struct {
	mode   Mode
	height int
	steps  int
	hold   *PeakHold
}

// NewScaler creates a scaler. height applies to Bars and Rain, steps to LEDs.
func NewScaler(mode Mode, height, steps int) *Scaler {
	return &Scaler{
		mode:   mode,
		height: max(height, 1),
		steps:  min(max(steps, 1), 32),
		hold:   &PeakHold{},
	}
}

// Mode returns the active mode.
func (s *Scaler) Mode() Mode { return s.mode }

// SetMode switches the render mode and forgets the peak markers.
func (s *Scaler) SetMode(m Mode) {
	s.mode = m
	s.hold.Reset(0)
}

// Reset forgets all per band state.
func (s *Scaler) Reset(bands int) { s.hold.Reset(bands) }

// Scale renders one frame.
func (s *Scaler) Scale(intensity []float64) Vector {
	v := Vector{Mode: s.mode, Levels: make([]uint32, len(intensity))}

	switch s.mode {
	case LEDs:
		v.Full = uint32(s.steps)
		for k, x := range intensity {
			v.Levels[k] = Bitmask(x, s.steps)
		}
	default:
		v.Full = uint32(s.height)
		for k, x := range intensity {
			v.Levels[k] = Height(x, s.height)
		}
		if s.mode == Rain {
			v.Peaks = append([]uint32(nil), s.hold.Update(v.Levels)...)
		}
	}
	return v
}

// PeakHold keeps a marker above each bar. A marker jumps to a higher bar at
// once; otherwise it falls by an increasing amount every frame (0, 1, 2, ...)
// until it reaches the bar.
type PeakHold struct {
	pos     []uint32
	gravity []uint32
}

// Reset sizes the hold for bands and drops every marker to zero.
func (p *PeakHold) Reset(bands int) {
	p.pos = make([]uint32, bands)
	p.gravity = make([]uint32, bands)
}

// Update advances every marker one frame and returns the marker heights. The
// returned slice is reused by the next call.
func (p *PeakHold) Update(levels []uint32) []uint32 {
	if len(p.pos) != len(levels) {
		p.Reset(len(levels))
	}
	for k, level := range levels {
		if level >= p.pos[k] {
			p.pos[k] = level
			p.gravity[k] = 0
			continue
		}
		if p.pos[k]-level > p.gravity[k] {
			p.pos[k] -= p.gravity[k]
			p.gravity[k]++
		} else {
			p.pos[k] = level
			p.gravity[k] = 0
		}
	}
	return p.pos
}
