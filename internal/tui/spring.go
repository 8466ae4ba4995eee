// SPDX-License-Identifier: MIT
package tui

import (
	"math"

	"freqviz/internal/display"

	"github.com/charmbracelet/harmonica"
)

const (
	springFPS       = 30
	springFrequency = 8.0
	springDamping   = 1.0 // Critically damped, bars never overshoot full scale.
)

// springField eases bar heights toward each new frame.
type springField struct {
	spring harmonica.Spring
	pos    []float64
	vel    []float64
}

func newSpringField() *springField {
	return &springField{spring: harmonica.NewSpring(harmonica.FPS(springFPS), springFrequency, springDamping)}
}

func (s *springField) resize(n int) {
	if len(s.pos) == n {
		return
	}
	s.pos = make([]float64, n)
	s.vel = make([]float64, n)
}

// smooth returns a copy of v with every level moved one spring step toward
// its target. LED bitmasks are returned unchanged.
func (s *springField) smooth(v display.Vector) display.Vector {
	if v.Mode == display.LEDs {
		s.resize(0)
		return v
	}
	s.resize(len(v.Levels))

	out := v
	out.Levels = make([]uint32, len(v.Levels))
	for i, target := range v.Levels {
		p, vel := s.spring.Update(s.pos[i], s.vel[i], float64(target))
		s.pos[i], s.vel[i] = p, vel
		out.Levels[i] = uint32(min(max(math.Round(p), 0), float64(v.Full)))
	}
	return out
}
