// SPDX-License-Identifier: MIT
package tui

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"freqviz/internal/bands"
	"freqviz/internal/config"
	"freqviz/internal/display"
	"freqviz/internal/pipeline"
	"freqviz/internal/transport"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	barStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#25A065"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F25D94"))
)

// sampleRates are the rates offered by the < and > keys.
var sampleRates = []float64{8000, 11025, 16000, 22050, 26000, 32000, 44100, 44600, 48000, 96000}

const (
	freqStep   = 1.122462 // A sixth of an octave.
	minDecay   = 0.5
	maxDecay   = 0.99999
	chromeRows = 6
)

type (
	frameMsg    display.Vector
	overrideMsg int
	rateMsg     float64
	statsMsg    pipeline.StatsSnapshot
)

// Model is the Bubble Tea model of the spectrum view. Key presses edit a copy
// of the settings and publish it on the settings channel.
type Model struct {
	settings  config.Settings
	requested int
	effective int
	frame     display.Vector
	haveFrame bool
	width     int
	height    int
	help      help.Model
	warning   string
	spring    *springField // nil while smoothing is off.

	out   chan config.Settings
	stats func() pipeline.StatsSnapshot
	last  pipeline.StatsSnapshot
	rate  pipeline.StatsSnapshot
}

// NewModel creates a model that publishes edited settings on out. stats may
// be nil.
func NewModel(initial config.Settings, out chan config.Settings, stats func() pipeline.StatsSnapshot) Model {
	return Model{
		settings:  initial,
		requested: initial.Bands,
		effective: initial.Bands,
		width:     80,
		height:    24,
		help:      help.New(),
		out:       out,
		stats:     stats,
	}
}

// Settings returns the settings the model last published.
func (m Model) Settings() config.Settings { return m.settings }

// Effective returns the band count currently drawn.
func (m Model) Effective() int { return m.effective }

func (m Model) Init() tea.Cmd {
	if m.stats == nil {
		return nil
	}
	return m.tick()
}

func (m Model) tick() tea.Cmd {
	stats := m.stats
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return statsMsg(stats())
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width

	case frameMsg:
		m.frame = display.Vector(msg)
		if m.spring != nil {
			m.frame = m.spring.smooth(m.frame)
		}
		m.haveFrame = true

	case overrideMsg:
		// The next +/- starts from what is actually drawn.
		m.effective = int(msg)
		m.settings.Bands = int(msg)

	case rateMsg:
		// The source refused the requested rate. Edits continue from the
		// rate it runs at so a key press does not ask for it again.
		fs := float64(msg)
		m.warning = fmt.Sprintf("source cannot run at %.0f Hz, staying at %.0f Hz", m.settings.SampleRate, fs)
		m.settings.SampleRate = fs
		m.settings.MaxFreq = min(m.settings.MaxFreq, fs/2)

	case statsMsg:
		cur := pipeline.StatsSnapshot(msg)
		m.rate = cur.Sub(m.last)
		m.last = cur
		return m, m.tick()

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			return m, tea.Quit
		}
		if key.Matches(msg, keys.ToggleHelp) {
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		}
		if key.Matches(msg, keys.Smooth) {
			if m.spring == nil {
				m.spring = newSpringField()
			} else {
				m.spring = nil
			}
			return m, nil
		}
		next, ok := adjust(m.settings, msg)
		if !ok || next == m.settings {
			return m, nil
		}
		if err := next.Validate(); err != nil {
			m.warning = err.Error()
			return m, nil
		}
		m.warning = ""
		m.settings = next
		m.requested = next.Bands
		m.effective = next.Bands
		if m.out != nil {
			latest(m.out, next)
		}
	}
	return m, nil
}

// adjust applies the edit bound to msg. ok is false for unbound keys.
func adjust(s config.Settings, msg tea.KeyMsg) (config.Settings, bool) {
	switch {
	case key.Matches(msg, keys.MoreBands):
		s.Bands = min(s.Bands+1, bands.MaxBands)
	case key.Matches(msg, keys.FewerBands):
		s.Bands = max(s.Bands-1, 1)
	case key.Matches(msg, keys.LowerMin):
		s.MinFreq = max(roundHz(s.MinFreq/freqStep), 1)
	case key.Matches(msg, keys.RaiseMin):
		if f := roundHz(s.MinFreq * freqStep); f < s.MaxFreq {
			s.MinFreq = f
		}
	case key.Matches(msg, keys.LowerMax):
		if f := roundHz(s.MaxFreq / freqStep); f > s.MinFreq {
			s.MaxFreq = f
		}
	case key.Matches(msg, keys.RaiseMax):
		s.MaxFreq = min(roundHz(s.MaxFreq*freqStep), s.SampleRate/2)
	case key.Matches(msg, keys.LowerRate):
		s.SampleRate = stepRate(s.SampleRate, -1)
		s.MaxFreq = min(s.MaxFreq, s.SampleRate/2)
	case key.Matches(msg, keys.RaiseRate):
		s.SampleRate = stepRate(s.SampleRate, 1)
	case key.Matches(msg, keys.FasterDecay):
		s.DecayRate = max(roundDecay(1-(1-min(s.DecayRate, maxDecay))*2), minDecay)
	case key.Matches(msg, keys.SlowerDecay):
		s.DecayRate = min(roundDecay(1-(1-s.DecayRate)/2), maxDecay)
	case key.Matches(msg, keys.CycleMode):
		mode, _ := display.ParseMode(s.Mode)
		s.Mode = mode.Next().String()
	default:
		return s, false
	}
	return s, true
}

func roundHz(f float64) float64 { return math.Round(f*10) / 10 }

func roundDecay(r float64) float64 { return math.Round(r*1e6) / 1e6 }

// stepRate moves to the neighbouring entry of sampleRates. A rate that is not
// in the table moves to the nearest entry in the requested direction.
func stepRate(fs float64, dir int) float64 {
	i, found := slices.BinarySearch(sampleRates, fs)
	switch {
	case dir > 0 && found:
		i++
	case dir < 0:
		i--
	}
	if i < 0 || i >= len(sampleRates) {
		return fs
	}
	return sampleRates[i]
}

func (m Model) View() string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("freqviz"))
	sb.WriteString(" ")
	sb.WriteString(infoStyle.Render(m.status()))
	sb.WriteString("\n\n")

	rows := max(m.height-chromeRows, 1)
	if m.haveFrame {
		sb.WriteString(barStyle.Render(renderFrame(m.frame, m.width, rows)))
	} else {
		sb.WriteString(infoStyle.Render("Waiting for samples..."))
		sb.WriteString(strings.Repeat("\n", rows-1))
	}
	sb.WriteString("\n\n")

	if m.warning != "" {
		sb.WriteString(warnStyle.Render(m.warning))
	} else if m.stats != nil {
		sb.WriteString(infoStyle.Render(fmt.Sprintf("%d fps • %d overruns • %d dropped",
			m.rate.Frames, m.last.Overruns, m.last.Dropped)))
	}
	sb.WriteString("\n")
	sb.WriteString(m.help.View(keys))
	return sb.String()
}

func (m Model) status() string {
	bandInfo := fmt.Sprintf("%d bands", m.effective)
	if m.effective != m.requested {
		bandInfo = fmt.Sprintf("%d bands (%d requested)", m.effective, m.requested)
	}
	mode := m.settings.Mode
	if m.spring != nil {
		mode += " (smoothed)"
	}
	return fmt.Sprintf("%s • %.1f-%.1f Hz • %.0f Hz sampling • decay %.5g • %s",
		bandInfo, m.settings.MinFreq, m.settings.MaxFreq, m.settings.SampleRate,
		m.settings.DecayRate, mode)
}

// renderFrame draws v into a grid of at most width columns and exactly rows
// lines, top line first. Bands that do not fit are cut off on the right.
func renderFrame(v display.Vector, width, rows int) string {
	n := min(len(v.Levels), width)
	if n <= 0 || rows <= 0 || v.Full == 0 {
		return strings.Repeat("\n", max(rows-1, 0))
	}
	cw := min(max(width/n, 1), 3)

	lines := make([]string, rows)
	var line strings.Builder
	for r := range rows {
		h := rows - r // 1 at the bottom line.
		line.Reset()
		for k := range n {
			cell := " "
			switch v.Mode {
			case display.LEDs:
				step := (h - 1) * int(v.Full) / rows
				if v.Levels[k]&(1<<step) != 0 {
					cell = "■"
				} else {
					cell = "·"
				}
			default:
				if h <= scaleRows(v.Levels[k], v.Full, rows) {
					cell = "█"
				} else if v.Mode == display.Rain && k < len(v.Peaks) && h == scaleRows(v.Peaks[k], v.Full, rows) {
					cell = "▔"
				}
			}
			line.WriteString(strings.Repeat(cell, cw))
		}
		lines[r] = line.String()
	}
	return strings.Join(lines, "\n")
}

func scaleRows(level, full uint32, rows int) int {
	return int(uint64(min(level, full)) * uint64(rows) / uint64(full))
}

// Visualizer runs the spectrum view as a Bubble Tea program. It is the
// pipeline's display sink and its settings provider.
type Visualizer struct {
	initial  config.Settings
	stats    func() pipeline.StatsSnapshot
	options  []tea.ProgramOption
	settings chan config.Settings

	frames    chan display.Vector
	overrides chan int
	rates     chan float64
	done      chan struct{}
	closeOnce sync.Once
	program   atomic.Pointer[tea.Program]
}

var (
	_ transport.Transport = (*Visualizer)(nil)
	_ pipeline.Provider   = (*Visualizer)(nil)
)

// NewVisualizer creates a visualizer that starts from initial. Extra program
// options are passed to Bubble Tea; the alternate screen is always used.
func NewVisualizer(initial config.Settings, opts ...tea.ProgramOption) *Visualizer {
	return &Visualizer{
		initial:   initial,
		options:   append([]tea.ProgramOption{tea.WithAltScreen()}, opts...),
		settings:  make(chan config.Settings, 1),
		frames:    make(chan display.Vector, 1),
		overrides: make(chan int, 1),
		rates:     make(chan float64, 1),
		done:      make(chan struct{}),
	}
}

// SetStats installs the counters shown under the spectrum. It must be called
// before Run.
func (v *Visualizer) SetStats(fn func() pipeline.StatsSnapshot) { v.stats = fn }

// Run draws the view until the user quits or ctx is done. A cancelled ctx is
// not an error.
func (v *Visualizer) Run(ctx context.Context) error {
	model := NewModel(v.initial, v.settings, v.stats)
	p := tea.NewProgram(model, append(v.options, tea.WithContext(ctx))...)
	v.program.Store(p)
	defer v.closeOnce.Do(func() { close(v.done) })

	go v.pump(p)

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// pump forwards the newest frame and overrides into the program so that
// Send and the override notifications never wait on rendering.
func (v *Visualizer) pump(p *tea.Program) {
	for {
		select {
		case <-v.done:
			return
		case f := <-v.frames:
			p.Send(frameMsg(f))
		case n := <-v.overrides:
			p.Send(overrideMsg(n))
		case fs := <-v.rates:
			p.Send(rateMsg(fs))
		}
	}
}

func (v *Visualizer) Settings() <-chan config.Settings { return v.settings }

func (v *Visualizer) BandCountOverridden(n int) {
	select {
	case <-v.done:
		return
	default:
	}
	latest(v.overrides, n)
}

func (v *Visualizer) SampleRateOverridden(fs float64) {
	select {
	case <-v.done:
		return
	default:
	}
	latest(v.rates, fs)
}

// Send queues frame for drawing, replacing one not yet drawn.
func (v *Visualizer) Send(frame display.Vector) error {
	select {
	case <-v.done:
		return transport.ErrClosed
	default:
	}
	latest(v.frames, frame)
	return nil
}

// Close stops the program if it is running.
func (v *Visualizer) Close() error {
	v.closeOnce.Do(func() { close(v.done) })
	if p := v.program.Load(); p != nil {
		p.Quit()
	}
	return nil
}

// latest sends x on ch, dropping a value nobody has received yet.
func latest[T any](ch chan T, x T) {
	for {
		select {
		case ch <- x:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
