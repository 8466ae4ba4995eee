// SPDX-License-Identifier: MIT
package tui

import (
	"errors"
	"strings"
	"testing"

	"freqviz/internal/config"
	"freqviz/internal/display"
	"freqviz/internal/source"
	"freqviz/internal/transport"

	tea "github.com/charmbracelet/bubbletea"
)

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func testSettings() config.Settings {
	return config.Settings{
		SampleRate: 44100,
		MinFreq:    40,
		MaxFreq:    13000,
		Bands:      75,
		DecayRate:  0.999,
		Mode:       "bars",
	}
}

func press(t *testing.T, m Model, keys ...tea.KeyMsg) Model {
	t.Helper()
	for _, k := range keys {
		next, _ := m.Update(k)
		m = next.(Model)
	}
	return m
}

func TestKeysEditSettings(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		check func(config.Settings) bool
	}{
		{"more bands", "+", func(s config.Settings) bool { return s.Bands == 76 }},
		{"fewer bands", "-", func(s config.Settings) bool { return s.Bands == 74 }},
		{"lower min", "[", func(s config.Settings) bool { return s.MinFreq == 35.6 }},
		{"raise min", "]", func(s config.Settings) bool { return s.MinFreq == 44.9 }},
		{"lower max", "{", func(s config.Settings) bool { return s.MaxFreq < 13000 && s.MaxFreq > 11000 }},
		{"raise max", "}", func(s config.Settings) bool { return s.MaxFreq > 13000 && s.MaxFreq <= 22050 }},
		{"lower rate", "<", func(s config.Settings) bool { return s.SampleRate == 32000 }},
		{"raise rate", ">", func(s config.Settings) bool { return s.SampleRate == 44600 }},
		{"faster decay", "d", func(s config.Settings) bool { return s.DecayRate == 0.998 }},
		{"slower decay", "D", func(s config.Settings) bool { return s.DecayRate == 0.9995 }},
		{"mode", "m", func(s config.Settings) bool { return s.Mode == "rain" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := make(chan config.Settings, 1)
			m := press(t, NewModel(testSettings(), out, nil), runes(tt.key))

			if !tt.check(m.Settings()) {
				t.Errorf("settings after %q = %+v", tt.key, m.Settings())
			}
			select {
			case s := <-out:
				if s != m.Settings() {
					t.Errorf("published %+v, model holds %+v", s, m.Settings())
				}
			default:
				t.Error("nothing published")
			}
		})
	}
}

func TestPublishKeepsOnlyLatest(t *testing.T) {
	out := make(chan config.Settings, 1)
	m := press(t, NewModel(testSettings(), out, nil), runes("+"), runes("+"), runes("+"))

	if got := <-out; got.Bands != 78 {
		t.Errorf("pending bands = %d, want 78", got.Bands)
	}
	if m.Effective() != 78 {
		t.Errorf("effective = %d", m.Effective())
	}
}

func TestEditsStayInRange(t *testing.T) {
	s := testSettings()
	s.Bands = 1
	s.MinFreq = 1
	s.SampleRate = 8000
	s.MaxFreq = 4000
	m := press(t, NewModel(s, nil, nil), runes("-"), runes("["), runes("<"), runes("}"))
	got := m.Settings()
	if got.Bands != 1 || got.MinFreq != 1 || got.SampleRate != 8000 || got.MaxFreq != 4000 {
		t.Errorf("settings moved past their limits: %+v", got)
	}

	s = testSettings()
	s.Bands = 300
	m = press(t, NewModel(s, nil, nil), runes("+"))
	if m.Settings().Bands != 300 {
		t.Errorf("bands = %d, want the cap", m.Settings().Bands)
	}

	// Lowering the rate pulls the top frequency under Nyquist.
	s = testSettings()
	s.SampleRate = 16000
	s.MaxFreq = 8000
	m = press(t, NewModel(s, nil, nil), runes("<"))
	if got := m.Settings(); got.SampleRate != 11025 || got.MaxFreq != 5512.5 {
		t.Errorf("after lowering rate: %+v", got)
	}
}

func TestStepRate(t *testing.T) {
	tests := []struct {
		fs   float64
		dir  int
		want float64
	}{
		{44100, 1, 44600},
		{44100, -1, 32000},
		{40000, 1, 44100},
		{40000, -1, 32000},
		{96000, 1, 96000},
		{8000, -1, 8000},
		{4000, 1, 8000},
	}

	for _, tt := range tests {
		if got := stepRate(tt.fs, tt.dir); got != tt.want {
			t.Errorf("stepRate(%v, %d) = %v, want %v", tt.fs, tt.dir, got, tt.want)
		}
	}
}

func TestOverrideUpdatesBandControl(t *testing.T) {
	m := NewModel(testSettings(), nil, nil)
	next, _ := m.Update(overrideMsg(40))
	m = next.(Model)

	if m.Effective() != 40 || m.Settings().Bands != 40 {
		t.Fatalf("effective %d, bands %d", m.Effective(), m.Settings().Bands)
	}
	if !strings.Contains(m.View(), "40 bands (75 requested)") {
		t.Error("view does not show the override")
	}

	m = press(t, m, runes("+"))
	if m.Settings().Bands != 41 {
		t.Errorf("+ after override gave %d bands, want 41", m.Settings().Bands)
	}
}

func TestRefusedRateResetsRateControl(t *testing.T) {
	out := make(chan config.Settings, 1)
	m := press(t, NewModel(testSettings(), out, nil), runes(">"))
	<-out
	if m.Settings().SampleRate != 44600 {
		t.Fatalf("rate after > = %v", m.Settings().SampleRate)
	}

	next, _ := m.Update(rateMsg(16000))
	m = next.(Model)
	if s := m.Settings(); s.SampleRate != 16000 || s.MaxFreq != 8000 {
		t.Errorf("after override rate %v, max %v; want 16000, 8000", s.SampleRate, s.MaxFreq)
	}
	if !strings.Contains(m.View(), "staying at 16000 Hz") {
		t.Error("view does not show the refused rate")
	}

	// The next edit publishes the rate the source runs at.
	m = press(t, m, runes("+"))
	select {
	case s := <-out:
		if s.SampleRate != 16000 || s.Bands != 76 {
			t.Errorf("published %+v", s)
		}
	default:
		t.Fatal("+ published nothing")
	}
}

func TestQuitKey(t *testing.T) {
	_, cmd := NewModel(testSettings(), nil, nil).Update(runes("q"))
	if cmd == nil {
		t.Fatal("q returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}
}

func TestSmoothingEasesBars(t *testing.T) {
	m := press(t, NewModel(testSettings(), nil, nil), runes("s"))
	if !strings.Contains(m.status(), "(smoothed)") {
		t.Fatalf("status = %q", m.status())
	}

	frame := display.Vector{Mode: display.Bars, Full: 100, Levels: []uint32{100, 0}}
	prev := uint32(0)
	for i := range 60 {
		next, _ := m.Update(frameMsg(frame))
		m = next.(Model)
		got := m.frame.Levels[0]
		if got < prev || got > 100 {
			t.Fatalf("step %d: level %d after %d", i, got, prev)
		}
		prev = got
	}
	if prev < 95 {
		t.Errorf("level settled at %d, want close to 100", prev)
	}
	if frame.Levels[0] != 100 {
		t.Error("smoothing modified the incoming frame")
	}

	m = press(t, m, runes("s"))
	next, _ := m.Update(frameMsg(display.Vector{Mode: display.Bars, Full: 100, Levels: []uint32{7, 0}}))
	if lvl := next.(Model).frame.Levels[0]; lvl != 7 {
		t.Errorf("unsmoothed level = %d, want 7", lvl)
	}
}

func TestSmoothingLeavesLEDsAlone(t *testing.T) {
	s := newSpringField()
	v := display.Vector{Mode: display.LEDs, Full: 4, Levels: []uint32{0b1011}}
	if got := s.smooth(v); got.Levels[0] != 0b1011 {
		t.Errorf("LED mask = %b", got.Levels[0])
	}
}

func TestRenderBars(t *testing.T) {
	v := display.Vector{Mode: display.Bars, Full: 100, Levels: []uint32{0, 50, 100}}
	got := renderFrame(v, 3, 4)
	want := "  █\n  █\n ██\n ██"
	if got != want {
		t.Errorf("render =\n%s\nwant\n%s", got, want)
	}
}

func TestRenderRainPeaks(t *testing.T) {
	v := display.Vector{Mode: display.Rain, Full: 100, Levels: []uint32{25, 0}, Peaks: []uint32{100, 0}}
	lines := strings.Split(renderFrame(v, 2, 4), "\n")
	if lines[0] != "▔ " || lines[3] != "█ " {
		t.Errorf("rain render = %q", lines)
	}
}

func TestRenderLEDs(t *testing.T) {
	v := display.Vector{Mode: display.LEDs, Full: 4, Levels: []uint32{0b0011, 0}}
	got := renderFrame(v, 2, 4)
	want := "··\n··\n■·\n■·"
	if got != want {
		t.Errorf("render =\n%s\nwant\n%s", got, want)
	}
}

func TestRenderClipsToWidth(t *testing.T) {
	v := display.Vector{Mode: display.Bars, Full: 1, Levels: make([]uint32, 50)}
	for i := range v.Levels {
		v.Levels[i] = 1
	}
	for _, line := range strings.Split(renderFrame(v, 20, 3), "\n") {
		if n := len([]rune(line)); n != 20 {
			t.Fatalf("line is %d cells wide, want 20", n)
		}
	}
}

func TestVisualizerAfterClose(t *testing.T) {
	v := NewVisualizer(testSettings())
	if err := v.Send(display.Vector{}); err != nil {
		t.Fatalf("Send before Run: %v", err)
	}
	v.BandCountOverridden(3)
	v.SampleRateOverridden(8000)
	if err := v.Close(); err != nil {
		t.Fatal(err)
	}
	if err := v.Send(display.Vector{}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
	if err := v.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestDevicePicker(t *testing.T) {
	devices := []source.Device{
		{ID: 0, Name: "Built-in Microphone", MaxInputChannels: 1, DefaultSampleRate: 44100},
		{ID: 3, Name: "USB Interface", MaxInputChannels: 2, MaxOutputChannels: 2, DefaultSampleRate: 47000},
	}
	m := NewDeviceListModel(func() ([]source.Device, error) { return devices, nil })

	step := func(msg tea.Msg) tea.Cmd {
		next, cmd := m.Update(msg)
		m = next.(DeviceListModel)
		return cmd
	}

	step(m.Init()())
	step(tea.WindowSizeMsg{Width: 80, Height: 30})
	if !strings.Contains(m.View(), "USB Interface (Input/Output)") {
		t.Fatalf("device list not rendered:\n%s", m.View())
	}

	step(tea.KeyMsg{Type: tea.KeyDown})
	step(tea.KeyMsg{Type: tea.KeyEnter})
	if m.activeScreen != ConfigScreen {
		t.Fatal("enter did not open the configuration screen")
	}
	// 47000 Hz is closest to 48000 Hz.
	if sampleRates[m.sampleRateIndex] != 48000 {
		t.Errorf("preselected rate = %v", sampleRates[m.sampleRateIndex])
	}

	step(tea.KeyMsg{Type: tea.KeyUp})
	step(tea.KeyMsg{Type: tea.KeyEnter})
	sel := m.Selection()
	if sel == nil || sel.Device.ID != 3 || sel.SampleRate != 44600 {
		t.Errorf("selection = %+v", sel)
	}
}

func TestDevicePickerError(t *testing.T) {
	m := NewDeviceListModel(func() ([]source.Device, error) { return nil, errors.New("no host API") })
	next, _ := m.Update(m.Init()())
	next, _ = next.Update(tea.WindowSizeMsg{Width: 80, Height: 30})
	if !strings.Contains(next.View(), "no host API") {
		t.Errorf("error not shown:\n%s", next.View())
	}
}
