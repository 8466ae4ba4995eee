// SPDX-License-Identifier: MIT
package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"freqviz/internal/agc"
	"freqviz/internal/config"
	"freqviz/internal/display"
	"freqviz/internal/source"
	"freqviz/pkg/signal"
)

type fakeSource struct {
	mu           sync.Mutex
	osc          *signal.Oscillator
	rate         float64
	reads        int
	overrunEvery int
	shortEvery   int
	delay        time.Duration
	rateCalls    []float64
	refuse       func(fs float64) bool
}

func newFakeSource(rate float64) *fakeSource {
	return &fakeSource{
		osc:   signal.NewOscillator(440, rate, 0.8, 12),
		rate:  rate,
		delay: time.Millisecond,
	}
}

func (f *fakeSource) Read(ctx context.Context, block []uint16) (int, error) {
	t := time.NewTimer(f.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-t.C:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	f.osc.Fill(block)
	if f.overrunEvery > 0 && f.reads%f.overrunEvery == 0 {
		return len(block), source.ErrOverrun
	}
	if f.shortEvery > 0 && f.reads%f.shortEvery == 0 {
		return len(block) / 2, nil
	}
	return len(block), nil
}

func (f *fakeSource) SampleRate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate
}

func (f *fakeSource) SetSampleRate(fs float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rateCalls = append(f.rateCalls, fs)
	if f.refuse != nil && f.refuse(fs) {
		return source.ErrRate
	}
	f.rate = fs
	f.osc.SetSampleRate(fs)
	return nil
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) calls() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.rateCalls)
}

type recordingSink struct {
	frames chan display.Vector
	err    error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{frames: make(chan display.Vector, 16)}
}

func (s *recordingSink) Send(v display.Vector) error {
	select {
	case s.frames <- v:
	default:
	}
	return s.err
}

func (s *recordingSink) Close() error { return nil }

type chanProvider struct {
	ch        chan config.Settings
	overrides chan int
	rates     chan float64
}

func newChanProvider() *chanProvider {
	return &chanProvider{
		ch:        make(chan config.Settings, 1),
		overrides: make(chan int, 16),
		rates:     make(chan float64, 16),
	}
}

func (p *chanProvider) SampleRateOverridden(fs float64) {
	select {
	case p.rates <- fs:
	default:
	}
}

func (p *chanProvider) Settings() <-chan config.Settings { return p.ch }

func (p *chanProvider) BandCountOverridden(n int) {
	select {
	case p.overrides <- n:
	default:
	}
}

func testOptions() Options {
	return Options{
		WindowSize:    2048,
		StreamBlock:   256,
		BatchBlock:    1024,
		FPSThreshold:  16,
		ADCBits:       12,
		Height:        185,
		Steps:         8,
		RefreshRate:   18,
		Policy:        agc.Mean,
		StatsInterval: 50 * time.Millisecond,
	}
}

func testSettings(rate float64) config.Settings {
	return config.Settings{
		SampleRate: rate,
		MinFreq:    40,
		MaxFreq:    13000,
		Bands:      16,
		DecayRate:  0.999,
		Mode:       "bars",
	}
}

func startPipeline(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Run returned %v, want context.Canceled", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
		if s := o.State(); s != Idle {
			t.Errorf("state after Run = %s, want idle", s)
		}
	})
}

func waitFrame(t *testing.T, frames <-chan display.Vector, pred func(display.Vector) bool) display.Vector {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case v := <-frames:
			if pred(v) {
				return v
			}
		case <-timeout:
			t.Fatal("timed out waiting for a display frame")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func anyFrame(display.Vector) bool { return true }

func TestBatchModeDeliversFrames(t *testing.T) {
	// 44600 / 2048 windows per second is above the threshold.
	src := newFakeSource(44600)
	sink := newRecordingSink()
	o, err := New(src, sink, nil, testSettings(44600), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	startPipeline(t, o)

	for range 3 {
		v := waitFrame(t, sink.frames, anyFrame)
		if v.Mode != display.Bars || v.Full != 185 || len(v.Levels) != 16 {
			t.Fatalf("frame = %+v", v)
		}
		for k, l := range v.Levels {
			if l > v.Full {
				t.Fatalf("band %d level %d above full scale", k, l)
			}
		}
	}
	if got := o.Stats().Cycles.Load(); got < 3 {
		t.Errorf("cycles = %d, want >= 3", got)
	}
}

func TestStreamingModeDeliversFrames(t *testing.T) {
	// 8000 / 2048 windows per second needs the sliding window.
	src := newFakeSource(8000)
	sink := newRecordingSink()
	s := testSettings(8000)
	s.MaxFreq = 3000
	s.Mode = "rain"
	o, err := New(src, sink, nil, s, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	startPipeline(t, o)

	for range 3 {
		v := waitFrame(t, sink.frames, anyFrame)
		if v.Mode != display.Rain || len(v.Peaks) != len(v.Levels) {
			t.Fatalf("frame = %+v", v)
		}
	}
}

func TestSourceFaultsAreCountedAndSkipped(t *testing.T) {
	src := newFakeSource(44600)
	src.overrunEvery = 3
	src.shortEvery = 5
	sink := newRecordingSink()
	o, err := New(src, sink, nil, testSettings(44600), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	startPipeline(t, o)

	waitFor(t, "overruns and mismatches", func() bool {
		s := o.Stats().Snapshot()
		return s.Overruns > 0 && s.Mismatches > 0
	})
	waitFrame(t, sink.frames, anyFrame)
}

func TestDisplayErrorsAreCounted(t *testing.T) {
	src := newFakeSource(44600)
	sink := newRecordingSink()
	sink.err = errors.New("display unplugged")
	o, err := New(src, sink, nil, testSettings(44600), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	startPipeline(t, o)

	waitFor(t, "display errors", func() bool { return o.Stats().DisplayErrors.Load() >= 2 })
	if got := o.Stats().Frames.Load(); got != 0 {
		t.Errorf("frames = %d, want 0 when every send fails", got)
	}
}

func TestSettingsChangeRecomputesBands(t *testing.T) {
	src := newFakeSource(44600)
	sink := newRecordingSink()
	prov := newChanProvider()
	o, err := New(src, sink, prov, testSettings(44600), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	startPipeline(t, o)
	waitFrame(t, sink.frames, anyFrame)

	s := testSettings(44600)
	s.Bands = 4
	s.Mode = "leds"
	prov.ch <- s
	v := waitFrame(t, sink.frames, func(v display.Vector) bool { return len(v.Levels) == 4 })
	if v.Mode != display.LEDs || v.Full != 8 {
		t.Errorf("frame after change = %+v", v)
	}

	// 300 bands cannot fit between 40 and 60 Hz at 21.8 Hz per bin.
	s.Bands = 300
	s.MaxFreq = 60
	prov.ch <- s
	select {
	case n := <-prov.overrides:
		if n >= 300 || n < 1 {
			t.Errorf("override = %d", n)
		}
		waitFrame(t, sink.frames, func(v display.Vector) bool { return len(v.Levels) == n })
	case <-time.After(5 * time.Second):
		t.Fatal("no band count override reported")
	}
}

func TestSampleRateChangeRestartsCapture(t *testing.T) {
	src := newFakeSource(44600)
	sink := newRecordingSink()
	prov := newChanProvider()
	o, err := New(src, sink, prov, testSettings(44600), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	startPipeline(t, o)
	waitFrame(t, sink.frames, anyFrame)

	s := testSettings(8000)
	s.MaxFreq = 3000
	prov.ch <- s

	waitFor(t, "the source to be re-rated", func() bool {
		return slices.Equal(src.calls(), []float64{8000})
	})
	waitFor(t, "two reconfigurations", func() bool { return o.Stats().Reconfigs.Load() == 2 })

	before := o.Stats().Cycles.Load()
	waitFor(t, "cycles in streaming mode", func() bool { return o.Stats().Cycles.Load() > before+2 })
}

func TestRefusedSampleRateIsReported(t *testing.T) {
	src := newFakeSource(44600)
	src.refuse = func(fs float64) bool { return fs == 96000 }
	sink := newRecordingSink()
	prov := newChanProvider()
	o, err := New(src, sink, prov, testSettings(44600), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	startPipeline(t, o)
	waitFrame(t, sink.frames, anyFrame)

	prov.ch <- testSettings(96000)
	select {
	case fs := <-prov.rates:
		if fs != 44600 {
			t.Errorf("overridden rate = %v, want 44600", fs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("refused rate was not reported")
	}

	// The provider now asks for the rate the source runs at, which does not
	// touch the source again.
	waitFor(t, "two reconfigurations", func() bool { return o.Stats().Reconfigs.Load() == 2 })
	s := testSettings(44600)
	s.Bands = 8
	prov.ch <- s
	waitFrame(t, sink.frames, func(v display.Vector) bool { return len(v.Levels) == 8 })
	if calls := src.calls(); !slices.Equal(calls, []float64{96000}) {
		t.Errorf("rate calls = %v, want only the refused 96000", calls)
	}
	select {
	case fs := <-prov.rates:
		t.Errorf("unexpected second override %v", fs)
	default:
	}
}

func TestInvalidSettingsAreIgnored(t *testing.T) {
	src := newFakeSource(44600)
	sink := newRecordingSink()
	prov := newChanProvider()
	o, err := New(src, sink, prov, testSettings(44600), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	startPipeline(t, o)
	waitFrame(t, sink.frames, anyFrame)

	bad := testSettings(44600)
	bad.DecayRate = 7
	prov.ch <- bad

	// The next valid change is still applied after the bad one.
	good := testSettings(44600)
	good.Bands = 5
	prov.ch <- good
	waitFrame(t, sink.frames, func(v display.Vector) bool { return len(v.Levels) == 5 })
	if got := o.Stats().Reconfigs.Load(); got != 2 {
		t.Errorf("reconfigs = %d, want 2", got)
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	src := newFakeSource(44600)
	sink := newRecordingSink()

	bad := testSettings(44600)
	bad.Mode = "spiral"
	if _, err := New(src, sink, nil, bad, testOptions()); err == nil {
		t.Error("New accepted an unknown display mode")
	}

	opts := testOptions()
	opts.WindowSize = 1000
	if _, err := New(src, sink, nil, testSettings(44600), opts); err == nil {
		t.Error("New accepted a window that is not a power of two")
	}

	opts = testOptions()
	opts.RefreshRate = 0
	if _, err := New(src, sink, nil, testSettings(44600), opts); err == nil {
		t.Error("New accepted a zero refresh rate")
	}
}

func TestStaticProviderPushReplacesPending(t *testing.T) {
	p := NewStaticProvider()
	a, b := testSettings(8000), testSettings(16000)
	p.Push(a)
	p.Push(b)

	select {
	case got := <-p.Settings():
		if got != b {
			t.Errorf("received %+v, want the latest push", got)
		}
	default:
		t.Fatal("nothing pending")
	}
	select {
	case got := <-p.Settings():
		t.Errorf("stale settings %+v still queued", got)
	default:
	}

	p.BandCountOverridden(12)
	if p.Overridden() != 12 {
		t.Errorf("Overridden = %d, want 12", p.Overridden())
	}
	p.SampleRateOverridden(48000)
	if p.OverriddenRate() != 48000 {
		t.Errorf("OverriddenRate = %v, want 48000", p.OverriddenRate())
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.AGC.Policy = "max"
	opts, err := OptionsFromConfig(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Policy != agc.Max || opts.WindowSize != 2048 || opts.RefreshRate != 18 {
		t.Errorf("options = %+v", opts)
	}

	cfg.AGC.Policy = "median"
	if _, err := OptionsFromConfig(&cfg); err == nil {
		t.Error("expected an error for an unknown policy")
	}
}
