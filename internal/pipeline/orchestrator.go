// SPDX-License-Identifier: MIT
//
// Package pipeline runs the capture -> spectrum -> bands -> gain -> display
// loop. A capture goroutine reads the source and never waits on analysis; the
// Run goroutine analyzes complete windows, applies settings changes between
// cycles and decays the gain on a fixed refresh ticker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"freqviz/internal/agc"
	"freqviz/internal/bands"
	"freqviz/internal/capture"
	"freqviz/internal/config"
	"freqviz/internal/display"
	applog "freqviz/internal/log"
	"freqviz/internal/source"
	"freqviz/internal/spectral"
	"freqviz/internal/transport"
)

// Options are the parts of the configuration fixed for the process lifetime.
type Options struct {
	WindowSize    int
	StreamBlock   int
	BatchBlock    int
	FPSThreshold  float64
	ADCBits       int
	Height        int
	Steps         int
	RefreshRate   float64 // Decay ticks per second.
	Policy        agc.Policy
	StatsInterval time.Duration
}

// OptionsFromConfig extracts Options from a validated configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	policy, err := agc.ParsePolicy(cfg.AGC.Policy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		WindowSize:    cfg.Capture.WindowSize,
		StreamBlock:   cfg.Capture.StreamBlock,
		BatchBlock:    cfg.Capture.BatchBlock,
		FPSThreshold:  cfg.Capture.FPSThreshold,
		ADCBits:       cfg.Capture.ADCBits,
		Height:        cfg.Display.Height,
		Steps:         cfg.Display.Steps,
		RefreshRate:   cfg.Display.RefreshRate,
		Policy:        policy,
		StatsInterval: time.Second,
	}, nil
}

// Orchestrator owns every pipeline stage. Apart from State and Stats its
// methods are only called from the goroutine running Run.
type Orchestrator struct {
	opts     Options
	src      source.Source
	sink     transport.Transport
	provider Provider

	engine *spectral.Engine
	mapper *bands.Mapper
	scaler *display.Scaler
	norm   *agc.Normalizer

	settings config.Settings

	state atomic.Int32
	kick  chan struct{}
	stats Stats

	// Capture goroutine and the buffers it shares with Run.
	capMode     capture.Mode
	buf         capture.Buffer
	exch        *capture.Exchange
	stopCapture context.CancelFunc
	captureDone chan struct{}

	lastReport StatsSnapshot
}

// New wires a pipeline. initial is applied when Run starts; provider may be
// nil when settings never change.
func New(src source.Source, sink transport.Transport, provider Provider, initial config.Settings, opts Options) (*Orchestrator, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	mode, err := display.ParseMode(initial.Mode)
	if err != nil {
		return nil, err
	}
	if opts.RefreshRate <= 0 {
		return nil, fmt.Errorf("pipeline: refresh rate must be positive, got %v", opts.RefreshRate)
	}
	if opts.FPSThreshold <= 0 {
		opts.FPSThreshold = capture.DefaultFPSThreshold
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = time.Second
	}

	engine, err := spectral.NewEngine(opts.WindowSize, opts.ADCBits, initial.SampleRate)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		opts:     opts,
		src:      src,
		sink:     sink,
		provider: provider,
		engine:   engine,
		scaler:   display.NewScaler(mode, opts.Height, opts.Steps),
		settings: initial,
		kick:     make(chan struct{}, 1),
	}
	o.norm = agc.NewNormalizer(opts.Policy, o.scaler)
	o.mapper = bands.NewMapper(o.bandCountOverridden)
	return o, nil
}

// State returns the current pipeline state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Stats returns the live counters.
func (o *Orchestrator) Stats() *Stats { return &o.stats }

// Run applies the initial settings, starts capturing and processes windows
// until ctx is cancelled. It always returns ctx.Err().
func (o *Orchestrator) Run(ctx context.Context) error {
	o.configure(ctx, o.settings, true)
	defer o.halt()

	decay := time.NewTicker(time.Duration(float64(time.Second) / o.opts.RefreshRate))
	defer decay.Stop()
	report := time.NewTicker(o.opts.StatsInterval)
	defer report.Stop()

	var changes <-chan config.Settings
	if o.provider != nil {
		changes = o.provider.Settings()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			o.configure(ctx, s, false)
		case <-decay.C:
			o.norm.Decay(o.settings.DecayRate)
		case <-report.C:
			o.report()
		case <-o.kick:
			o.cycle()
		}
	}
}

// configure applies s between cycles. A sampling frequency change restarts
// capture in the mode selected for the new rate. Every change recomputes the
// breakpoints and resets the gain.
func (o *Orchestrator) configure(ctx context.Context, s config.Settings, first bool) {
	if err := s.Validate(); err != nil {
		applog.Warnf("pipeline: ignoring settings: %v", err)
		return
	}
	mode, _ := display.ParseMode(s.Mode)

	restart := first || s.SampleRate != o.settings.SampleRate
	if restart {
		o.halt()
		requested := s.SampleRate
		s.SampleRate = o.rate(requested)
		o.engine.SetSampleRate(s.SampleRate)
		if s.SampleRate != requested && o.provider != nil {
			o.provider.SampleRateOverridden(s.SampleRate)
		}
	}

	o.settings = s
	if mode != o.scaler.Mode() {
		o.scaler.SetMode(mode)
	}

	bp := o.mapper.Recompute(bands.Params{
		MinFreq:    s.MinFreq,
		MaxFreq:    s.MaxFreq,
		Bands:      s.Bands,
		SampleRate: s.SampleRate,
		WindowSize: o.opts.WindowSize,
	})
	o.norm.Reset(bp.Bands())
	o.stats.Reconfigs.Add(1)

	applog.Infof("pipeline: %d bands %.0f-%.0f Hz at %.0f Hz sampling (%.2f Hz/bin), mode %s, decay %.4f",
		bp.Bands(), s.MinFreq, s.MaxFreq, s.SampleRate, o.engine.BinWidth(), mode, s.DecayRate)
	if applog.GetLevel() <= applog.LevelDebug {
		var table strings.Builder
		bands.WriteTable(&table, bp, o.engine.BinWidth())
		applog.Debugf("pipeline: breakpoints\n%s", table.String())
	}

	if restart {
		o.start(ctx)
	}
}

// rate moves the source to fs and returns the rate it actually runs at.
func (o *Orchestrator) rate(fs float64) float64 {
	if o.src.SampleRate() == fs {
		return fs
	}
	rs, ok := o.src.(source.RateSetter)
	if !ok {
		applog.Warnf("pipeline: source cannot change rate, staying at %.0f Hz", o.src.SampleRate())
		return o.src.SampleRate()
	}
	if err := rs.SetSampleRate(fs); err != nil {
		applog.Warnf("pipeline: %v, staying at %.0f Hz", err, o.src.SampleRate())
	}
	return o.src.SampleRate()
}

func (o *Orchestrator) bandCountOverridden(n int) {
	if o.provider != nil {
		o.provider.BandCountOverridden(n)
	}
}

// start launches the capture goroutine with a fresh buffer.
func (o *Orchestrator) start(ctx context.Context) {
	o.capMode = capture.SelectMode(o.settings.SampleRate, o.opts.WindowSize, o.opts.FPSThreshold)
	block := o.opts.StreamBlock
	if o.capMode == capture.ModeBatch {
		block = o.opts.BatchBlock
	}
	o.buf = capture.New(o.capMode, o.opts.WindowSize, block)
	o.exch = nil
	if o.capMode == capture.ModeStreaming {
		o.exch = capture.NewExchange(o.opts.WindowSize)
	}

	// A kick left over from the previous run refers to a discarded buffer.
	select {
	case <-o.kick:
	default:
	}

	cctx, cancel := context.WithCancel(ctx)
	o.stopCapture = cancel
	o.captureDone = make(chan struct{})
	o.state.Store(int32(Capturing))

	applog.Infof("pipeline: capturing in %s mode (%d sample window, %d sample blocks, %.1f windows/s)",
		o.capMode, o.opts.WindowSize, block, o.settings.SampleRate/float64(o.opts.WindowSize))
	go o.capture(cctx, o.buf, o.exch, block, o.captureDone)
}

// halt stops the capture goroutine and waits for it to exit.
func (o *Orchestrator) halt() {
	if o.stopCapture == nil {
		return
	}
	o.stopCapture()
	<-o.captureDone
	o.stopCapture = nil
	o.state.Store(int32(Idle))
}

// capture is the producer. It never blocks on the consumer: in batch mode a
// block read while the window is not armed is dropped, in streaming mode the
// newest window replaces any that was not yet analyzed.
func (o *Orchestrator) capture(ctx context.Context, buf capture.Buffer, exch *capture.Exchange, blockSize int, done chan<- struct{}) {
	defer close(done)
	scratch := make([]uint16, blockSize)
	batch := buf.Mode() == capture.ModeBatch

	for {
		if batch && State(o.state.Load()) != Capturing {
			_, err := o.src.Read(ctx, scratch)
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, io.EOF):
				applog.Infof("pipeline: source exhausted, capture stopped")
				return
			case o.sourceFailed(ctx, err):
			default:
				o.stats.Dropped.Add(1)
			}
			continue
		}

		off, n := buf.Next()
		block := scratch[:n]
		got, err := o.src.Read(ctx, block)
		if ctx.Err() != nil {
			return
		}

		switch {
		case errors.Is(err, source.ErrOverrun):
			o.stats.Overruns.Add(1)
			applog.Warnf("pipeline: source overrun, discarding %s window", buf.Mode())
			buf.Reset()
			continue
		case errors.Is(err, io.EOF):
			applog.Infof("pipeline: source exhausted, capture stopped")
			return
		case err != nil:
			o.sourceFailed(ctx, err)
			continue
		case got != n:
			o.stats.Mismatches.Add(1)
			applog.Warnf("pipeline: transfer size mismatch (%d of %d samples), discarding %s window", got, n, buf.Mode())
			buf.Reset()
			continue
		}

		buf.Deliver(block, off)
		if !buf.Ready() {
			continue
		}

		if batch {
			if !o.state.CompareAndSwap(int32(Capturing), int32(Ready)) {
				panic(&capture.ProtocolError{Mode: capture.ModeBatch, Offset: off, Length: n,
					Window: buf.WindowSize(), Reason: "window completed while not armed"})
			}
		} else {
			exch.PublishFrom(buf.Snapshot())
		}

		select {
		case o.kick <- struct{}{}:
		default:
		}
	}
}

// sourceFailed counts and logs a source error other than overrun or EOF and
// backs off briefly. It reports whether err was non-nil.
func (o *Orchestrator) sourceFailed(ctx context.Context, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, source.ErrOverrun):
		o.stats.Overruns.Add(1)
		return true
	}
	o.stats.SourceErrors.Add(1)
	applog.Warnf("pipeline: source error: %v", err)

	t := time.NewTimer(50 * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	return true
}

// cycle analyzes one window and hands the result to the sink.
func (o *Orchestrator) cycle() {
	var snapshot []uint16
	if o.capMode == capture.ModeBatch {
		if State(o.state.Load()) != Ready {
			return
		}
		snapshot = o.buf.Snapshot()
	} else {
		w, ok := o.exch.Take()
		if !ok {
			return
		}
		snapshot = w
	}

	o.state.Store(int32(Analyzing))
	spectrum := o.engine.Analyze(snapshot)

	o.state.Store(int32(Normalizing))
	v := o.norm.Update(spectrum, o.mapper.Breakpoints())
	o.stats.Cycles.Add(1)

	o.state.Store(int32(Displaying))
	if err := o.sink.Send(v); err != nil {
		o.stats.DisplayErrors.Add(1)
		applog.Debugf("pipeline: display write failed: %v", err)
	} else {
		o.stats.Frames.Add(1)
	}

	// Re-arm. The batch buffer is reset before the producer may touch it again.
	if o.capMode == capture.ModeBatch {
		o.buf.Reset()
	}
	o.state.Store(int32(Capturing))
}

// report logs throughput and the spectral peak for the last interval.
func (o *Orchestrator) report() {
	now := o.stats.Snapshot()
	d := now.Sub(o.lastReport)
	o.lastReport = now
	secs := o.opts.StatsInterval.Seconds()

	bin, value := o.engine.Peak()
	lo, hi := o.engine.BinRange(bin)
	applog.Debugf("pipeline: %.1f dsp/s, %.1f fps, peak is between %.0f and %.0f Hz (%.0f, historic max %.0f)",
		float64(d.Cycles)/secs, float64(d.Frames)/secs, lo, hi, value, o.engine.HistoricMax())

	if d.Overruns+d.Mismatches+d.SourceErrors+d.DisplayErrors > 0 {
		applog.Warnf("pipeline: last %s: %d overruns, %d size mismatches, %d source errors, %d display errors",
			o.opts.StatsInterval, d.Overruns, d.Mismatches, d.SourceErrors, d.DisplayErrors)
	}
}
