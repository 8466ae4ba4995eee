// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"freqviz/cmd"
	"freqviz/internal/bands"
	"freqviz/internal/config"
	applog "freqviz/internal/log"
	"freqviz/internal/pipeline"
	"freqviz/internal/source"
	"freqviz/internal/transport"
	"freqviz/internal/transport/udp"
	"freqviz/internal/tui"
	"freqviz/pkg/build"
)

// main is the entry point for the spectrum visualizer.
// The program flow is divided into three phases:
//
// 1. Startup Phase (Cold Path):
//   - Initialize build information
//   - Parse command line arguments and the configuration file
//   - Initialize PortAudio when a device is involved
//   - Execute one-off commands if requested
//
// 2. Concurrent Phase (Hot Path):
//   - Open the sample source and the display sinks
//   - Run the capture/analysis pipeline
//   - Draw the terminal visualizer or wait for a signal
//
// 3. Shutdown Phase (Cold Path):
//   - Cancel the pipeline and stop capture
//   - Close sinks and the source
func main() {
	if err := run(); err != nil {
		applog.Fatalf("%v", err)
	}
}

func run() error {
	// ==================== STARTUP PHASE (Cold Path) ====================

	if err := build.Initialize(); err != nil {
		applog.Debugf("build: development build: %v", err)
	}

	cfg, err := cmd.ParseArgs(os.Args[1:])
	if err != nil {
		return err
	}
	if cfg == nil {
		return nil // --help or --version
	}

	closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.Source.Kind == config.SourcePortAudio || cfg.Command == cmd.CommandList || cfg.Command == cmd.CommandPick {
		if err := source.Initialize(); err != nil {
			return err
		}
		defer func() {
			if err := source.Terminate(); err != nil {
				applog.Errorf("%v", err)
			}
		}()
	}

	switch cfg.Command {
	case cmd.CommandList:
		devices, err := source.InputDevices()
		if err != nil {
			return err
		}
		source.WriteDevices(os.Stdout, devices)
		return nil

	case cmd.CommandBands:
		return printBands(cfg)

	case cmd.CommandPick:
		sel, err := tui.PickDevice()
		if err != nil || sel == nil {
			return err
		}
		cfg.Source.Kind = config.SourcePortAudio
		cfg.Source.Device = sel.Device.ID
		cfg.Capture.SampleRate = sel.SampleRate
		applog.Infof("Using device [%d] %s at %.0f Hz", sel.Device.ID, sel.Device.Name, sel.SampleRate)
	}

	return visualize(cfg)
}

// setupLogging applies the configured level and output. The returned func
// closes the log file, if any.
func setupLogging(cfg *config.Config) (func(), error) {
	level, ok := applog.ParseLevel(cfg.LogLevel)
	if !ok {
		return nil, fmt.Errorf("%w: log_level %q", config.ErrInvalidConfig, cfg.LogLevel)
	}
	applog.SetLevel(level)

	if cfg.LogFile == "" {
		if cfg.TUI && cfg.Command != cmd.CommandList && cfg.Command != cmd.CommandBands {
			// Anything on stderr would tear the alternate screen.
			applog.SetLevel(max(level, applog.LevelError))
		}
		return func() {}, nil
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	applog.SetOutput(f)
	return func() {
		applog.SetOutput(os.Stderr)
		f.Close()
	}, nil
}

func printBands(cfg *config.Config) error {
	s := cfg.Settings()
	hz := s.SampleRate / float64(cfg.Capture.WindowSize)
	bp, effective := bands.Recompute(bands.Params{
		MinFreq:    s.MinFreq,
		MaxFreq:    s.MaxFreq,
		Bands:      s.Bands,
		SampleRate: s.SampleRate,
		WindowSize: cfg.Capture.WindowSize,
	})
	fmt.Printf("%d of %d bands, %.2f Hz per bin, %s mode\n\n",
		effective, s.Bands, hz, captureMode(cfg))
	return bands.WriteTable(os.Stdout, bp, hz)
}

// captureMode names the buffering mode the pipeline would select.
func captureMode(cfg *config.Config) string {
	fps := cfg.Capture.SampleRate / float64(cfg.Capture.WindowSize)
	if fps > cfg.Capture.FPSThreshold {
		return fmt.Sprintf("batch (%.1f windows/s)", fps)
	}
	return fmt.Sprintf("streaming (%.1f windows/s)", fps)
}

// ==================== CONCURRENT PHASE (Hot Path) ====================

func visualize(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, err := pipeline.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}

	src, err := source.Open(cfg, min(cfg.Capture.StreamBlock, cfg.Capture.BatchBlock))
	if err != nil {
		return err
	}
	defer src.Close()

	initial := cfg.Settings()
	if fs := src.SampleRate(); fs != initial.SampleRate {
		applog.Warnf("Source runs at %.0f Hz instead of %.0f Hz", fs, initial.SampleRate)
		initial.SampleRate = fs
	}

	sinks, err := openSinks(cfg)
	if err != nil {
		return err
	}

	var (
		provider pipeline.Provider
		viz      *tui.Visualizer
	)
	if cfg.TUI {
		viz = tui.NewVisualizer(initial)
		sinks = append(sinks, viz)
		provider = viz
	} else {
		static := pipeline.NewStaticProvider()
		go static.Watch(ctx, func() (config.Settings, error) {
			c, err := config.LoadConfig(cfg.Path)
			if err != nil {
				return config.Settings{}, err
			}
			return c.Settings(), nil
		})
		provider = static
	}
	sink := transport.Multi(sinks)
	defer func() {
		if err := sink.Close(); err != nil {
			applog.Errorf("Error closing sinks: %v", err)
		}
	}()

	orch, err := pipeline.New(src, sink, provider, initial, opts)
	if err != nil {
		return err
	}

	applog.Infof("Capturing from %s source at %.0f Hz, %.2f Hz per bin",
		cfg.Source.Kind, initial.SampleRate, initial.SampleRate/float64(opts.WindowSize))
	applog.Debugf("Hamming window of %d samples, %d bins", opts.WindowSize, opts.WindowSize/2)

	if viz == nil {
		// ==================== SHUTDOWN PHASE (Cold Path) ====================
		err := orch.Run(ctx)
		logTotals(orch)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	viz.SetStats(orch.Stats().Snapshot)

	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	uiErr := viz.Run(ctx)

	// ==================== SHUTDOWN PHASE (Cold Path) ====================
	cancel()
	<-done
	logTotals(orch)
	return uiErr
}

func openSinks(cfg *config.Config) ([]transport.Transport, error) {
	var sinks []transport.Transport
	tc := cfg.Transport

	if tc.LogFrames {
		sinks = append(sinks, transport.NewLoggingTransport())
	}

	if tc.WebSocketEnabled {
		ws, err := transport.NewWebSocketTransport(tc.WebSocketAddress)
		if err != nil {
			return nil, err
		}
		applog.Infof("Serving display vectors on ws://%s/ws", ws.Addr())
		sinks = append(sinks, ws)
	}

	if tc.UDPEnabled {
		sender, err := udp.NewUDPSender(tc.UDPTargetAddress)
		if err != nil {
			transport.Multi(sinks).Close()
			return nil, err
		}
		pub, err := udp.NewUDPPublisher(tc.UDPSendInterval, sender)
		if err != nil {
			sender.Close()
			transport.Multi(sinks).Close()
			return nil, err
		}
		pub.Start()
		sinks = append(sinks, pub)
	}

	return sinks, nil
}

func logTotals(orch *pipeline.Orchestrator) {
	s := orch.Stats().Snapshot()
	applog.Infof("Processed %d windows, %d frames (%d overruns, %d mismatches, %d display errors)",
		s.Cycles, s.Frames, s.Overruns, s.Mismatches, s.DisplayErrors)
}
