// SPDX-License-Identifier: MIT
package cmd

import (
	"fmt"
	"strings"

	"freqviz/internal/config"
	"freqviz/pkg/build"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// One-off commands stored in config.Command.
const (
	CommandList  = "list"
	CommandPick  = "pick"
	CommandBands = "bands"
)

type cliFlags struct {
	configPath string
	logLevel   string
	logFile    string
	verbose    bool
	noTUI      bool
	pick       bool

	source     string
	device     int
	file       string
	loop       bool
	toneFreq   float64
	sampleRate float64
	record     string

	bands   int
	minFreq float64
	maxFreq float64
	mode    string
	decay   float64
	policy  string

	websocket string
	udp       string
	logFrames bool
}

// ParseArgs parses args, loads the configuration file they name and applies
// every flag that was set on top of it. It returns a nil config when cobra
// handled the invocation itself, e.g. for --help or --version.
func ParseArgs(args []string) (*config.Config, error) {
	buildInfo := build.GetBuildFlags()
	defaults := config.Default()
	var (
		f   cliFlags
		cfg *config.Config
	)

	load := func(cmd *cobra.Command, command string) error {
		c, err := config.LoadConfig(f.configPath)
		if err != nil {
			return err
		}
		if err := f.apply(cmd.Flags(), c); err != nil {
			return err
		}
		c.Command = command
		cfg = c
		return nil
	}

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         buildInfo.Description,
		Version:       buildInfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.pick {
				return load(cmd, CommandPick)
			}
			return load(cmd, "")
		},
	}
	rootCmd.SetVersionTemplate(buildInfo.String() + "\n")

	// Display help message
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available audio input devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return load(cmd, CommandList)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "bands",
		Short: "Print the band layout for the current settings and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return load(cmd, CommandBands)
		},
	})

	pf := rootCmd.PersistentFlags()

	// General
	pf.StringVarP(&f.configPath, "config", "f", "",
		"Configuration file (default "+config.DefaultPath+" if present)")
	pf.StringVar(&f.logLevel, "log-level", defaults.LogLevel,
		"Log level: debug, info, warn, error")
	pf.StringVar(&f.logFile, "log-file", "",
		"Write logs to this file instead of stderr")
	pf.BoolVarP(&f.verbose, "verbose", "v", false,
		"Show verbose output (same as --log-level debug)")
	pf.BoolVar(&f.noTUI, "no-tui", false,
		"Run headless without the terminal visualizer")
	rootCmd.Flags().BoolVarP(&f.pick, "pick", "p", false,
		"Choose the input device interactively before starting")

	// Source
	pf.StringVarP(&f.source, "source", "S", defaults.Source.Kind,
		"Sample source: "+strings.Join([]string{config.SourceTone, config.SourceWAV, config.SourceFile, config.SourcePortAudio}, ", "))
	pf.IntVarP(&f.device, "device", "d", defaults.Source.Device,
		"Input device ID for the portaudio source. Use 'list' to see available devices.")
	pf.StringVarP(&f.file, "input", "i", "",
		"Audio file to replay (WAV, MP3, FLAC or Ogg Vorbis)")
	pf.BoolVar(&f.loop, "loop", defaults.Source.Loop,
		"Rewind the input file when it ends")
	pf.Float64Var(&f.toneFreq, "tone", defaults.Source.ToneFreq,
		"Frequency of the tone source, measured in Hertz (Hz)")
	pf.Float64VarP(&f.sampleRate, "sample-rate", "s", defaults.Capture.SampleRate,
		"Sample rate, measured in Hertz (Hz)")
	pf.StringVarP(&f.record, "record", "r", "",
		"Also write the captured samples to this WAV file")

	// Display
	pf.IntVarP(&f.bands, "bands", "n", defaults.Display.Bands,
		"Number of display bands")
	pf.Float64Var(&f.minFreq, "min-freq", defaults.Display.MinFreq,
		"Lowest displayed frequency (Hz)")
	pf.Float64Var(&f.maxFreq, "max-freq", defaults.Display.MaxFreq,
		"Highest displayed frequency (Hz)")
	pf.StringVarP(&f.mode, "mode", "m", defaults.Display.Mode,
		"Display mode: bars, rain, leds")
	pf.Float64Var(&f.decay, "decay", defaults.AGC.DecayRate,
		"Gain decay multiplier applied every refresh tick")
	pf.StringVar(&f.policy, "policy", defaults.AGC.Policy,
		"Band power policy: mean, max")

	// Transport
	pf.StringVar(&f.websocket, "websocket", "",
		"Serve display vectors to websocket clients on this address")
	pf.StringVar(&f.udp, "udp", "",
		"Send display vectors as UDP packets to this address")
	pf.BoolVar(&f.logFrames, "log-frames", false,
		"Log every display vector at debug level")

	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// apply copies the flags the user set into cfg and validates the result.
func (f *cliFlags) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	changed := fs.Changed

	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if f.verbose {
		cfg.LogLevel = "debug"
	}
	if changed("log-file") {
		cfg.LogFile = f.logFile
	}
	if f.noTUI {
		cfg.TUI = false
	}

	if changed("source") {
		cfg.Source.Kind = f.source
	}
	if changed("device") {
		cfg.Source.Device = f.device
		if !changed("source") {
			cfg.Source.Kind = config.SourcePortAudio
		}
	}
	if changed("input") {
		cfg.Source.File = f.file
		if !changed("source") {
			cfg.Source.Kind = config.SourceFile
		}
	}
	if changed("loop") {
		cfg.Source.Loop = f.loop
	}
	if changed("tone") {
		cfg.Source.ToneFreq = f.toneFreq
	}
	if changed("sample-rate") {
		cfg.Capture.SampleRate = f.sampleRate
	}
	if changed("record") {
		cfg.Source.Record = f.record
	}

	if changed("bands") {
		cfg.Display.Bands = f.bands
	}
	if changed("min-freq") {
		cfg.Display.MinFreq = f.minFreq
	}
	if changed("max-freq") {
		cfg.Display.MaxFreq = f.maxFreq
	}
	if changed("mode") {
		cfg.Display.Mode = f.mode
	}
	if changed("decay") {
		cfg.AGC.DecayRate = f.decay
	}
	if changed("policy") {
		cfg.AGC.Policy = f.policy
	}

	if changed("websocket") {
		cfg.Transport.WebSocketEnabled = true
		cfg.Transport.WebSocketAddress = f.websocket
	}
	if changed("udp") {
		cfg.Transport.UDPEnabled = true
		cfg.Transport.UDPTargetAddress = f.udp
	}
	if f.logFrames {
		cfg.Transport.LogFrames = true
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	return nil
}
