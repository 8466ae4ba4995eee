// SPDX-License-Identifier: MIT
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"freqviz/internal/bands"
	applog "freqviz/internal/log"
	"freqviz/pkg/bitint"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the file LoadConfig looks for when no path is given.
const DefaultPath = "freqviz.yaml"

// Source kinds understood by the source factory.
const (
	SourceTone      = "tone"
	SourceWAV       = "wav"
	SourceFile      = "file"
	SourcePortAudio = "portaudio"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the main application configuration structure, loaded from YAML.
type Config struct {
	LogLevel  string          `yaml:"log_level"`         // Logging level (e.g., "debug", "info", "warn", "error").
	LogFile   string          `yaml:"log_file"`          // Write logs to this file instead of stderr (useful with the TUI).
	TUI       bool            `yaml:"tui"`               // Draw the terminal visualizer and accept key bindings.
	Command   string          `yaml:"command,omitempty"` // A one-off command to execute instead of running the pipeline.
	Capture   CaptureConfig   `yaml:"capture"`           // Sample acquisition settings.
	Display   DisplayConfig   `yaml:"display"`           // Band layout and display scaling.
	AGC       AGCConfig       `yaml:"agc"`               // Automatic gain control.
	Source    SourceConfig    `yaml:"source"`            // Where samples come from.
	Transport TransportConfig `yaml:"transport"`         // Where display vectors go.

	Path string `yaml:"-"` // File the configuration was loaded from, empty for built-in defaults.
}

// CaptureConfig holds settings related to the sample buffer and the FFT window.
type CaptureConfig struct {
	SampleRate   float64 `yaml:"sample_rate"`   // Sampling frequency in Hz.
	WindowSize   int     `yaml:"window_size"`   // Samples per FFT (power of 2, fixed for the process lifetime).
	StreamBlock  int     `yaml:"stream_block"`  // Block size for the sliding-window (streaming) mode.
	BatchBlock   int     `yaml:"batch_block"`   // Block size for the fill-then-analyze (batch) mode.
	FPSThreshold float64 `yaml:"fps_threshold"` // Windows per second above which batch mode is selected.
	ADCBits      int     `yaml:"adc_bits"`      // Resolution of the ADC codes (mid-scale is 1 << (bits-1)).
}

// DisplayConfig holds the band layout and how intensities are drawn.
type DisplayConfig struct {
	Bands       int     `yaml:"bands"`        // Requested number of display bands.
	MinFreq     float64 `yaml:"min_freq"`     // Lowest displayed frequency (Hz).
	MaxFreq     float64 `yaml:"max_freq"`     // Highest displayed frequency (Hz).
	Mode        string  `yaml:"mode"`         // "bars", "rain" or "leds".
	Height      int     `yaml:"height"`       // Full-scale bar height for bars/rain.
	Steps       int     `yaml:"steps"`        // Number of LEDs per band for leds.
	RefreshRate float64 `yaml:"refresh_rate"` // Display refresh / AGC decay ticks per second.
}

// AGCConfig holds the automatic gain control settings.
type AGCConfig struct {
	DecayRate float64 `yaml:"decay_rate"` // Running-maximum multiplier applied every refresh tick.
	Policy    string  `yaml:"policy"`     // Band power policy: "mean" or "max".
}

// SourceConfig selects and configures the sample source.
type SourceConfig struct {
	Kind          string  `yaml:"kind"`           // "tone", "wav", "file" or "portaudio".
	Device        int     `yaml:"device"`         // PortAudio device index (-1 for default).
	File          string  `yaml:"file"`           // WAV, MP3, FLAC or Ogg Vorbis file replayed in real time.
	Loop          bool    `yaml:"loop"`           // Rewind the file at EOF.
	ToneFreq      float64 `yaml:"tone_freq"`      // Frequency of the synthetic tone (Hz).
	ToneAmplitude float64 `yaml:"tone_amplitude"` // Tone amplitude as a fraction of full scale.
	Record        string  `yaml:"record"`         // Also write the captured samples to this WAV file.
}

// TransportConfig holds settings related to sending display vectors out of process.
type TransportConfig struct {
	WebSocketEnabled bool          `yaml:"websocket_enabled"`  // Broadcast display vectors to websocket clients.
	WebSocketAddress string        `yaml:"websocket_address"`  // Listen address for the websocket server.
	UDPEnabled       bool          `yaml:"udp_enabled"`        // Send display vectors over UDP.
	UDPTargetAddress string        `yaml:"udp_target_address"` // Target address and port for UDP packets.
	UDPSendInterval  time.Duration `yaml:"udp_send_interval"`  // Interval between UDP packets.
	LogFrames        bool          `yaml:"log_frames"`         // Log every display vector at debug level.
}

// Default returns the built-in configuration. The values follow the
// 75-band touchscreen analyzer this tool replaces.
func Default() Config {
	return Config{
		LogLevel: "info",
		TUI:      true,
		Capture: CaptureConfig{
			SampleRate:   44100,
			WindowSize:   2048,
			StreamBlock:  256,
			BatchBlock:   1024,
			FPSThreshold: 16,
			ADCBits:      12,
		},
		Display: DisplayConfig{
			Bands:       75,
			MinFreq:     40,
			MaxFreq:     13000,
			Mode:        "bars",
			Height:      185,
			Steps:       8,
			RefreshRate: 18,
		},
		AGC: AGCConfig{
			DecayRate: 0.999,
			Policy:    "mean",
		},
		Source: SourceConfig{
			Kind:          SourceTone,
			Device:        -1,
			Loop:          true,
			ToneFreq:      440,
			ToneAmplitude: 0.5,
		},
		Transport: TransportConfig{
			WebSocketAddress: ":8080",
			UDPTargetAddress: "127.0.0.1:9090",
			UDPSendInterval:  33 * time.Millisecond, // ~30Hz.
		},
	}
}

// LoadConfig loads configuration from a YAML file specified by path. If path is empty,
// it searches default locations (DefaultPath). If no file is found, it uses built-in
// defaults. After loading defaults or from file, it applies environment variable
// overrides and validates the final configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultPath); err != nil {
			cfg.applyEnvOverrides()
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid default configuration: %w", err)
			}
			return &cfg, nil
		}
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Path = path

	// Apply environment variable overrides AFTER loading from file.
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate rejects values the pipeline cannot run with. Frequency ranges that
// merely cannot be resolved (min >= max, max above Nyquist) are left to the
// band mapper, which degrades the band count instead.
func (c *Config) Validate() error {
	cp := c.Capture
	if !bitint.IsPowerOfTwo(cp.WindowSize) || cp.WindowSize < 4 {
		return fmt.Errorf("%w: capture.window_size %d must be a power of 2 >= 4 (try %d)",
			ErrInvalidConfig, cp.WindowSize, bitint.NextPowerOfTwo(cp.WindowSize))
	}
	if !bitint.Splits(cp.WindowSize, cp.StreamBlock) {
		return fmt.Errorf("%w: capture.stream_block %d must be a power of 2 <= window_size",
			ErrInvalidConfig, cp.StreamBlock)
	}
	if !bitint.Splits(cp.WindowSize, cp.BatchBlock) {
		return fmt.Errorf("%w: capture.batch_block %d must be a power of 2 <= window_size",
			ErrInvalidConfig, cp.BatchBlock)
	}
	if cp.ADCBits < 2 || cp.ADCBits > 16 {
		return fmt.Errorf("%w: capture.adc_bits %d out of range [2, 16]", ErrInvalidConfig, cp.ADCBits)
	}
	if cp.FPSThreshold <= 0 {
		return fmt.Errorf("%w: capture.fps_threshold must be positive", ErrInvalidConfig)
	}

	if err := c.Settings().Validate(); err != nil {
		return err
	}

	d := c.Display
	if d.Height < 1 {
		return fmt.Errorf("%w: display.height must be positive", ErrInvalidConfig)
	}
	if d.Steps < 1 || d.Steps > 32 {
		return fmt.Errorf("%w: display.steps %d out of range [1, 32]", ErrInvalidConfig, d.Steps)
	}
	if d.RefreshRate <= 0 {
		return fmt.Errorf("%w: display.refresh_rate must be positive", ErrInvalidConfig)
	}

	switch strings.ToLower(c.AGC.Policy) {
	case "mean", "max":
	default:
		return fmt.Errorf("%w: agc.policy %q (want mean or max)", ErrInvalidConfig, c.AGC.Policy)
	}

	switch c.Source.Kind {
	case SourceTone, SourcePortAudio:
	case SourceWAV, SourceFile:
		if c.Source.File == "" {
			return fmt.Errorf("%w: source.file must be set for the %s source", ErrInvalidConfig, c.Source.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown source.kind %q", ErrInvalidConfig, c.Source.Kind)
	}

	if c.Transport.UDPEnabled {
		if !strings.Contains(c.Transport.UDPTargetAddress, ":") {
			return fmt.Errorf("%w: transport.udp_target_address %q appears invalid (missing port?)",
				ErrInvalidConfig, c.Transport.UDPTargetAddress)
		}
		if c.Transport.UDPSendInterval <= 0 {
			return fmt.Errorf("%w: transport.udp_send_interval must be positive when UDP is enabled",
				ErrInvalidConfig)
		}
	}

	return nil
}

// Settings extracts the user-adjustable subset of the configuration.
func (c *Config) Settings() Settings {
	return Settings{
		SampleRate: c.Capture.SampleRate,
		MinFreq:    c.Display.MinFreq,
		MaxFreq:    c.Display.MaxFreq,
		Bands:      c.Display.Bands,
		DecayRate:  c.AGC.DecayRate,
		Mode:       c.Display.Mode,
	}
}

// applyEnvOverrides lets ENV_* variables replace file values so the same
// config file can be reused across machines.
func (cfg *Config) applyEnvOverrides() {
	// ENV_LOG_LEVEL
	if val, ok := os.LookupEnv("ENV_LOG_LEVEL"); ok {
		cfg.LogLevel = val
		applog.Infof("configuration: overriding log_level from env: %s", val)
	}
	// ENV_SAMPLE_RATE
	if val, ok := os.LookupEnv("ENV_SAMPLE_RATE"); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Capture.SampleRate = f
			applog.Infof("configuration: overriding capture.sample_rate from env: %.0f", f)
		}
	}
	// ENV_BANDS
	if val, ok := os.LookupEnv("ENV_BANDS"); ok {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Display.Bands = n
			applog.Infof("configuration: overriding display.bands from env: %d", n)
		}
	}

	// ENV_UDP_{...}
	// These are specific to the transport layer.

	// ENV_UDP_ENABLED
	if val, ok := os.LookupEnv("ENV_UDP_ENABLED"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Transport.UDPEnabled = bVal
			applog.Infof("configuration: overriding transport.udp_enabled from env: %v", bVal)
		}
	}
	// ENV_UDP_TARGET_ADDRESS
	if val, ok := os.LookupEnv("ENV_UDP_TARGET_ADDRESS"); ok {
		cfg.Transport.UDPTargetAddress = val
		applog.Infof("configuration: overriding transport.udp_target_address from env: %s", val)
	}
	// ENV_UDP_SEND_INTERVAL
	if val, ok := os.LookupEnv("ENV_UDP_SEND_INTERVAL"); ok {
		if dur, err := time.ParseDuration(val); err == nil {
			cfg.Transport.UDPSendInterval = dur
			applog.Infof("configuration: overriding transport.udp_send_interval from env: %s", dur)
		}
	}
}

// Settings is the tuple a configuration provider hands to the pipeline. Any
// change to it recomputes the band breakpoints and resets the gain state.
type Settings struct {
	SampleRate float64
	MinFreq    float64
	MaxFreq    float64
	Bands      int
	DecayRate  float64
	Mode       string
}

// Validate checks the values that would make log spacing or decay undefined.
func (s Settings) Validate() error {
	if !(s.SampleRate > 0) || math.IsInf(s.SampleRate, 0) {
		return fmt.Errorf("%w: sample rate %v must be positive", ErrInvalidConfig, s.SampleRate)
	}
	if !(s.MinFreq > 0) || !(s.MaxFreq > 0) {
		return fmt.Errorf("%w: display frequencies must be positive (min %v, max %v)",
			ErrInvalidConfig, s.MinFreq, s.MaxFreq)
	}
	if s.Bands < 1 || s.Bands > bands.MaxBands {
		return fmt.Errorf("%w: bands %d out of range [1, %d]", ErrInvalidConfig, s.Bands, bands.MaxBands)
	}
	if !(s.DecayRate > 0) || s.DecayRate > 1 {
		return fmt.Errorf("%w: decay rate %v must be in (0, 1]", ErrInvalidConfig, s.DecayRate)
	}
	switch strings.ToLower(s.Mode) {
	case "bars", "rain", "leds":
	default:
		return fmt.Errorf("%w: display mode %q (want bars, rain or leds)", ErrInvalidConfig, s.Mode)
	}
	return nil
}
