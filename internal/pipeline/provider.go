// SPDX-License-Identifier: MIT
package pipeline

import (
	"context"
	"math"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"freqviz/internal/config"
	applog "freqviz/internal/log"
)

// Provider supplies settings changes and is told when the band count or
// sampling frequency it asked for could not be honored.
type Provider interface {
	// Settings delivers new settings. Every value received triggers a
	// recomputation of the band layout and a reset of the gain state.
	Settings() <-chan config.Settings
	// BandCountOverridden reports the effective band count. It must not block.
	BandCountOverridden(n int)
	// SampleRateOverridden reports the rate the source actually runs at
	// after it refused the requested one. It must not block.
	SampleRateOverridden(fs float64)
}

// StaticProvider serves settings from the configuration file. Watch reloads
// the file on SIGHUP.
type StaticProvider struct {
	ch         chan config.Settings
	overridden atomic.Int64
	rate       atomic.Uint64 // math.Float64bits of the overriding rate.
}

var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider creates a provider with no pending change.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{ch: make(chan config.Settings, 1)}
}

func (p *StaticProvider) Settings() <-chan config.Settings { return p.ch }

// Push queues s, replacing a change that was not yet consumed.
func (p *StaticProvider) Push(s config.Settings) {
	for {
		select {
		case p.ch <- s:
			return
		default:
		}
		select {
		case <-p.ch:
		default:
		}
	}
}

// BandCountOverridden records n. The file is not rewritten.
func (p *StaticProvider) BandCountOverridden(n int) {
	p.overridden.Store(int64(n))
	applog.Warnf("config: requested band count cannot be resolved, showing %d bands", n)
}

// Overridden returns the last effective band count reported, or 0.
func (p *StaticProvider) Overridden() int { return int(p.overridden.Load()) }

// SampleRateOverridden records fs. The file is not rewritten.
func (p *StaticProvider) SampleRateOverridden(fs float64) {
	p.rate.Store(math.Float64bits(fs))
	applog.Warnf("config: requested sample rate is not supported by the source, running at %.0f Hz", fs)
}

// OverriddenRate returns the last sampling frequency reported, or 0.
func (p *StaticProvider) OverriddenRate() float64 { return math.Float64frombits(p.rate.Load()) }

// Watch calls reload on every SIGHUP and pushes the result until ctx is done.
// A reload error keeps the current settings.
func (p *StaticProvider) Watch(ctx context.Context, reload func() (config.Settings, error)) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			s, err := reload()
			if err != nil {
				applog.Errorf("config: reload failed, keeping current settings: %v", err)
				continue
			}
			applog.Infof("config: reloaded (%d bands, %.0f-%.0f Hz, %.0f Hz sampling)",
				s.Bands, s.MinFreq, s.MaxFreq, s.SampleRate)
			p.Push(s)
		}
	}
}
