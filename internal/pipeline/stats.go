// SPDX-License-Identifier: MIT
package pipeline

import "sync/atomic"

// Stats counts pipeline events. Counters are updated from both the capture
// goroutine and the consumer and may be read at any time.
type Stats struct {
	Cycles        atomic.Uint64 // Snapshots analyzed.
	Frames        atomic.Uint64 // Display vectors handed to the sink.
	Overruns      atomic.Uint64 // Source reported lost samples.
	Mismatches    atomic.Uint64 // Short reads.
	Dropped       atomic.Uint64 // Blocks read while batch capture was not armed.
	SourceErrors  atomic.Uint64 // Other source failures.
	DisplayErrors atomic.Uint64 // Failed sink writes.
	Reconfigs     atomic.Uint64 // Settings applied.
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Cycles        uint64
	Frames        uint64
	Overruns      uint64
	Mismatches    uint64
	Dropped       uint64
	SourceErrors  uint64
	DisplayErrors uint64
	Reconfigs     uint64
}

// Snapshot copies every counter.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Cycles:        s.Cycles.Load(),
		Frames:        s.Frames.Load(),
		Overruns:      s.Overruns.Load(),
		Mismatches:    s.Mismatches.Load(),
		Dropped:       s.Dropped.Load(),
		SourceErrors:  s.SourceErrors.Load(),
		DisplayErrors: s.DisplayErrors.Load(),
		Reconfigs:     s.Reconfigs.Load(),
	}
}

// Sub returns the per counter difference s - prev.
func (s StatsSnapshot) Sub(prev StatsSnapshot) StatsSnapshot {
	return StatsSnapshot{
		Cycles:        s.Cycles - prev.Cycles,
		Frames:        s.Frames - prev.Frames,
		Overruns:      s.Overruns - prev.Overruns,
		Mismatches:    s.Mismatches - prev.Mismatches,
		Dropped:       s.Dropped - prev.Dropped,
		SourceErrors:  s.SourceErrors - prev.SourceErrors,
		DisplayErrors: s.DisplayErrors - prev.DisplayErrors,
		Reconfigs:     s.Reconfigs - prev.Reconfigs,
	}
}
