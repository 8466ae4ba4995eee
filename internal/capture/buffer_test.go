// SPDX-License-Identifier: MIT
package capture

import (
	"errors"
	"slices"
	"sync"
	"testing"
)

func seq(start, n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = uint16(start + i)
	}
	return out
}

func expectProtocolError(t *testing.T, fn func()) *ProtocolError {
	t.Helper()
	var got *ProtocolError
	func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			err, ok := r.(error)
			if !ok || !errors.As(err, &got) {
				t.Fatalf("panic value %v is not a *ProtocolError", r)
			}
		}()
		fn()
	}()
	if got == nil {
		t.Fatal("expected a protocol violation panic")
	}
	return got
}

func TestSelectMode(t *testing.T) {
	tests := []struct {
		fs     float64
		window int
		want   Mode
	}{
		{44100, 2048, ModeBatch},     // 21.5 windows/s
		{26000, 2048, ModeStreaming}, // 12.7 windows/s
		{32768, 2048, ModeStreaming}, // exactly 16 is not above the threshold
		{8000, 256, ModeBatch},
		{8000, 0, ModeStreaming},
	}

	for _, tt := range tests {
		got := SelectMode(tt.fs, tt.window, DefaultFPSThreshold)
		if got != tt.want {
			t.Errorf("SelectMode(%v, %d) = %s, want %s", tt.fs, tt.window, got, tt.want)
		}
	}
}

func TestNewResetsState(t *testing.T) {
	b := New(ModeBatch, 8, 4)
	if b.Mode() != ModeBatch || b.Ready() {
		t.Fatalf("fresh batch buffer: mode=%s ready=%v", b.Mode(), b.Ready())
	}
	if off, n := b.Next(); off != 0 || n != 4 {
		t.Errorf("fresh batch Next() = %d, %d; want 0, 4", off, n)
	}

	s := New(ModeStreaming, 8, 2)
	if s.Mode() != ModeStreaming || s.Ready() {
		t.Fatalf("fresh streaming buffer: mode=%s ready=%v", s.Mode(), s.Ready())
	}
	if off, n := s.Next(); off != 6 || n != 2 {
		t.Errorf("fresh streaming Next() = %d, %d; want 6, 2", off, n)
	}
}

func TestBatchFill(t *testing.T) {
	b := NewBatch(8, 3)

	for !b.Ready() {
		off, n := b.Next()
		b.Deliver(seq(off, n), off)
	}

	if want := seq(0, 8); !slices.Equal(b.Snapshot(), want) {
		t.Errorf("snapshot = %v, want %v", b.Snapshot(), want)
	}

	b.Reset()
	if b.Ready() {
		t.Error("buffer still ready after Reset")
	}
	if off, _ := b.Next(); off != 0 {
		t.Errorf("Next offset after Reset = %d, want 0", off)
	}
}

func TestBatchLastChunkIsShort(t *testing.T) {
	b := NewBatch(8, 3)
	b.Deliver(seq(0, 3), 0)
	b.Deliver(seq(3, 3), 3)
	if off, n := b.Next(); off != 6 || n != 2 {
		t.Errorf("Next() = %d, %d; want 6, 2", off, n)
	}
}

func TestBatchProtocolViolations(t *testing.T) {
	t.Run("overflow", func(t *testing.T) {
		b := NewBatch(8, 4)
		b.Deliver(seq(0, 4), 0)
		err := expectProtocolError(t, func() { b.Deliver(seq(0, 6), 4) })
		if err.Mode != ModeBatch || err.Offset != 4 || err.Length != 6 {
			t.Errorf("unexpected error fields: %+v", err)
		}
	})

	t.Run("second completion without re-arm", func(t *testing.T) {
		b := NewBatch(4, 4)
		b.Deliver(seq(0, 4), 0)
		expectProtocolError(t, func() { b.Deliver(seq(0, 4), 0) })
	})

	t.Run("out of order", func(t *testing.T) {
		b := NewBatch(8, 4)
		expectProtocolError(t, func() { b.Deliver(seq(0, 4), 4) })
	})

	t.Run("negative offset", func(t *testing.T) {
		b := NewBatch(8, 4)
		expectProtocolError(t, func() { b.Deliver(seq(0, 4), -1) })
	})
}

func TestStreamingSlidesWindow(t *testing.T) {
	s := NewStreaming(8, 2)

	for i := range 3 {
		off, n := s.Next()
		s.Deliver(seq(i*2, n), off)
		if s.Ready() {
			t.Fatalf("ready after %d blocks, window not yet filled", i+1)
		}
	}
	off, n := s.Next()
	s.Deliver(seq(6, n), off)
	if !s.Ready() {
		t.Fatal("not ready after window filled")
	}
	if want := seq(0, 8); !slices.Equal(s.Snapshot(), want) {
		t.Errorf("snapshot = %v, want %v", s.Snapshot(), want)
	}

	// Every further block is a new overlapping window.
	s.Deliver(seq(8, 2), off)
	if !s.Ready() {
		t.Error("streaming buffer must stay ready once filled")
	}
	if want := seq(2, 8); !slices.Equal(s.Snapshot(), want) {
		t.Errorf("snapshot after shift = %v, want %v", s.Snapshot(), want)
	}

	s.Reset()
	if s.Ready() {
		t.Error("ready after Reset")
	}
}

func TestStreamingProtocolViolations(t *testing.T) {
	s := NewStreaming(8, 2)
	expectProtocolError(t, func() { s.Deliver(seq(0, 2), 0) })
	expectProtocolError(t, func() { s.Deliver(seq(0, 10), 0) })
}

func TestExchangeLatestWins(t *testing.T) {
	e := NewExchange(4)

	if _, ok := e.Take(); ok {
		t.Fatal("Take before any Publish returned a window")
	}

	e.PublishFrom([]uint16{1, 1, 1, 1})
	e.PublishFrom([]uint16{2, 2, 2, 2})

	got, ok := e.Take()
	if !ok || got[0] != 2 {
		t.Fatalf("Take() = %v, %v; want the newest window", got, ok)
	}
	if _, ok := e.Take(); ok {
		t.Error("second Take without Publish returned a window")
	}
}

func TestExchangeNeverTears(t *testing.T) {
	const (
		size   = 256
		rounds = 20000
	)
	e := NewExchange(size)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for r := 1; r <= rounds; r++ {
			back := e.Back()
			for i := range back {
				back[i] = uint16(r)
			}
			e.Publish()
		}
	}()

	last := uint16(0)
	for done := false; !done; {
		if w, ok := e.Take(); ok {
			v := w[0]
			for i, x := range w {
				if x != v {
					t.Fatalf("torn window: w[0]=%d w[%d]=%d", v, i, x)
				}
			}
			if v < last {
				t.Fatalf("window went backwards: %d after %d", v, last)
			}
			last = v
			done = v == rounds
		}
	}
	wg.Wait()
}

func TestDeliverAllocs(t *testing.T) {
	s := NewStreaming(2048, 256)
	block := seq(0, 256)
	off, _ := s.Next()
	allocs := testing.AllocsPerRun(100, func() {
		s.Deliver(block, off)
	})
	if allocs != 0 {
		t.Errorf("Deliver allocated %.0f times per call", allocs)
	}
}

func BenchmarkStreamingDeliver(b *testing.B) {
	s := NewStreaming(2048, 256)
	block := seq(0, 256)
	off, _ := s.Next()
	for b.Loop() {
		s.Deliver(block, off)
	}
}
