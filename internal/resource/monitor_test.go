package resource

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPressure_ZeroBeforeFirstSample(t *testing.T) {
	s := New(1024, zerolog.Nop())
	if got := s.Pressure(); got != 0 {
		t.Fatalf("Pressure() before sampling = %v, want 0", got)
	}
}

func TestPressure_ReadyAfterStart(t *testing.T) {
	s := New(1024, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	p := s.Pressure()
	if p < 0 || p > 1 {
		t.Fatalf("Pressure() = %v, want value in [0, 1]", p)
	}
}

func TestPressure_MemCapZeroDisablesMemoryComponent(t *testing.T) {
	s := New(0, zerolog.Nop())
	s.cpuPct = 42
	s.memUsedMB = 999999
	s.ready = true

	if got := s.Pressure(); got != 0.42 {
		t.Fatalf("Pressure() = %v, want 0.42 (cpu-only)", got)
	}
}
