// Package resource samples host CPU and memory usage as an optional input
// to the dispatcher's auto-optimizer. Unlike a hard admission gate, a high
// reading here only nudges concurrency down a step; it never blocks
// dispatch outright.
package resource

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const pollInterval = 5 * time.Second

// Sampler polls CPU and memory usage in the background and reports a
// single [0, 1] pressure value derived from both.
type Sampler struct {
	log zerolog.Logger

	memCapMB uint64

	mu        sync.Mutex
	cpuPct    float64
	memUsedMB uint64
	ready     bool
}

// New builds a Sampler. memCapMB is the memory level treated as 100%
// pressure; 0 disables the memory component (CPU-only pressure).
func New(memCapMB uint64, log zerolog.Logger) *Sampler {
	return &Sampler{
		log:      log.With().Str("component", "resource").Logger(),
		memCapMB: memCapMB,
	}
}

// Start begins the background polling goroutine; it stops when ctx is
// cancelled.
func (s *Sampler) Start(ctx context.Context) {
	s.sample()
	ticker := time.NewTicker(pollInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}()
}

func (s *Sampler) sample() {
	cpuPcts, err := cpu.Percent(0, false)
	cpuPct := 0.0
	if err == nil && len(cpuPcts) > 0 {
		cpuPct = cpuPcts[0]
	} else if err != nil {
		s.log.Debug().Err(err).Msg("sampling cpu usage")
	}

	vmStat, err := mem.VirtualMemory()
	memUsedMB := uint64(0)
	if err == nil {
		memUsedMB = vmStat.Used / (1024 * 1024)
	} else {
		s.log.Debug().Err(err).Msg("sampling memory usage")
	}

	s.mu.Lock()
	s.cpuPct = cpuPct
	s.memUsedMB = memUsedMB
	s.ready = true
	s.mu.Unlock()
}

// Pressure returns a [0, 1] measure of how close the host is to its
// resource ceiling: the larger of CPU utilization and memory utilization
// against memCapMB. Returns 0 before the first sample completes.
func (s *Sampler) Pressure() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return 0
	}

	cpuFrac := s.cpuPct / 100.0
	if cpuFrac > 1 {
		cpuFrac = 1
	}

	memFrac := 0.0
	if s.memCapMB > 0 {
		memFrac = float64(s.memUsedMB) / float64(s.memCapMB)
		if memFrac > 1 {
			memFrac = 1
		}
	}

	if memFrac > cpuFrac {
		return memFrac
	}
	return cpuFrac
}
