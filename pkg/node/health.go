package node

import (
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
)

// Sampler produces per-core utilization values in [0,1].
type Sampler interface {
	Sample() ([]float64, error)
}

// CPUSampler derives per-core utilization from deltas of the cumulative
// busy/idle counters between successive health calls. The baseline is taken
// at construction, so the first sample reports the lifetime average since
// process start.
type CPUSampler struct {
	mu   sync.Mutex
	prev []cpu.TimesStat
}

// NewCPUSampler records the process-start baseline.
func NewCPUSampler() (*CPUSampler, error) {
	prev, err := cpu.Times(true)
	if err != nil {
		return nil, fmt.Errorf("failed to read per-core cpu times: %w", err)
	}
	return &CPUSampler{prev: prev}, nil
}

// Sample returns one utilization value per core: 1 - idleΔ/(userΔ+sysΔ+idleΔ).
func (s *CPUSampler) Sample() ([]float64, error) {
	cur, err := cpu.Times(true)
	if err != nil {
		return nil, fmt.Errorf("failed to read per-core cpu times: %w", err)
	}

	s.mu.Lock()
	prev := s.prev
	s.prev = cur
	s.mu.Unlock()

	usage := make([]float64, len(cur))
	for i := range cur {
		if i >= len(prev) {
			break
		}
		userDelta := cur[i].User - prev[i].User
		sysDelta := cur[i].System - prev[i].System
		idleDelta := cur[i].Idle - prev[i].Idle

		total := userDelta + sysDelta + idleDelta
		if total <= 0 {
			continue
		}
		u := 1 - idleDelta/total
		if u < 0 {
			u = 0
		} else if u > 1 {
			u = 1
		}
		usage[i] = u
	}
	return usage, nil
}
