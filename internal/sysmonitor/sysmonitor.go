// Package sysmonitor samples process CPU usage and gates new connection
// acceptance during overload, repurposing the teacher's
// container-CPU-aware pause/reject thresholds (originally used to pause
// Kafka consumption) into a Channel Server admission-control signal
// (§5's resource policy; DESIGN.md).
package sysmonitor

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// Monitor periodically samples CPU usage as a percentage of one core and
// exposes a lock-free snapshot for the accept path to check without
// blocking.
type Monitor struct {
	rejectThreshold float64
	pauseThreshold  float64
	cpuPercent      atomic.Value // float64
	proc            *process.Process
	stop            chan struct{}
}

func New(rejectThreshold, pauseThreshold float64) (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	m := &Monitor{
		rejectThreshold: rejectThreshold,
		pauseThreshold:  pauseThreshold,
		proc:            proc,
		stop:            make(chan struct{}),
	}
	m.cpuPercent.Store(0.0)
	return m, nil
}

// Start launches the background sampling loop at the given interval.
func (m *Monitor) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if pct, err := m.proc.CPUPercent(); err == nil {
					m.cpuPercent.Store(pct)
				} else if hostPct, herr := cpu.Percent(0, false); herr == nil && len(hostPct) > 0 {
					m.cpuPercent.Store(hostPct[0])
				}
			case <-m.stop:
				return
			}
		}
	}()
}

func (m *Monitor) Stop() { close(m.stop) }

// CPUPercent returns the most recent sample.
func (m *Monitor) CPUPercent() float64 {
	return m.cpuPercent.Load().(float64)
}

// ShouldRejectConnections reports whether new Channel Server accepts
// should be refused until load drops.
func (m *Monitor) ShouldRejectConnections() bool {
	return m.CPUPercent() >= m.rejectThreshold
}

// ShouldPauseNonCritical reports whether non-critical background work
// (e.g. download pacing, relation-cache warm reloads) should back off.
func (m *Monitor) ShouldPauseNonCritical() bool {
	return m.CPUPercent() >= m.pauseThreshold
}
