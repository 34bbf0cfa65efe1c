// Package monitor samples host resources and decides whether it is healthy
// enough to start new work.
package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/knpwrs/hlsarchiver/internal/config"
	"github.com/knpwrs/hlsarchiver/internal/logger"
)

// Unknown marks a metric the probe could not read. Unknown metrics never
// cause a violation.
const Unknown = -1

// Violation messages reported by IsHealthy.
const (
	ViolationDisk   = "low disk space"
	ViolationMemory = "high memory usage"
	ViolationCPU    = "high cpu usage"
)

// Probe reads raw host metrics.
type Probe interface {
	DiskFreeBytes(path string) (uint64, error)
	MemoryPercent() (float64, error)
	CPUPercent() (float64, error)
}

// SystemStatus is one snapshot of host resources.
type SystemStatus struct {
	FreeDiskGB    float64   `json:"freeDiskGb"`
	MemoryPercent float64   `json:"memoryPercent"`
	CPUPercent    float64   `json:"cpuPercent"`
	Timestamp     time.Time `json:"timestamp"`
}

// Thresholds are the limits a healthy snapshot stays within.
type Thresholds struct {
	MinDiskSpaceGB   float64
	MaxMemoryPercent float64
	MaxCPUPercent    float64
}

// ThresholdsFromConfig converts monitoring settings into Thresholds.
func ThresholdsFromConfig(cfg config.MonitoringConfig) Thresholds {
	return Thresholds{
		MinDiskSpaceGB:   cfg.MinDiskSpaceGB,
		MaxMemoryPercent: cfg.MaxMemoryPercent,
		MaxCPUPercent:    cfg.MaxCPUPercent,
	}
}

// AlertFunc is called with every unhealthy snapshot.
type AlertFunc func(status SystemStatus, violations []string)

// Monitor takes snapshots through a Probe and checks them against thresholds.
type Monitor struct {
	probe      Probe
	path       string
	thresholds Thresholds
	log        *logger.Logger

	mu     sync.Mutex
	alerts []AlertFunc
	last   *SystemStatus
}

// New creates a Monitor that measures free disk space at path. A nil probe
// uses the host probe.
func New(probe Probe, path string, thresholds Thresholds, log *logger.Logger) *Monitor {
	if probe == nil {
		probe = HostProbe()
	}
	return &Monitor{probe: probe, path: path, thresholds: thresholds, log: log}
}

// Thresholds returns the limits the monitor checks against.
func (m *Monitor) Thresholds() Thresholds {
	return m.thresholds
}

// Snapshot samples the host. Metrics that cannot be read are Unknown.
func (m *Monitor) Snapshot() SystemStatus {
	status := SystemStatus{
		FreeDiskGB:    Unknown,
		MemoryPercent: Unknown,
		CPUPercent:    Unknown,
		Timestamp:     time.Now(),
	}

	if free, err := m.probe.DiskFreeBytes(existingAncestor(m.path)); err == nil {
		status.FreeDiskGB = float64(free) / (1 << 30)
	} else {
		m.log.Debugf("Disk probe failed: %v", err)
	}
	if mem, err := m.probe.MemoryPercent(); err == nil {
		status.MemoryPercent = mem
	} else {
		m.log.Debugf("Memory probe failed: %v", err)
	}
	if cpu, err := m.probe.CPUPercent(); err == nil {
		status.CPUPercent = cpu
	} else {
		m.log.Debugf("CPU probe failed: %v", err)
	}

	m.mu.Lock()
	m.last = &status
	m.mu.Unlock()
	return status
}

// IsHealthy reports whether status is within thresholds, and which limits
// it violates.
func IsHealthy(status SystemStatus, thresholds Thresholds) (bool, []string) {
	var violations []string
	if status.FreeDiskGB != Unknown && status.FreeDiskGB < thresholds.MinDiskSpaceGB {
		violations = append(violations, ViolationDisk)
	}
	if status.MemoryPercent != Unknown && thresholds.MaxMemoryPercent > 0 && status.MemoryPercent > thresholds.MaxMemoryPercent {
		violations = append(violations, ViolationMemory)
	}
	if status.CPUPercent != Unknown && thresholds.MaxCPUPercent > 0 && status.CPUPercent > thresholds.MaxCPUPercent {
		violations = append(violations, ViolationCPU)
	}
	return len(violations) == 0, violations
}

// OnAlert registers fn to be called for every unhealthy Check.
func (m *Monitor) OnAlert(fn AlertFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, fn)
}

// Check takes a snapshot, evaluates it and fires alerts when unhealthy.
func (m *Monitor) Check() (SystemStatus, bool, []string) {
	status := m.Snapshot()
	healthy, violations := IsHealthy(status, m.thresholds)
	if healthy {
		return status, true, nil
	}

	m.log.Warnf("System unhealthy: %v (disk %.2f GB, memory %.1f%%, cpu %.1f%%)",
		violations, status.FreeDiskGB, status.MemoryPercent, status.CPUPercent)

	m.mu.Lock()
	alerts := append([]AlertFunc(nil), m.alerts...)
	m.mu.Unlock()
	for _, fn := range alerts {
		fn(status, violations)
	}
	return status, false, violations
}

// Last returns the most recent snapshot, if any.
func (m *Monitor) Last() (SystemStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return SystemStatus{}, false
	}
	return *m.last, true
}

// existingAncestor returns the closest existing directory at or above path,
// so free space can be measured before the storage root is created.
func existingAncestor(path string) string {
	p, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}
