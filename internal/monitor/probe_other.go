//go:build !linux

package monitor

import "errors"

var errUnsupported = errors.New("host metrics are not supported on this platform")

type hostProbe struct{}

// HostProbe returns a Probe that reports every metric as unavailable.
func HostProbe() Probe {
	return hostProbe{}
}

func (hostProbe) DiskFreeBytes(string) (uint64, error) { return 0, errUnsupported }
func (hostProbe) MemoryPercent() (float64, error)      { return 0, errUnsupported }
func (hostProbe) CPUPercent() (float64, error)         { return 0, errUnsupported }
