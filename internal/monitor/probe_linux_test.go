//go:build linux

package monitor

import (
	"errors"
	"math"
	"strings"
	"testing"
)

// A host with most of its memory in page cache: MemFree is low but
// MemAvailable is high.
const cachedMeminfo = `MemTotal:       16000000 kB
MemFree:          400000 kB
MemAvailable:   12000000 kB
Buffers:          200000 kB
Cached:         11000000 kB
SwapTotal:             0 kB
`

func TestMemoryPercentFromMeminfo(t *testing.T) {
	tests := []struct {
		name     string
		meminfo  string
		expected float64
		err      error
	}{
		{"page cache is available", cachedMeminfo, 25, nil},
		{"fully used", "MemTotal: 1000 kB\nMemAvailable: 0 kB\n", 100, nil},
		{"available above total", "MemTotal: 1000 kB\nMemAvailable: 2000 kB\n", 0, nil},
		{"old kernel", "MemTotal: 1000 kB\nMemFree: 10 kB\n", 0, errNoMemAvailable},
		{"empty", "", 0, errNoMemAvailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := memoryPercentFromMeminfo(strings.NewReader(tt.meminfo))
			if !errors.Is(err, tt.err) {
				t.Fatalf("Expected error %v, got %v", tt.err, err)
			}
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("Expected %.2f%%, got %.2f%%", tt.expected, got)
			}
		})
	}
}

func TestHostProbeMemoryPercentInRange(t *testing.T) {
	pct, err := HostProbe().MemoryPercent()
	if err != nil {
		t.Fatalf("MemoryPercent failed: %v", err)
	}
	if pct < 0 || pct > 100 {
		t.Errorf("Expected a percentage, got %f", pct)
	}
}
