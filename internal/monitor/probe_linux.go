//go:build linux

package monitor

import (
	"bufio"
	"errors"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// siLoadShift is the fixed-point shift of sysinfo load averages.
const siLoadShift = 16

type hostProbe struct{}

// meminfoPath is read for available memory.
const meminfoPath = "/proc/meminfo"

// HostProbe returns a Probe backed by statfs(2), /proc/meminfo and sysinfo(2).
func HostProbe() Probe {
	return hostProbe{}
}

func (hostProbe) DiskFreeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

// MemoryPercent reports the share of memory not available to new work.
// Reclaimable page cache counts as available, as in MemAvailable of
// /proc/meminfo; sysinfo(2) is used on kernels that lack it.
func (hostProbe) MemoryPercent() (float64, error) {
	if f, err := os.Open(meminfoPath); err == nil {
		pct, perr := memoryPercentFromMeminfo(f)
		f.Close()
		if perr == nil {
			return pct, nil
		}
	}

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	total := uint64(info.Totalram)
	if total == 0 {
		return 0, nil
	}
	free := uint64(info.Freeram) + uint64(info.Bufferram)
	return float64(total-min(free, total)) / float64(total) * 100, nil
}

var errNoMemAvailable = errors.New("meminfo: MemTotal or MemAvailable missing")

// memoryPercentFromMeminfo computes (MemTotal - MemAvailable) / MemTotal
// from the contents of /proc/meminfo.
func memoryPercentFromMeminfo(r io.Reader) (float64, error) {
	var total, available uint64
	var haveTotal, haveAvailable bool

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, rest, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "MemTotal":
			total, haveTotal = n, true
		case "MemAvailable":
			available, haveAvailable = n, true
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if !haveTotal || !haveAvailable || total == 0 {
		return 0, errNoMemAvailable
	}
	return float64(total-min(available, total)) / float64(total) * 100, nil
}

// CPUPercent approximates utilisation from the one-minute load average
// divided by the number of CPUs.
func (hostProbe) CPUPercent() (float64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	load := float64(info.Loads[0]) / float64(uint64(1)<<siLoadShift)
	return min(100, load/float64(runtime.NumCPU())*100), nil
}
