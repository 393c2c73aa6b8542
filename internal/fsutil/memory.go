package fsutil

import (
	"os"
	"strconv"
	"strings"
	"syscall"
)

// AvailableMemoryMB returns available memory in MB.
func AvailableMemoryMB() (int64, error) {
	// /proc/meminfo accounts for reclaimable caches; Sysinfo does not
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		if mb, ok := parseMemAvailable(string(content)); ok {
			return mb, nil
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	availableBytes := int64(sysinfo.Freeram) * int64(sysinfo.Unit)
	return availableBytes / (1024 * 1024), nil
}

func parseMemAvailable(meminfo string) (int64, bool) {
	for _, line := range strings.Split(meminfo, "\n") {
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb / 1024, true
	}
	return 0, false
}

// MemoryProbe reports available memory in MB.
type MemoryProbe func() (int64, error)

// UnderPressure reports whether probe shows less than minFreeMB available.
// A failing probe or a non-positive threshold never reports pressure.
func UnderPressure(probe MemoryProbe, minFreeMB int64) (bool, int64) {
	if probe == nil || minFreeMB <= 0 {
		return false, 0
	}
	avail, err := probe()
	if err != nil {
		return false, 0
	}
	return avail < minFreeMB, avail
}
