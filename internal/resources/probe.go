package resources

import (
	"os"
	"runtime"
	"runtime/metrics"
	"strconv"
	"strings"

	"github.com/pbnjay/memory"
)

// cgroup v1 reports "unlimited" as a huge page-aligned number.
const cgroupV1Unlimited = 1 << 62

var cgroupLimitFiles = []string{
	"/sys/fs/cgroup/memory.max",
	"/sys/fs/cgroup/memory/memory.limit_in_bytes",
}

// TotalMemoryBytes is the memory the process may use: physical RAM, lowered
// to the container limit when one applies.
func TotalMemoryBytes() uint64 {
	total := memory.TotalMemory()
	if limit, ok := cgroupMemoryLimit(); ok && (total == 0 || limit < total) {
		total = limit
	}
	if total > 0 {
		return total
	}

	// Neither source answered. Assume headroom of a few times the current heap.
	if heap, ok := readRuntimeMetric("/memory/classes/total:bytes"); ok && heap > 0 {
		return heap * 4
	}
	return 8 << 30
}

// processMemoryBytes samples resident memory, preferring the kernel's view.
func processMemoryBytes() uint64 {
	if rss, ok := procStatmRSS(); ok {
		return rss
	}
	if total, ok := readRuntimeMetric("/memory/classes/total:bytes"); ok && total > 0 {
		return total
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}

func readRuntimeMetric(name string) (uint64, bool) {
	sample := []metrics.Sample{{Name: name}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0, false
	}
	return sample[0].Value.Uint64(), true
}

func procStatmRSS() (uint64, bool) {
	if runtime.GOOS != "linux" {
		return 0, false
	}
	raw, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil || pages == 0 {
		return 0, false
	}
	return pages * uint64(os.Getpagesize()), true
}

func cgroupMemoryLimit() (uint64, bool) {
	if runtime.GOOS != "linux" {
		return 0, false
	}
	for _, path := range cgroupLimitFiles {
		limit, ok := readLimitFile(path)
		if !ok {
			continue
		}
		if limit > cgroupV1Unlimited {
			return 0, false
		}
		return limit, true
	}
	return 0, false
}

func readLimitFile(path string) (uint64, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "max" {
		return 0, false
	}
	limit, err := strconv.ParseUint(value, 10, 64)
	if err != nil || limit == 0 {
		return 0, false
	}
	return limit, true
}
