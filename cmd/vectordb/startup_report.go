package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	sysmemory "github.com/pbnjay/memory"

	"github.com/futlize/vectordb/internal/config"
	"github.com/futlize/vectordb/internal/dberr"
	"github.com/futlize/vectordb/internal/registry"
	"github.com/futlize/vectordb/internal/resources"
	"github.com/futlize/vectordb/internal/search"
)

type startupField struct {
	name  string
	value string
}

type startupInfo struct {
	cfg             config.Config
	configPath      string
	listenAddr      string
	resources       resources.Stats
	registry        *registry.Registry
	recoveryElapsed time.Duration
}

func logStartupInitializationReport(info startupInfo) {
	cfg := info.cfg
	dataDir := absoluteOrOriginal(cfg.Data.Directory)

	kernel := strings.TrimSpace(kernelVersion())
	if kernel == "" {
		kernel = "unknown"
	}

	log.Printf("INFO startup initialization report")

	logInfoSection("System", []startupField{
		{name: "os name", value: runtime.GOOS},
		{name: "kernel version", value: kernel},
		{name: "go version", value: runtime.Version()},
		{name: "cpu architecture", value: runtime.GOARCH},
		{name: "detected cpu cores", value: formatCount(int64(runtime.NumCPU()))},
		{name: "gomaxprocs", value: formatCount(int64(runtime.GOMAXPROCS(0)))},
		{name: "total system memory", value: formatBytes(sysmemory.TotalMemory())},
		{name: "available system memory", value: formatBytes(sysmemory.FreeMemory())},
	})

	storageFields := []startupField{
		{name: "data directory path", value: dataDir},
		{name: "index layout", value: filepath.Join(dataDir, "index-<id>", "{meta.bin,entries.log,hnsw.graph}")},
		{name: "fsync policy", value: "fsync on every entry append"},
		{name: "max vectors per index", value: formatCount(int64(cfg.Data.MaxVectorsPerIndex))},
		{name: "config file", value: absoluteOrOriginal(info.configPath)},
	}
	if disk, err := diskSpace(dataDir); err != nil {
		storageFields = append(storageFields, startupField{name: "free disk space", value: "unavailable (" + err.Error() + ")"})
	} else {
		storageFields = append(storageFields, startupField{
			name:  "free disk space",
			value: fmt.Sprintf("%s of %s", formatBytes(disk.free), formatBytes(disk.total)),
		})
	}
	logInfoSection("Storage", storageFields)

	res := info.resources
	logInfoSection("Engine", []startupField{
		{name: "memory budget", value: fmt.Sprintf("%s (%d%% of %s)", formatBytes(res.MemoryBudgetBytes), cfg.Resources.MemoryBudgetPercent, formatBytes(res.TotalMemoryBytes))},
		{name: "worker slots", value: formatCount(int64(res.MaxWorkers))},
		{name: "concurrent searches", value: formatCount(int64(cfg.Guardrails.MaxConcurrentSearch))},
		{name: "concurrent writes", value: formatCount(int64(cfg.Guardrails.MaxConcurrentWrite))},
		{name: "search cache", value: cacheSummary(cfg.Cache)},
		{name: "listen address", value: info.listenAddr},
		{name: "metrics address", value: metricsSummary(cfg.Server.MetricsPort)},
	})

	logInfoSection("Index", []startupField{
		{name: "optimizations", value: search.None.String() + ", " + search.HNSW.String()},
		{name: "hnsw parameters", value: fmt.Sprintf("M=%d efConstruction=%d efSearch=%d", cfg.HNSW.M, cfg.HNSW.EfConstruction, cfg.HNSW.EfSearch)},
		{name: "graph persistence", value: "snapshot on close, rebuilt from entries when stale"},
	})

	indexes, err := info.registry.ListIndexes(context.Background())
	if err != nil {
		log.Printf("WARN startup report: list indexes: %v", err)
	}
	var entries int64
	for _, idx := range indexes {
		entries += int64(idx.Count)
	}
	logInfoSection("Recovery", []startupField{
		{name: "recovery duration", value: formatDuration(info.recoveryElapsed)},
		{name: "indexes loaded", value: formatCount(int64(len(indexes)))},
		{name: "entries loaded", value: formatCount(entries)},
	})
}

func logInfoSection(section string, fields []startupField) {
	log.Printf("INFO [%s]", section)
	for _, field := range fields {
		log.Printf("INFO   %-24s %s", field.name+":", field.value)
	}
}

func fatalStartup(stage string, err error) {
	log.Printf("ERROR startup failed at %s: %v", stage, err)
	for _, line := range startupDiagnostics(err) {
		log.Printf("ERROR diagnostic: %s", line)
	}
	os.Exit(1)
}

func startupDiagnostics(err error) []string {
	var out []string
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		out = append(out, fmt.Sprintf("filesystem operation failed op=%s path=%s", pathErr.Op, pathErr.Path))
	}

	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, os.ErrPermission) || strings.Contains(msg, "permission denied"):
		out = append(out, "permission denied. verify read/write permissions for data.directory and its index directories.")
	case strings.Contains(msg, "invalid meta format") || strings.Contains(msg, "unsupported meta version") || strings.Contains(msg, "invalid meta"):
		out = append(out, "index metadata is corrupted or incompatible. restore meta.bin from backup or remove the index directory.")
	case strings.Contains(msg, "invalid log magic") || strings.Contains(msg, "unsupported log version") || strings.Contains(msg, "entry log"):
		out = append(out, "entry log appears corrupted or incompatible. inspect entries.log in the reported index directory before restarting.")
	case strings.Contains(msg, "data dir"):
		out = append(out, "invalid or inaccessible data.directory configuration.")
	case strings.Contains(msg, "address already in use"):
		out = append(out, "listen port is taken. change server.port or stop the other process.")
	case errors.Is(err, dberr.ErrStorageFailure):
		out = append(out, "storage layer failed while opening indexes. check disk health and free space.")
	}
	return out
}

func cacheSummary(c config.CacheConfig) string {
	if !c.Enabled || c.TTLSeconds <= 0 {
		return "disabled"
	}
	return "ttl " + formatDuration(time.Duration(c.TTLSeconds)*time.Second)
}

func metricsSummary(port int) string {
	if port <= 0 {
		return "disabled"
	}
	return fmt.Sprintf(":%d/metrics", port)
}

func absoluteOrOriginal(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func formatBytes(v uint64) string {
	if v == 0 {
		return "0 B"
	}
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	value := float64(v)
	unit := 0
	for value >= 1024 && unit < len(units)-1 {
		value /= 1024
		unit++
	}
	if unit == 0 {
		return fmt.Sprintf("%d %s", v, units[unit])
	}
	return fmt.Sprintf("%.2f %s", value, units[unit])
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return d.Round(time.Millisecond).String()
}

func formatCount(n int64) string {
	s := strconv.FormatInt(n, 10)
	sign := ""
	if n < 0 {
		sign, s = "-", s[1:]
	}
	if len(s) <= 3 {
		return sign + s
	}
	var b strings.Builder
	b.WriteString(sign)
	first := len(s) % 3
	if first == 0 {
		first = 3
	}
	b.WriteString(s[:first])
	for i := first; i < len(s); i += 3 {
		b.WriteByte(',')
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
