// Package resources admits registry work against a worker pool and a
// process memory budget.
package resources

import (
	"context"
	"log"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultMemoryBudgetPercent = 80
	minMemoryBudgetPercent     = 10
	maxMemoryBudgetPercent     = 95

	memoryWarnPercent          = 70
	memoryThrottleEnterPercent = 85
	memoryThrottleExitPercent  = 75

	logIntervalMemory  = 5 * time.Second
	logIntervalWorkers = 2 * time.Second
	logIntervalWrites  = 2 * time.Second
	throttleSleep      = 25 * time.Millisecond
	memorySamplePeriod = 300 * time.Millisecond
)

type Config struct {
	// MaxWorkers bounds concurrent searches and inserts. 0 picks a value
	// from the CPU count.
	MaxWorkers          int
	MemoryBudgetPercent int
	// SetRuntimeLimit applies the budget as the Go runtime soft memory limit.
	SetRuntimeLimit bool
}

func NormalizeConfig(cfg Config) Config {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers()
	}
	if cfg.MemoryBudgetPercent <= 0 {
		cfg.MemoryBudgetPercent = defaultMemoryBudgetPercent
	}
	cfg.MemoryBudgetPercent = min(max(cfg.MemoryBudgetPercent, minMemoryBudgetPercent), maxMemoryBudgetPercent)
	return cfg
}

// Stats is a point-in-time view of the manager for metrics and reports.
type Stats struct {
	MaxWorkers        int
	ActiveWorkers     int
	TotalMemoryBytes  uint64
	MemoryBudgetBytes uint64
	MemoryUsageBytes  uint64
	WritesThrottled   bool
}

// Manager is safe for concurrent use. A nil *Manager admits everything.
type Manager struct {
	cfg Config

	workerSem chan struct{}

	totalMemoryBytes   uint64
	memoryBudgetBytes  uint64
	memoryWarnBytes    uint64
	throttleEnterBytes uint64
	throttleExitBytes  uint64

	sampledUsageBytes atomic.Uint64
	writesThrottled   atomic.Bool

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	lastMemoryLog  atomic.Int64
	lastWorkersLog atomic.Int64
	lastWritesLog  atomic.Int64
}

// NewManager sizes the budget from TotalMemoryBytes and starts sampling
// process memory in the background. Call Stop to end sampling.
func NewManager(cfg Config) *Manager {
	cfg = NormalizeConfig(cfg)

	total := TotalMemoryBytes()
	budget := total * uint64(cfg.MemoryBudgetPercent) / 100
	if cfg.SetRuntimeLimit {
		debug.SetMemoryLimit(int64(budget))
	}

	m := newManager(cfg, total, budget)
	m.updateThrottleState(m.refreshUsage())
	go m.sampleLoop()
	return m
}

func newManager(cfg Config, total, budget uint64) *Manager {
	exitAt := budget * memoryThrottleExitPercent / 100
	enterAt := budget * memoryThrottleEnterPercent / 100
	if enterAt == 0 {
		enterAt = budget
	}
	return &Manager{
		cfg:                cfg,
		workerSem:          make(chan struct{}, cfg.MaxWorkers),
		totalMemoryBytes:   total,
		memoryBudgetBytes:  budget,
		memoryWarnBytes:    budget * memoryWarnPercent / 100,
		throttleEnterBytes: enterAt,
		throttleExitBytes:  min(exitAt, enterAt),
		stopCh:             make(chan struct{}),
		doneCh:             make(chan struct{}),
	}
}

func (m *Manager) Config() Config {
	if m == nil {
		return NormalizeConfig(Config{})
	}
	return m.cfg
}

func (m *Manager) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		MaxWorkers:        cap(m.workerSem),
		ActiveWorkers:     len(m.workerSem),
		TotalMemoryBytes:  m.totalMemoryBytes,
		MemoryBudgetBytes: m.memoryBudgetBytes,
		MemoryUsageBytes:  m.sampledUsageBytes.Load(),
		WritesThrottled:   m.writesThrottled.Load(),
	}
}

func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() {
		close(m.stopCh)
		<-m.doneCh
	})
}

// AcquireWorker blocks until a worker slot is free or ctx ends.
func (m *Manager) AcquireWorker(ctx context.Context, op string) error {
	if m == nil {
		return nil
	}
	select {
	case m.workerSem <- struct{}{}:
		return nil
	default:
		if shouldLog(&m.lastWorkersLog, logIntervalWorkers) {
			log.Printf("WARN resources: workers saturated op=%s active=%d max=%d", op, len(m.workerSem), cap(m.workerSem))
		}
	}

	select {
	case m.workerSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) ReleaseWorker() {
	if m == nil {
		return
	}
	select {
	case <-m.workerSem:
	default:
	}
}

// WaitWriteAllowance holds inserts while memory usage is above the throttle
// band. It returns when usage drops below the exit mark or ctx ends.
func (m *Manager) WaitWriteAllowance(ctx context.Context, reserveBytes uint64) error {
	if m == nil {
		return nil
	}
	for {
		usage := m.currentUsage()
		throttled := m.updateThrottleState(usage)
		m.maybeLogMemoryWarning(usage)
		if !throttled && usage+reserveBytes < m.memoryBudgetBytes {
			return nil
		}

		if shouldLog(&m.lastWritesLog, logIntervalWrites) {
			log.Printf("WARN resources: writes throttled usage=%d reserve=%d budget=%d throttle_enter=%d throttle_exit=%d",
				usage, reserveBytes, m.memoryBudgetBytes, m.throttleEnterBytes, m.throttleExitBytes)
		}
		if err := sleepContext(ctx, throttleSleep); err != nil {
			return err
		}
	}
}

func (m *Manager) currentUsage() uint64 {
	if usage := m.sampledUsageBytes.Load(); usage != 0 {
		return usage
	}
	return m.refreshUsage()
}

func (m *Manager) refreshUsage() uint64 {
	usage := processMemoryBytes()
	m.sampledUsageBytes.Store(usage)
	return usage
}

func (m *Manager) sampleLoop() {
	ticker := time.NewTicker(memorySamplePeriod)
	defer ticker.Stop()
	defer close(m.doneCh)
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.updateThrottleState(m.refreshUsage())
		}
	}
}

// updateThrottleState applies hysteresis: throttling starts at the enter
// mark and stops only once usage falls to the exit mark.
func (m *Manager) updateThrottleState(usage uint64) bool {
	for {
		prev := m.writesThrottled.Load()
		next := prev
		if !prev && usage >= m.throttleEnterBytes {
			next = true
		}
		if prev && usage <= m.throttleExitBytes {
			next = false
		}
		if prev == next || m.writesThrottled.CompareAndSwap(prev, next) {
			return next
		}
	}
}

func (m *Manager) maybeLogMemoryWarning(usage uint64) {
	if m.memoryWarnBytes == 0 || usage < m.memoryWarnBytes {
		return
	}
	if shouldLog(&m.lastMemoryLog, logIntervalMemory) {
		pct := float64(usage) * 100
		if m.memoryBudgetBytes > 0 {
			pct /= float64(m.memoryBudgetBytes)
		}
		log.Printf("WARN resources: memory usage high usage=%d budget=%d usage_of_budget=%.1f%%", usage, m.memoryBudgetBytes, pct)
	}
}

func defaultMaxWorkers() int {
	return min(max(runtime.NumCPU(), 2), 16)
}

func shouldLog(last *atomic.Int64, interval time.Duration) bool {
	now := time.Now().UnixNano()
	for {
		prev := last.Load()
		if prev != 0 && now-prev < interval.Nanoseconds() {
			return false
		}
		if last.CompareAndSwap(prev, now) {
			return true
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
