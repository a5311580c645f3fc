// Package memory implements the process-wide memory budget semaphore.
package memory

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quotagate/quotagate/internal/semaphore"
)

// AvailableMemoryKBFunc is injected so memory inspection is testable; the
// default implementation parses /proc/meminfo.
type AvailableMemoryKBFunc func() int64

// Config controls how the process memory budget is derived and refreshed.
type Config struct {
	FreeMemoryRatio         float64
	MinCapacityKB           int64
	MaxCapacityKB           int64
	RecalculationIntervalMs int64
	AvailableMemoryKB       AvailableMemoryKBFunc
}

// OnChange is invoked whenever an acquire/release/resize changes availability.
// reason is always "memory" for this manager.
type OnChange func(availableKB int64, maxKB int64)

// Manager owns one process-wide weighted Semaphore sized from a fraction of
// available system memory, clamped to [min, max], recalculated on an
// interval.
type Manager struct {
	sem      *semaphore.Semaphore
	cfg      Config
	onChange OnChange

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// DefaultAvailableMemoryKB reads MemAvailable from /proc/meminfo. It returns
// 0 if the file cannot be read or parsed, which callers should treat as
// "unknown" (MemoryManager then clamps to MinCapacityKB).
func DefaultAvailableMemoryKB() int64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb
	}
	return 0
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// New creates a Manager. onChange may be nil.
func New(cfg Config, onChange OnChange) *Manager {
	if cfg.AvailableMemoryKB == nil {
		cfg.AvailableMemoryKB = DefaultAvailableMemoryKB
	}
	if cfg.RecalculationIntervalMs <= 0 {
		cfg.RecalculationIntervalMs = 1000
	}
	if cfg.FreeMemoryRatio <= 0 {
		cfg.FreeMemoryRatio = 0.5
	}
	initial := clamp(int64(float64(cfg.AvailableMemoryKB())*cfg.FreeMemoryRatio), cfg.MinCapacityKB, cfg.MaxCapacityKB)
	return &Manager{
		sem:      semaphore.New(initial),
		cfg:      cfg,
		onChange: onChange,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic recalculation loop. Safe to call once.
func (m *Manager) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go m.recalcLoop()
}

// Stop halts the recalculation loop. Idempotent.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) recalcLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Duration(m.cfg.RecalculationIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.recalculate()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) recalculate() {
	newMax := clamp(int64(float64(m.cfg.AvailableMemoryKB())*m.cfg.FreeMemoryRatio), m.cfg.MinCapacityKB, m.cfg.MaxCapacityKB)
	if newMax == m.sem.Max() {
		return
	}
	m.sem.Resize(newMax)
	m.notify()
}

func (m *Manager) notify() {
	if m.onChange != nil {
		m.onChange(m.sem.Available(), m.sem.Max())
	}
}

// Acquire reserves estimatedKB kilobytes. A zero estimate is a no-op
// (callers with no memory estimate skip the memory dimension entirely).
func (m *Manager) Acquire(ctx context.Context, estimatedKB int64) error {
	if estimatedKB <= 0 {
		return nil
	}
	if err := m.sem.Acquire(ctx, estimatedKB); err != nil {
		return err
	}
	m.notify()
	return nil
}

// Release mirrors Acquire.
func (m *Manager) Release(estimatedKB int64) {
	if estimatedKB <= 0 {
		return
	}
	m.sem.Release(estimatedKB)
	m.notify()
}

// AvailableKB returns the current available budget.
func (m *Manager) AvailableKB() int64 {
	return m.sem.Available()
}

// MaxKB returns the current max budget.
func (m *Manager) MaxKB() int64 {
	return m.sem.Max()
}
