// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package memtrack implements process-wide memory accounting for the
// transformation engine, with warning thresholds, small-block pooling
// and spill-to-disk once the budget is exhausted.
package memtrack

import (
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/memory"
)

var (
	// Error is the default error class for the memtrack package.
	Error = errs.Class("memtrack")

	// ErrBudgetExceeded is returned by Alloc and Reserve when the budget
	// is exhausted and spilling is disabled.
	ErrBudgetExceeded = errs.Class("memory budget exceeded")
)

var mon = monkit.Package()

// maxPooledBlock is the largest block size served from pools. Larger
// allocations go straight to the runtime allocator.
const maxPooledBlock = 4 * memory.KiB

// Config configures a Manager.
type Config struct {
	MaxMemory         memory.Size `help:"memory budget for transformations, 0 means unlimited" default:"512MiB" testDefault:"64MiB"`
	WarningThreshold  float64     `help:"fraction of the budget that fires the warning callback" default:"0.75"`
	CriticalThreshold float64     `help:"fraction of the budget that fires the critical callback" default:"0.90"`
	SpillEnabled      bool        `help:"spill oversized working sets to disk instead of failing" default:"true"`
	SpillDir          string      `help:"directory for spill files, empty means the OS temp dir" default:""`
}

// Stats is a snapshot of the manager counters.
type Stats struct {
	Current        int64
	Peak           int64
	TotalAllocated int64
	TotalFreed     int64
	Allocations    int64
	Frees          int64
	SpillCount     int64
	SpillBytes     int64
}

// AvgAllocSize returns the mean size of all allocations so far.
func (s Stats) AvgAllocSize() float64 {
	if s.Allocations == 0 {
		return 0
	}
	return float64(s.TotalAllocated) / float64(s.Allocations)
}

// Manager tracks memory usage across all pipelines in the process.
//
// The zero value is not usable; call NewManager.
type Manager struct {
	log    *zap.Logger
	config Config

	// OnWarning and OnCritical fire exactly once per upward crossing of
	// their threshold; they re-arm when usage falls back below.
	OnWarning  func(Stats)
	OnCritical func(Stats)

	mu       sync.Mutex
	stats    Stats
	warned   bool
	critical bool

	pools map[int]*sync.Pool

	spill *spillStore
}

// NewManager creates a memory manager with the given budget.
func NewManager(log *zap.Logger, config Config) (*Manager, error) {
	spill, err := newSpillStore(config.SpillDir)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	m := &Manager{
		log:    log,
		config: config,
		pools:  make(map[int]*sync.Pool),
		spill:  spill,
	}
	for size := 64; size <= maxPooledBlock.Int(); size *= 2 {
		size := size
		m.pools[size] = &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, size)
				return &buf
			},
		}
	}
	return m, nil
}

// Alloc accounts for and returns a buffer of the given size. Small
// blocks come from pools. When the budget is exceeded the buffer is
// still returned if spilling is enabled, so the caller can move its
// working set to disk; otherwise ErrBudgetExceeded is returned.
func (m *Manager) Alloc(size int, tag string) ([]byte, error) {
	if size < 0 {
		return nil, Error.New("negative allocation: %d", size)
	}
	if err := m.Reserve(int64(size), tag); err != nil {
		return nil, err
	}

	if pooled := m.poolFor(size); pooled != nil {
		buf := *pooled.Get().(*[]byte)
		return buf[:size], nil
	}
	return make([]byte, size), nil
}

// Free returns a buffer to its pool and releases its accounting.
func (m *Manager) Free(buf []byte) {
	if pooled := m.poolFor(cap(buf)); pooled != nil {
		full := buf[:cap(buf)]
		pooled.Put(&full)
	}
	m.Release(int64(len(buf)))
}

// Reserve accounts for size bytes without handing out a buffer. Batch
// operators use it to cover memory the runtime owns, like row maps.
func (m *Manager) Reserve(size int64, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	max := m.config.MaxMemory.Int64()
	if max > 0 && m.stats.Current+size > max && !m.config.SpillEnabled {
		mon.Event("memtrack_budget_exceeded")
		return ErrBudgetExceeded.New("%s: %d + %d > %d", tag, m.stats.Current, size, max)
	}

	m.stats.Current += size
	m.stats.TotalAllocated += size
	m.stats.Allocations++
	if m.stats.Current > m.stats.Peak {
		m.stats.Peak = m.stats.Current
	}
	m.fireThresholdsLocked()
	return nil
}

// Release undoes a Reserve.
func (m *Manager) Release(size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.Current -= size
	if m.stats.Current < 0 {
		m.stats.Current = 0
	}
	m.stats.TotalFreed += size
	m.stats.Frees++
	m.fireThresholdsLocked()
}

// NeedsSpill reports whether adding size bytes would exceed the budget.
func (m *Manager) NeedsSpill(size int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	max := m.config.MaxMemory.Int64()
	return max > 0 && m.stats.Current+size > max
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Close tears down the manager and removes all spill files.
func (m *Manager) Close() error {
	return m.spill.Close()
}

func (m *Manager) poolFor(size int) *sync.Pool {
	if size == 0 || size > maxPooledBlock.Int() {
		return nil
	}
	blockSize := 64
	for blockSize < size {
		blockSize *= 2
	}
	return m.pools[blockSize]
}

// fireThresholdsLocked fires each callback once per upward crossing.
func (m *Manager) fireThresholdsLocked() {
	max := m.config.MaxMemory.Int64()
	if max <= 0 {
		return
	}
	usage := float64(m.stats.Current) / float64(max)

	switch {
	case usage >= m.config.CriticalThreshold:
		if !m.critical {
			m.critical = true
			mon.Event("memtrack_critical")
			if m.OnCritical != nil {
				m.OnCritical(m.stats)
			}
			if m.log != nil {
				m.log.Warn("memory usage critical",
					zap.Int64("current", m.stats.Current),
					zap.Int64("max", max))
			}
		}
	case usage >= m.config.WarningThreshold:
		m.critical = false
		if !m.warned {
			m.warned = true
			mon.Event("memtrack_warning")
			if m.OnWarning != nil {
				m.OnWarning(m.stats)
			}
		}
	default:
		m.warned = false
		m.critical = false
	}
}
