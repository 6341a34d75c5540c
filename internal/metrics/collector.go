// Package metrics provides in-memory request statistics collection.
package metrics

import (
	"strings"
	"sync"
	"time"
)

// OperationMetrics holds aggregated timings for one API area.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64
}

// API areas the collector distinguishes.
const (
	OpAuth   = "auth"
	OpThemes = "themes"
	OpFiles  = "files"
	OpTasks  = "tasks"
	OpOther  = "other"
)

// OperationForPath buckets a request path into an API area.
func OperationForPath(path string) string {
	switch {
	case strings.HasPrefix(path, "/auth"):
		return OpAuth
	case strings.HasPrefix(path, "/themes"):
		return OpThemes
	case strings.HasPrefix(path, "/files"):
		return OpFiles
	case strings.HasPrefix(path, "/tasks"):
		return OpTasks
	default:
		return OpOther
	}
}

// Collector aggregates request statistics. All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// Record adds one observation for the given operation.
func (c *Collector) Record(op string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: d, MaxTime: d}
		c.ops[op] = m
	}
	m.Count++
	m.TotalTime += d
	if d < m.MinTime {
		m.MinTime = d
	}
	if d > m.MaxTime {
		m.MaxTime = d
	}
}

// Uptime returns the collector's age.
func (c *Collector) Uptime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.startTime)
}

// Snapshot returns computed stats per operation.
func (c *Collector) Snapshot() map[string]OperationSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationSnapshot, len(c.ops))
	for op, m := range c.ops {
		snap := OperationSnapshot{
			Count:       m.Count,
			TotalTimeMs: m.TotalTime.Milliseconds(),
			MinTimeMs:   m.MinTime.Milliseconds(),
			MaxTimeMs:   m.MaxTime.Milliseconds(),
		}
		if m.Count > 0 {
			snap.AvgTimeMs = float64(m.TotalTime.Milliseconds()) / float64(m.Count)
		}
		out[op] = snap
	}
	return out
}
