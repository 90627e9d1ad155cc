// Package metrics provides in-memory runtime statistics collection for
// the worker daemon. Counters are per pipeline stage and reset with the
// process; durable progress lives in the outcome records, this is purely
// operational visibility.
package metrics

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// Operation names for the collector.
const (
	OpExtract      = "extract"
	OpChunk        = "chunk"
	OpEmbed        = "embed"
	OpVectorUpsert = "vector_upsert"
	OpReduce       = "reduce"
	OpCluster      = "cluster"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Units processed per operation: files extracted, chunks produced,
	// texts embedded, points written.
	TotalUnits int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64
	TotalUnits  int64
}

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// Record adds one operation with its duration and unit count.
func (c *Collector) Record(op string, duration time.Duration, units int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration
	m.TotalUnits += units

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// Snapshot returns a point-in-time snapshot of all recorded operations.
func (c *Collector) Snapshot() map[string]OperationSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationSnapshot, len(c.ops))
	for op, m := range c.ops {
		if m.Count == 0 {
			continue
		}
		out[op] = OperationSnapshot{
			Count:       m.Count,
			TotalTimeMs: m.TotalTime.Milliseconds(),
			AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
			MinTimeMs:   m.MinTime.Milliseconds(),
			MaxTimeMs:   m.MaxTime.Milliseconds(),
			TotalUnits:  m.TotalUnits,
		}
	}
	return out
}

// Uptime reports how long this collector has been running.
func (c *Collector) Uptime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.startTime)
}

// LogSummary writes one log line per recorded operation, typically on
// worker shutdown.
func (c *Collector) LogSummary(log *slog.Logger) {
	snap := c.Snapshot()
	if len(snap) == 0 {
		return
	}
	for op, s := range snap {
		log.Info("operation metrics",
			"op", op,
			"count", s.Count,
			"units", s.TotalUnits,
			"avg_ms", s.AvgTimeMs,
			"min_ms", s.MinTimeMs,
			"max_ms", s.MaxTimeMs,
		)
	}
	log.Info("worker uptime", "seconds", c.Uptime().Seconds())
}

var (
	defaultOnce sync.Once
	defaultC    *Collector
)

// Default returns the process-wide collector.
func Default() *Collector {
	defaultOnce.Do(func() { defaultC = NewCollector() })
	return defaultC
}
