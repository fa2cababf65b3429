// Package metrics tracks per-collection operation counts and active
// change-stream subscriber counts for an embedded docdb instance. It
// is a lightweight in-memory placeholder, not a Prometheus exporter —
// an embedder that wants real export reads Export()'s snapshot on its
// own schedule.
package metrics

import (
	"sync/atomic"
	"time"
)

type key struct{ collection, op string }

var (
	opCounts     syncMap[key, uint64]
	activeWatch  atomic.Int64
	totalLatency syncMap[key, int64] // nanoseconds, for average-duration export
)

// syncMap is a tiny generic wrapper using atomic.Value for copy-on-write maps.
type syncMap[K comparable, V any] struct{ m atomic.Value } // stores map[K]V

func (s *syncMap[K, V]) load() map[K]V {
	if v := s.m.Load(); v != nil {
		return v.(map[K]V)
	}
	return map[K]V{}
}
func (s *syncMap[K, V]) swap(m map[K]V) { s.m.Store(m) }

// IncOp increments the (collection, op) counter by delta (1 if delta is 0).
func IncOp(collection, op string, delta uint64) {
	if delta == 0 {
		delta = 1
	}
	cur := opCounts.load()
	next := make(map[key]uint64, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	k := key{collection: collection, op: op}
	next[k] = next[k] + delta
	opCounts.swap(next)
}

// ObserveDuration records d against the (collection, op) running total,
// used by Export to report an average.
func ObserveDuration(collection, op string, d time.Duration) {
	cur := totalLatency.load()
	next := make(map[key]int64, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	k := key{collection: collection, op: op}
	next[k] = next[k] + d.Nanoseconds()
	totalLatency.swap(next)
}

// WatchInc increments the active change-stream subscriber gauge.
func WatchInc() { activeWatch.Add(1) }

// WatchDec decrements the active change-stream subscriber gauge.
func WatchDec() { activeWatch.Add(-1) }

// OpStat is one (collection, op) counter's exported snapshot.
type OpStat struct {
	Collection    string  `json:"collection"`
	Op            string  `json:"op"`
	Count         uint64  `json:"count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// Snapshot is the full exported metrics state at the time of Export.
type Snapshot struct {
	Timestamp    time.Time `json:"ts"`
	Ops          []OpStat  `json:"ops"`
	WatchersOpen int64     `json:"watchers_open"`
}

// Export returns a point-in-time copy of all tracked counters.
func Export() Snapshot {
	cur := opCounts.load()
	lat := totalLatency.load()
	ops := make([]OpStat, 0, len(cur))
	for k, count := range cur {
		var avg float64
		if ns, ok := lat[k]; ok && count > 0 {
			avg = float64(ns) / float64(count) / 1e6
		}
		ops = append(ops, OpStat{Collection: k.collection, Op: k.op, Count: count, AvgDurationMs: avg})
	}
	return Snapshot{Timestamp: time.Now(), Ops: ops, WatchersOpen: activeWatch.Load()}
}
