// Package metrics keeps in-process operational counters and gauges for the
// pipeline. The registry is safe for concurrent use and snapshot-readable
// over the HTTP surface; OTLP export is layered on top in observability.
package metrics

import (
	"sort"
	"sync"
)

// Counter names emitted by the pipeline.
const (
	RunCreated            = "run_created"
	RunSucceeded          = "run_succeeded"
	RunWarn               = "run_warn"
	RunNeedsReview        = "run_needs_review"
	RunFailed             = "run_failed"
	RunTimedOut           = "run_timed_out"
	RunCancelled          = "run_cancelled"
	StageRetried          = "stage_retried"
	QuarantineCreated     = "quarantine_created"
	QuarantineReprocessed = "quarantine_reprocessed"
)

// Gauge names.
const (
	QueueDepth = "queue_depth"
)

// Registry is a mutex-guarded bag of named counters and gauges.
type Registry struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
	}
}

// Inc adds one to the named counter.
func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

// Add adds delta to the named counter.
func (r *Registry) Add(name string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += delta
}

// SetGauge records the current value of the named gauge.
func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = value
}

// Counter returns the current value of the named counter.
func (r *Registry) Counter(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Gauge returns the current value of the named gauge.
func (r *Registry) Gauge(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[name]
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Counters map[string]int64   `json:"counters"`
	Gauges   map[string]float64 `json:"gauges"`
}

// Snapshot copies every counter and gauge under the lock.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		Counters: make(map[string]int64, len(r.counters)),
		Gauges:   make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.counters {
		snap.Counters[k] = v
	}
	for k, v := range r.gauges {
		snap.Gauges[k] = v
	}
	return snap
}

// Names returns the sorted names of all counters seen so far.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.counters))
	for k := range r.counters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
