package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/invoicemind-labs/invoicemind/pkg/contracts"
)

// SLOTarget is a latency and success-rate objective for one pipeline
// operation (a stage name or "run" for the whole pipeline).
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"` // 0..1
	WindowHours int           `json:"window_hours"`
}

// SLOObservation is one stage attempt or run outcome.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance for one operation.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`         // >1 means the error budget drains before the window ends
	ErrorBudgetLeft  float64 `json:"error_budget_left"` // percent remaining
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker accumulates observations per operation and evaluates them
// against targets over a sliding window. Safe for concurrent use.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	maxPerOp     int
	clock        func() time.Time
}

// RunOperation is the whole-pipeline operation name; stages report under
// their own names.
const RunOperation = "run"

// NewSLOTracker returns a tracker preloaded with default targets for every
// pipeline stage and for the run as a whole.
func NewSLOTracker() *SLOTracker {
	t := &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		maxPerOp:     10000,
		clock:        time.Now,
	}
	for _, target := range DefaultTargets() {
		t.SetTarget(target)
	}
	return t
}

// DefaultTargets covers each stage plus the full run. OCR and EXTRACT call
// external providers and get looser latency targets than the local stages.
func DefaultTargets() []*SLOTarget {
	perStage := map[string]time.Duration{
		contracts.StagePreprocess: 2 * time.Second,
		contracts.StageOCR:        30 * time.Second,
		contracts.StageExtract:    30 * time.Second,
		contracts.StageValidate:   2 * time.Second,
		contracts.StagePersist:    5 * time.Second,
		contracts.StageExport:     5 * time.Second,
	}
	targets := make([]*SLOTarget, 0, len(perStage)+1)
	for _, stage := range contracts.Stages {
		targets = append(targets, &SLOTarget{
			SLOID:       "slo-stage-" + stage,
			Name:        stage + " stage",
			Operation:   stage,
			LatencyP99:  perStage[stage],
			SuccessRate: 0.99,
			WindowHours: 24,
		})
	}
	targets = append(targets, &SLOTarget{
		SLOID:       "slo-run",
		Name:        "pipeline run",
		Operation:   RunOperation,
		LatencyP99:  2 * time.Minute,
		SuccessRate: 0.95,
		WindowHours: 24,
	})
	return targets
}

// WithClock overrides the clock for tests.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetTarget installs or replaces the target for an operation.
func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Record adds one observation. Observations past the per-operation cap age
// out oldest-first to bound memory.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	window := append(t.observations[obs.Operation], obs)
	if len(window) > t.maxPerOp {
		window = window[len(window)-t.maxPerOp:]
	}
	t.observations[obs.Operation] = window
}

// Status evaluates the operation's target over its window.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked(operation)
}

// Statuses evaluates every operation with a target, sorted by operation name.
func (t *SLOTracker) Statuses() []*SLOStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	ops := make([]string, 0, len(t.targets))
	for op := range t.targets {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	out := make([]*SLOStatus, 0, len(ops))
	for _, op := range ops {
		status, err := t.statusLocked(op)
		if err != nil {
			continue
		}
		out = append(out, status)
	}
	return out
}

func (t *SLOTracker) statusLocked(operation string) (*SLOStatus, error) {
	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("no SLO target for operation %q", operation)
	}

	windowStart := t.clock().Add(-time.Duration(target.WindowHours) * time.Hour)
	var windowed []SLOObservation
	for _, obs := range t.observations[operation] {
		if obs.Timestamp.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}

	if len(windowed) == 0 {
		return &SLOStatus{
			SLOID:           target.SLOID,
			Operation:       operation,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}, nil
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successCount++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(successCount) / float64(len(windowed))

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	latencyOK := p99 <= float64(target.LatencyP99.Milliseconds())
	successOK := successRate >= target.SuccessRate

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate, budgetLeft float64
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
		budgetLeft = 100.0 * (1.0 - burnRate)
		if budgetLeft < 0 {
			budgetLeft = 0
		}
	}

	return &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     latencyOK && successOK,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}
