package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Stage names recorded for every chat turn.
const (
	StageResolveUser    = "resolve_user"
	StageAcquireSession = "acquire_session"
	StageFetchContext   = "fetch_context"
	StageGenerate       = "generate"
	StagePersist        = "persist"
	StageTurnTotal      = "turn_total"
)

// stageTargets are the p95 budgets reported next to each stage.
var stageTargets = map[string]time.Duration{
	StageResolveUser:    50 * time.Millisecond,
	StageAcquireSession: 100 * time.Millisecond,
	StageFetchContext:   250 * time.Millisecond,
	StageGenerate:       4 * time.Second,
	StagePersist:        150 * time.Millisecond,
	StageTurnTotal:      5 * time.Second,
}

// TurnStageStats summarizes the recent latencies of one turn stage.
type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target,omitempty"`
}

// TurnOutcomeCount is how many recent turns ended with an outcome.
type TurnOutcomeCount struct {
	Outcome string `json:"outcome"`
	Count   int    `json:"count"`
}

// TurnStageSnapshot is served at /v1/perf/latency.
type TurnStageSnapshot struct {
	GeneratedAt time.Time          `json:"generated_at"`
	WindowSize  int                `json:"window_size"`
	Stages      []TurnStageStats   `json:"stages"`
	Outcomes    []TurnOutcomeCount `json:"outcomes,omitempty"`
}

// stageRing keeps the last cap(samples) durations of one stage.
type stageRing struct {
	samples []time.Duration
	head    int
	last    time.Duration
}

func (r *stageRing) add(d time.Duration, size int) {
	r.last = d
	if len(r.samples) < size {
		r.samples = append(r.samples, d)
		return
	}
	r.samples[r.head] = d
	r.head = (r.head + 1) % size
}

// stageWindow is a sliding window of per-stage latencies plus outcome counts.
type stageWindow struct {
	mu       sync.Mutex
	size     int
	rings    map[string]*stageRing
	outcomes map[string]int
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:     size,
		rings:    make(map[string]*stageRing),
		outcomes: make(map[string]int),
	}
}

func (w *stageWindow) observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &stageRing{samples: make([]time.Duration, 0, w.size)}
		w.rings[stage] = r
	}
	r.add(d, w.size)
}

func (w *stageWindow) countOutcome(outcome string) {
	if outcome == "" {
		return
	}
	w.mu.Lock()
	w.outcomes[outcome]++
	w.mu.Unlock()
}

func (w *stageWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.rings)
	clear(w.outcomes)
}

func (w *stageWindow) snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.rings)),
	}
	for _, stage := range sortedKeys(w.rings) {
		r := w.rings[stage]
		if len(r.samples) == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarize(stage, r))
	}
	for _, outcome := range sortedKeys(w.outcomes) {
		snap.Outcomes = append(snap.Outcomes, TurnOutcomeCount{Outcome: outcome, Count: w.outcomes[outcome]})
	}
	return snap
}

func summarize(stage string, r *stageRing) TurnStageStats {
	sorted := slices.Clone(r.samples)
	slices.Sort(sorted)

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	stats := TurnStageStats{
		Stage:   stage,
		Samples: len(sorted),
		LastMS:  millis(r.last),
		AvgMS:   millis(total / time.Duration(len(sorted))),
		P50MS:   millis(percentile(sorted, 0.50)),
		P95MS:   millis(percentile(sorted, 0.95)),
		P99MS:   millis(percentile(sorted, 0.99)),
	}
	if target, ok := stageTargets[stage]; ok {
		stats.TargetP95MS = millis(target)
		stats.OverTarget = stats.P95MS > stats.TargetP95MS
	}
	return stats
}

// percentile interpolates linearly between the two nearest ranks of sorted.
func percentile(sorted []time.Duration, q float64) time.Duration {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + time.Duration(frac*float64(sorted[lo+1]-sorted[lo]))
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
