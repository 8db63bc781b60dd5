package observability

import (
	"maps"
	"math"
	"slices"
	"sync"
	"time"
)

const defaultLatencyWindow = 256

// p95 budgets per turn stage, in milliseconds.
var stageBudgetsMS = map[string]float64{
	StageLockWait:         50,
	StageAssembleContext:  40,
	StagePersistUser:      25,
	StagePersistAssistant: 25,
	StageCompletion:       8000,
	StageTurnTotal:        9000,
}

// LatencySnapshot is the recent-turn view served at /perf/latency.
type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Turns       int            `json:"turns"`
	Stages      []StageLatency `json:"stages"`
	Outcomes    []OutcomeShare `json:"outcomes"`
}

type StageLatency struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	BudgetP95MS float64 `json:"budget_p95_ms,omitempty"`
	OverBudget  bool    `json:"over_budget,omitempty"`
}

// OutcomeShare is how often an outcome occurred among the recent turns.
type OutcomeShare struct {
	Outcome string  `json:"outcome"`
	Count   int     `json:"count"`
	Share   float64 `json:"share"`
}

// ring overwrites its oldest entry once full.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// items returns the contents oldest first.
func (r *ring[T]) items() []T {
	out := make([]T, 0, r.size)
	start := (r.head - r.size + len(r.buf)) % len(r.buf)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// latencyWindow tracks the last capacity stage timings and turn outcomes.
type latencyWindow struct {
	mu       sync.Mutex
	capacity int
	stages   map[string]*ring[float64]
	outcomes *ring[string]
	turns    int
}

func newLatencyWindow(capacity int) *latencyWindow {
	if capacity <= 0 {
		capacity = defaultLatencyWindow
	}
	return &latencyWindow{
		capacity: capacity,
		stages:   make(map[string]*ring[float64]),
		outcomes: newRing[string](capacity),
	}
}

func (w *latencyWindow) observeStage(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	ms := float64(d.Microseconds()) / 1000

	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.stages[stage]
	if !ok {
		r = newRing[float64](w.capacity)
		w.stages[stage] = r
	}
	r.push(ms)
}

func (w *latencyWindow) observeOutcome(outcome string) {
	if outcome == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes.push(outcome)
	w.turns++
}

func (w *latencyWindow) snapshot() LatencySnapshot {
	w.mu.Lock()
	samples := make(map[string][]float64, len(w.stages))
	for name, r := range w.stages {
		samples[name] = r.items()
	}
	recent := w.outcomes.items()
	turns := w.turns
	w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.capacity,
		Turns:       turns,
		Stages:      make([]StageLatency, 0, len(samples)),
		Outcomes:    outcomeShares(recent),
	}
	for _, name := range slices.Sorted(maps.Keys(samples)) {
		snap.Stages = append(snap.Stages, summarizeStage(name, samples[name]))
	}
	return snap
}

// summarizeStage expects samples oldest first and non-empty.
func summarizeStage(name string, samples []float64) StageLatency {
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	s := StageLatency{
		Stage:       name,
		Samples:     len(sorted),
		LastMS:      round2(samples[len(samples)-1]),
		AvgMS:       round2(sum / float64(len(sorted))),
		P50MS:       round2(nearestRank(sorted, 50)),
		P95MS:       round2(nearestRank(sorted, 95)),
		MaxMS:       round2(sorted[len(sorted)-1]),
		BudgetP95MS: stageBudgetsMS[name],
	}
	s.OverBudget = s.BudgetP95MS > 0 && s.P95MS > s.BudgetP95MS
	return s
}

func outcomeShares(recent []string) []OutcomeShare {
	counts := make(map[string]int)
	for _, o := range recent {
		counts[o]++
	}
	out := make([]OutcomeShare, 0, len(counts))
	for _, name := range slices.Sorted(maps.Keys(counts)) {
		out = append(out, OutcomeShare{
			Outcome: name,
			Count:   counts[name],
			Share:   round2(float64(counts[name]) / float64(len(recent))),
		})
	}
	return out
}

// nearestRank picks the p-th percentile of sorted without interpolation.
func nearestRank(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	return sorted[min(max(rank, 1), len(sorted))-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
