package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// stageBudgetsMS are the p95 latency budgets per turn stage. Stages without a
// budget report no target and never count as over budget.
var stageBudgetsMS = map[string]float64{
	"capture":          8000,
	"transcription":    1200,
	"generation":       2500,
	"turn_total":       3200,
	"voice_turn_total": 4500,
}

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	// OverTarget counts windowed samples slower than the stage budget.
	OverTarget int `json:"over_target,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// sampleRing keeps the newest cap samples of one stage.
type sampleRing struct {
	buf  []float64
	head int
	size int
	last float64
}

func (r *sampleRing) add(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
	r.last = v
}

func (r *sampleRing) sorted() []float64 {
	out := slices.Clone(r.buf[:r.size])
	slices.Sort(out)
	return out
}

// turnStageWindow is a rolling latency window backing /v1/perf/latency.
type turnStageWindow struct {
	mu         sync.Mutex
	capacity   int
	rings      map[string]*sampleRing
	indicators map[string]int
}

func newTurnStageWindow(capacity int) *turnStageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	w := &turnStageWindow{capacity: capacity}
	w.Reset()
	return w
}

func (w *turnStageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &sampleRing{buf: make([]float64, w.capacity)}
		w.rings[stage] = r
	}
	r.add(ms)
}

func (w *turnStageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *turnStageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.rings = make(map[string]*sampleRing)
	w.indicators = make(map[string]int)
	w.mu.Unlock()
}

func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.capacity,
		Stages:      make([]TurnStageStats, 0, len(w.rings)),
	}
	for _, stage := range sortedKeys(w.rings) {
		if r := w.rings[stage]; r.size > 0 {
			snap.Stages = append(snap.Stages, summarize(stage, r))
		}
	}
	for _, name := range sortedKeys(w.indicators) {
		if n := w.indicators[name]; n > 0 {
			snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: n})
		}
	}
	return snap
}

func summarize(stage string, r *sampleRing) TurnStageStats {
	samples := r.sorted()
	target := stageBudgetsMS[stage]

	sum, over := 0.0, 0
	for _, v := range samples {
		sum += v
		if target > 0 && v > target {
			over++
		}
	}
	return TurnStageStats{
		Stage:       stage,
		Samples:     len(samples),
		LastMS:      round2(r.last),
		AvgMS:       round2(sum / float64(len(samples))),
		P50MS:       round2(percentile(samples, 0.50)),
		P95MS:       round2(percentile(samples, 0.95)),
		P99MS:       round2(percentile(samples, 0.99)),
		TargetP95MS: target,
		OverTarget:  over,
	}
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, q float64) float64 {
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
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
