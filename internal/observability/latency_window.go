package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// p95 budgets for the conversation phases, in milliseconds.
var phaseTargetsMS = map[string]float64{
	"reply":      1200,
	"speech":     4000,
	"turn_total": 6000,
}

// LatencySummary describes one group of latency samples.
type LatencySummary struct {
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	MaxMS   float64 `json:"max_ms"`
}

type StageLatency struct {
	Stage int `json:"stage"`
	LatencySummary
}

// PhaseLatency summarizes one phase over the whole window, then per enrollment stage.
type PhaseLatency struct {
	Phase       string  `json:"phase"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target"`
	LatencySummary
	Stages []StageLatency `json:"stages"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Phases      []PhaseLatency `json:"phases"`
	Indicators  map[string]int `json:"indicators,omitempty"`
}

type phaseSample struct {
	phase string
	stage int
	ms    float64
}

// latencyWindow keeps the most recent samples of every phase in a single ring,
// so busy phases push out old samples of quiet ones.
type latencyWindow struct {
	mu         sync.Mutex
	ring       []phaseSample
	next       int
	full       bool
	indicators map[string]int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 1024
	}
	return &latencyWindow{
		ring:       make([]phaseSample, size),
		indicators: make(map[string]int),
	}
}

func (w *latencyWindow) observe(phase string, stage int, ms float64) {
	phase = strings.TrimSpace(phase)
	if phase == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ring[w.next] = phaseSample{phase: phase, stage: stage, ms: ms}
	w.next = (w.next + 1) % len(w.ring)
	if w.next == 0 {
		w.full = true
	}
}

func (w *latencyWindow) count(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

// ordered returns the retained samples oldest first.
func (w *latencyWindow) ordered() []phaseSample {
	if !w.full {
		return append([]phaseSample(nil), w.ring[:w.next]...)
	}
	out := make([]phaseSample, 0, len(w.ring))
	out = append(out, w.ring[w.next:]...)
	return append(out, w.ring[:w.next]...)
}

func (w *latencyWindow) snapshot() LatencySnapshot {
	w.mu.Lock()
	samples := w.ordered()
	var indicators map[string]int
	if len(w.indicators) > 0 {
		indicators = make(map[string]int, len(w.indicators))
		for k, v := range w.indicators {
			indicators[k] = v
		}
	}
	size := len(w.ring)
	w.mu.Unlock()

	byPhase := make(map[string][]float64)
	byStage := make(map[string]map[int][]float64)
	for _, s := range samples {
		byPhase[s.phase] = append(byPhase[s.phase], s.ms)
		if byStage[s.phase] == nil {
			byStage[s.phase] = make(map[int][]float64)
		}
		byStage[s.phase][s.stage] = append(byStage[s.phase][s.stage], s.ms)
	}

	names := make([]string, 0, len(byPhase))
	for name := range byPhase {
		names = append(names, name)
	}
	sort.Strings(names)

	phases := make([]PhaseLatency, 0, len(names))
	for _, name := range names {
		pl := PhaseLatency{
			Phase:          name,
			TargetP95MS:    phaseTargetsMS[name],
			LatencySummary: summarize(byPhase[name]),
		}
		pl.OverTarget = pl.TargetP95MS > 0 && pl.P95MS > pl.TargetP95MS

		stages := make([]int, 0, len(byStage[name]))
		for st := range byStage[name] {
			stages = append(stages, st)
		}
		sort.Ints(stages)
		for _, st := range stages {
			pl.Stages = append(pl.Stages, StageLatency{Stage: st, LatencySummary: summarize(byStage[name][st])})
		}
		phases = append(phases, pl)
	}

	return LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  size,
		Phases:      phases,
		Indicators:  indicators,
	}
}

// summarize expects values oldest first and uses nearest-rank percentiles.
func summarize(values []float64) LatencySummary {
	n := len(values)
	if n == 0 {
		return LatencySummary{}
	}
	last := values[n-1]
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	return LatencySummary{
		Samples: n,
		LastMS:  roundMS(last),
		AvgMS:   roundMS(sum / float64(n)),
		P50MS:   roundMS(nearestRank(sorted, 0.50)),
		P95MS:   roundMS(nearestRank(sorted, 0.95)),
		MaxMS:   roundMS(sorted[n-1]),
	}
}

func nearestRank(sorted []float64, q float64) float64 {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
