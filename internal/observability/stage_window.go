package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stage names shared by the query pipeline and the latency report.
const (
	StageRetrieve    = "retrieve"
	StageSessionWait = "session_wait"
	StageGenerate    = "generate"
	StageTotal       = "query_total"
)

// stageTargets holds the p95 budget, in milliseconds, reported for each stage.
// Report order follows the pipeline.
var stageTargets = []struct {
	stage string
	p95MS float64
}{
	{StageRetrieve, 250},
	{StageSessionWait, 50},
	{StageGenerate, 8000},
	{StageTotal, 9000},
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
}

// latencyWindow keeps the most recent size samples per stage.
type latencyWindow struct {
	mu      sync.Mutex
	size    int
	samples map[string][]float64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{size: size, samples: make(map[string][]float64)}
}

func (w *latencyWindow) observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.samples[stage]
	if len(s) < w.size {
		w.samples[stage] = append(s, ms)
		return
	}
	copy(s, s[1:])
	s[len(s)-1] = ms
}

func (w *latencyWindow) snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.samples)),
	}
	seen := make(map[string]bool, len(stageTargets))
	for _, t := range stageTargets {
		seen[t.stage] = true
		if st, ok := w.statsLocked(t.stage, t.p95MS); ok {
			snap.Stages = append(snap.Stages, st)
		}
	}
	var extra []string
	for stage := range w.samples {
		if !seen[stage] {
			extra = append(extra, stage)
		}
	}
	sort.Strings(extra)
	for _, stage := range extra {
		if st, ok := w.statsLocked(stage, 0); ok {
			snap.Stages = append(snap.Stages, st)
		}
	}
	return snap
}

func (w *latencyWindow) statsLocked(stage string, target float64) (StageStats, bool) {
	raw := w.samples[stage]
	if len(raw) == 0 {
		return StageStats{}, false
	}
	sorted := append([]float64(nil), raw...)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	p95 := nearestRank(sorted, 95)
	return StageStats{
		Stage:       stage,
		Samples:     len(sorted),
		AvgMS:       roundMS(sum / float64(len(sorted))),
		P50MS:       roundMS(nearestRank(sorted, 50)),
		P95MS:       roundMS(p95),
		TargetP95MS: target,
		OverTarget:  target > 0 && p95 > target,
	}, true
}

// nearestRank returns the p-th percentile of an ascending slice.
func nearestRank(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
