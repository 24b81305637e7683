package prognos

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// DriftMonitorConfig configures distribution drift detection.
type DriftMonitorConfig struct {
	// Bins is the histogram resolution for the stability index. Default: 10
	Bins int

	// Threshold is the population-stability-index value above which a window
	// counts as drifted. Default: 0.2
	Threshold float64

	// Hysteresis is the number of consecutive drifted windows required before
	// retraining is signaled; a single noisy window never triggers.
	// Default: 2
	Hysteresis int

	// MinSamples is the minimum recent vectors needed to compare
	// distributions. Default: 30
	MinSamples int
}

// DefaultDriftMonitorConfig returns sensible defaults.
func DefaultDriftMonitorConfig() DriftMonitorConfig {
	return DriftMonitorConfig{
		Bins:       10,
		Threshold:  0.2,
		Hysteresis: 2,
		MinSamples: 30,
	}
}

// DriftReference captures the training-time distribution an active model was
// fitted on: per-feature histograms plus the histogram of training scores.
// It is immutable once built.
type DriftReference struct {
	Features   []string
	BuiltAt    time.Time
	edges      [][]float64
	props      [][]float64
	scoreEdges []float64
	scoreProps []float64
}

// driftReferenceJSON is the serialized form of a reference distribution.
type driftReferenceJSON struct {
	Features   []string    `json:"features"`
	BuiltAt    time.Time   `json:"built_at"`
	Edges      [][]float64 `json:"edges"`
	Props      [][]float64 `json:"props"`
	ScoreEdges []float64   `json:"score_edges,omitempty"`
	ScoreProps []float64   `json:"score_props,omitempty"`
}

// MarshalJSON serializes the per-feature and score histograms.
func (r *DriftReference) MarshalJSON() ([]byte, error) {
	return json.Marshal(driftReferenceJSON{
		Features:   r.Features,
		BuiltAt:    r.BuiltAt,
		Edges:      r.edges,
		Props:      r.props,
		ScoreEdges: r.scoreEdges,
		ScoreProps: r.scoreProps,
	})
}

// UnmarshalJSON restores a reference serialized by MarshalJSON.
func (r *DriftReference) UnmarshalJSON(data []byte) error {
	var raw driftReferenceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Features = raw.Features
	r.BuiltAt = raw.BuiltAt
	r.edges = raw.Edges
	r.props = raw.Props
	r.scoreEdges = raw.ScoreEdges
	r.scoreProps = raw.ScoreProps
	return nil
}

// FeatureDrift is the stability index of one feature.
type FeatureDrift struct {
	Feature string  `json:"feature"`
	PSI     float64 `json:"psi"`
	Drifted bool    `json:"drifted"`
}

// DriftReport is the outcome of comparing one recent window against a
// reference.
type DriftReport struct {
	Tenant       string         `json:"tenant"`
	Task         ModelTask      `json:"task"`
	CheckedAt    time.Time      `json:"checked_at"`
	Features     []FeatureDrift `json:"features"`
	MaxPSI       float64        `json:"max_psi"`
	ScorePSI     float64        `json:"score_psi"`
	DataDrift    bool           `json:"data_drift"`
	ConceptDrift bool           `json:"concept_drift"`

	// Triggered is set by the monitor when drift has persisted across the
	// hysteresis window and retraining should be scheduled.
	Triggered bool `json:"triggered"`
}

// Drifted reports whether this window showed drift of either kind.
func (r *DriftReport) Drifted() bool {
	return r.DataDrift || r.ConceptDrift
}

// DriftMonitor compares recent feature distributions against training-time
// references and applies hysteresis so retraining is only signaled on
// sustained drift. Safe for concurrent use.
type DriftMonitor struct {
	config DriftMonitorConfig

	mu     sync.Mutex
	streak map[taskKey]int
}

// NewDriftMonitor creates a new drift monitor.
func NewDriftMonitor(config DriftMonitorConfig) *DriftMonitor {
	if config.Bins <= 0 {
		config.Bins = 10
	}
	if config.Threshold <= 0 {
		config.Threshold = 0.2
	}
	if config.Hysteresis < 2 {
		config.Hysteresis = 2
	}
	if config.MinSamples <= 0 {
		config.MinSamples = 30
	}
	return &DriftMonitor{
		config: config,
		streak: make(map[taskKey]int),
	}
}

// BuildReference fixes the reference distribution from the vectors and scores
// a model was trained on.
func (d *DriftMonitor) BuildReference(vectors []FeatureVector, scores []float64) (*DriftReference, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: no reference vectors", ErrDriftComputation)
	}
	names := vectors[0].Names

	ref := &DriftReference{
		Features: append([]string(nil), names...),
		BuiltAt:  time.Now(),
		edges:    make([][]float64, len(names)),
		props:    make([][]float64, len(names)),
	}

	for j := range names {
		col := presentColumn(vectors, j)
		if len(col) < d.config.Bins {
			return nil, fmt.Errorf("%w: feature %q has %d reference values, need %d",
				ErrDriftComputation, names[j], len(col), d.config.Bins)
		}
		edges := quantileEdges(col, d.config.Bins)
		ref.edges[j] = edges
		ref.props[j] = histogramProps(col, edges)
	}

	if len(scores) >= d.config.Bins {
		ref.scoreEdges = quantileEdges(scores, d.config.Bins)
		ref.scoreProps = histogramProps(scores, ref.scoreEdges)
	}

	return ref, nil
}

// Compare computes per-feature and score stability indexes for a recent
// window against a reference. A positive threshold overrides the configured
// one, letting callers apply per-tenant sensitivity. Returns a wrapped
// ErrDriftComputation when the window is too small to compare; the caller
// skips the check rather than treating it as drift.
func (d *DriftMonitor) Compare(tenant string, task ModelTask, ref *DriftReference, recent []FeatureVector, recentScores []float64, threshold float64) (*DriftReport, error) {
	if ref == nil {
		return nil, fmt.Errorf("%w: no reference", ErrDriftComputation)
	}
	if len(recent) < d.config.MinSamples {
		return nil, fmt.Errorf("%w: got %d recent vectors, need %d",
			ErrDriftComputation, len(recent), d.config.MinSamples)
	}
	if threshold <= 0 {
		threshold = d.config.Threshold
	}

	report := &DriftReport{
		Tenant:    tenant,
		Task:      task,
		CheckedAt: time.Now(),
	}

	for j, name := range ref.Features {
		col := columnByName(recent, name)
		if len(col) == 0 {
			continue
		}
		psi := stabilityIndex(ref.props[j], histogramProps(col, ref.edges[j]))
		fd := FeatureDrift{
			Feature: name,
			PSI:     psi,
			Drifted: psi >= threshold,
		}
		report.Features = append(report.Features, fd)
		if psi > report.MaxPSI {
			report.MaxPSI = psi
		}
		if fd.Drifted {
			report.DataDrift = true
		}
	}

	if ref.scoreEdges != nil && len(recentScores) >= d.config.MinSamples {
		report.ScorePSI = stabilityIndex(ref.scoreProps, histogramProps(recentScores, ref.scoreEdges))
		report.ConceptDrift = report.ScorePSI >= threshold
	}

	return report, nil
}

// Observe feeds a report into the hysteresis counter and stamps Triggered
// once drift has persisted for the required number of consecutive windows.
// A positive hysteresis overrides the configured one; a clean window resets
// the streak either way.
func (d *DriftMonitor) Observe(report *DriftReport, hysteresis int) bool {
	if hysteresis <= 0 {
		hysteresis = d.config.Hysteresis
	}
	k := taskKey{Tenant: report.Tenant, Task: report.Task}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !report.Drifted() {
		d.streak[k] = 0
		return false
	}
	d.streak[k]++
	if d.streak[k] >= hysteresis {
		d.streak[k] = 0
		report.Triggered = true
		return true
	}
	return false
}

// Streak returns the current consecutive-drift count for a tenant task.
func (d *DriftMonitor) Streak(tenant string, task ModelTask) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streak[taskKey{Tenant: tenant, Task: task}]
}

func presentColumn(vectors []FeatureVector, j int) []float64 {
	var out []float64
	for i := range vectors {
		v := &vectors[i]
		if j >= len(v.Values) {
			continue
		}
		if v.Present == nil || v.Present[j] {
			out = append(out, v.Values[j])
		}
	}
	return out
}

func columnByName(vectors []FeatureVector, name string) []float64 {
	var out []float64
	for i := range vectors {
		if val, ok := vectors[i].Get(name); ok {
			out = append(out, val)
		}
	}
	return out
}

// quantileEdges returns bins-1 interior cut points at equal quantiles of the
// reference values.
func quantileEdges(values []float64, bins int) []float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	edges := make([]float64, bins-1)
	for i := 1; i < bins; i++ {
		edges[i-1] = sorted[i*(len(sorted)-1)/bins]
	}
	return edges
}

// histogramProps bins values by the given edges and returns per-bin
// proportions.
func histogramProps(values []float64, edges []float64) []float64 {
	counts := make([]float64, len(edges)+1)
	for _, v := range values {
		bin := sort.SearchFloat64s(edges, v)
		counts[bin]++
	}
	n := float64(len(values))
	for i := range counts {
		counts[i] /= n
	}
	return counts
}

// stabilityIndex is the population stability index between two binned
// proportion vectors, with smoothing so empty bins stay finite.
func stabilityIndex(expected, actual []float64) float64 {
	const eps = 1e-4
	sum := 0.0
	for i := range expected {
		e := expected[i] + eps
		a := eps
		if i < len(actual) {
			a = actual[i] + eps
		}
		sum += (a - e) * math.Log(a/e)
	}
	return sum
}
