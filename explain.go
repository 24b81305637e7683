package prognos

import (
	"math/rand"
	"sort"
)

// ExplainerConfig configures sampling-based attribution.
type ExplainerConfig struct {
	// Permutations is the number of sampled feature orderings per
	// explanation. More permutations tighten the Shapley estimate at linear
	// cost. Default: 64
	Permutations int

	// Seed fixes the permutation RNG so explanations are deterministic for a
	// fixed model and input. Default: 7
	Seed int64
}

// DefaultExplainerConfig returns sensible defaults.
func DefaultExplainerConfig() ExplainerConfig {
	return ExplainerConfig{
		Permutations: 64,
		Seed:         7,
	}
}

// Explainer decomposes an anomaly score into additive per-feature
// contributions against the model's baseline (the training-mean vector).
// The decomposition is a sampled Shapley estimate: each permutation walks
// features from the baseline to the query one at a time and credits every
// feature with the score delta it caused. Telescoping makes each
// permutation's contributions, and so their average, sum exactly to
// score minus baseline.
//
// Explanation is pure and stateless: safe for concurrent use across tenants.
type Explainer struct {
	config ExplainerConfig
}

// NewExplainer creates a new explainer.
func NewExplainer(config ExplainerConfig) *Explainer {
	if config.Permutations <= 0 {
		config.Permutations = 64
	}
	if config.Seed == 0 {
		config.Seed = 7
	}
	return &Explainer{config: config}
}

// Explain attributes the model's score for v to its present features.
// Contributions are ordered by descending magnitude; ties in magnitude are
// broken by lexical feature order for determinism. Absent features are
// omitted, not reported as zero.
func (e *Explainer) Explain(m *AnomalyModel, v *FeatureVector) ([]FeatureContribution, error) {
	if m == nil || len(m.trees) == 0 {
		return nil, ErrModelNotTrained
	}

	query, err := m.standardize(v)
	if err != nil {
		return nil, err
	}

	// Only features actually present in the vector participate; everything
	// else stays pinned at the baseline.
	var active []int
	for j, name := range m.Features {
		if _, ok := v.Get(name); ok {
			active = append(active, j)
		}
	}
	if len(active) == 0 {
		return nil, nil
	}

	dim := len(m.Features)
	rng := rand.New(rand.NewSource(e.config.Seed))
	totals := make([]float64, dim)

	work := make([]float64, dim)
	for p := 0; p < e.config.Permutations; p++ {
		// Start from the baseline (all features at the training mean).
		for i := range work {
			work[i] = 0
		}
		prev := m.calibrate(m.rawScore(work))

		order := rng.Perm(len(active))
		for _, oi := range order {
			j := active[oi]
			work[j] = query[j]
			cur := m.calibrate(m.rawScore(work))
			totals[j] += cur - prev
			prev = cur
		}
	}

	n := float64(e.config.Permutations)
	out := make([]FeatureContribution, 0, len(active))
	for _, j := range active {
		out = append(out, FeatureContribution{
			Feature:      m.Features[j],
			Contribution: totals[j] / n,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		ai, aj := abs(out[i].Contribution), abs(out[j].Contribution)
		if ai != aj {
			return ai > aj
		}
		return out[i].Feature < out[j].Feature
	})

	return out, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
