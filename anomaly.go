package prognos

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"
)

// AnomalyScorerConfig configures isolation-based anomaly model training.
type AnomalyScorerConfig struct {
	// MinTrainingSamples is the minimum number of feature vectors required to
	// fit a model. Below it, Fit returns ErrInsufficientData. Default: 100
	MinTrainingSamples int

	// NumTrees is the ensemble size. Default: 100
	NumTrees int

	// SubsampleSize is the per-tree training subsample. Default: 256
	SubsampleSize int

	// Seed fixes the RNG so a fitted model scores deterministically. Default: 1
	Seed int64
}

// DefaultAnomalyScorerConfig returns sensible defaults.
func DefaultAnomalyScorerConfig() AnomalyScorerConfig {
	return AnomalyScorerConfig{
		MinTrainingSamples: 100,
		NumTrees:           100,
		SubsampleSize:      256,
		Seed:               1,
	}
}

// AnomalyScorer fits isolation-based anomaly models. A fitted AnomalyModel is
// immutable; scoring is a pure function of (model, vector) and safe to call
// concurrently from any number of goroutines.
type AnomalyScorer struct {
	config AnomalyScorerConfig
}

// NewAnomalyScorer creates a new anomaly scorer.
func NewAnomalyScorer(config AnomalyScorerConfig) *AnomalyScorer {
	if config.MinTrainingSamples <= 0 {
		config.MinTrainingSamples = 100
	}
	if config.NumTrees <= 0 {
		config.NumTrees = 100
	}
	if config.SubsampleSize <= 0 {
		config.SubsampleSize = 256
	}
	if config.Seed == 0 {
		config.Seed = 1
	}
	return &AnomalyScorer{config: config}
}

// isoNode is one node of an isolation tree. Leaves carry the bounding box of
// the training points that reached them (in standardized space) so scoring
// can measure how far outside the training bulk a query point lands.
type isoNode struct {
	splitFeature int
	splitValue   float64
	left, right  *isoNode
	size         int
	boxMin       []float64 // leaves only
	boxMax       []float64
}

// AnomalyModel is a trained, immutable anomaly scoring model.
type AnomalyModel struct {
	Features  []string
	TrainedAt time.Time
	TrainedOn int

	index     map[string]int
	means     []float64
	stds      []float64
	trees     []*isoNode
	subsample int

	// Calibration anchors fixed at training time: the 50th and 99th
	// percentiles of raw training scores map to 0.25 and 0.5.
	calMid  float64
	calHigh float64

	// BaselineScore is the calibrated score of the training-mean vector,
	// the reference point for additive attributions.
	BaselineScore float64
}

// Fit trains an anomaly model on historical feature vectors.
func (s *AnomalyScorer) Fit(vectors []FeatureVector) (*AnomalyModel, error) {
	if len(vectors) < s.config.MinTrainingSamples {
		return nil, fmt.Errorf("%w: got %d vectors, need %d",
			ErrInsufficientData, len(vectors), s.config.MinTrainingSamples)
	}

	names := vectors[0].Names
	dim := len(names)
	if dim == 0 {
		return nil, fmt.Errorf("feature vectors are empty")
	}

	// Assemble the training matrix, substituting the running mean for absent
	// features so they carry no signal.
	rows := make([][]float64, len(vectors))
	for i, v := range vectors {
		if len(v.Values) != dim {
			return nil, fmt.Errorf("inconsistent feature dimensions: %d vs %d", len(v.Values), dim)
		}
		row := make([]float64, dim)
		copy(row, v.Values)
		rows[i] = row
	}

	means := make([]float64, dim)
	stds := make([]float64, dim)
	for j := 0; j < dim; j++ {
		sum, n := 0.0, 0
		for i, v := range vectors {
			if v.Present == nil || v.Present[j] {
				if math.IsNaN(rows[i][j]) || math.IsInf(rows[i][j], 0) {
					return nil, fmt.Errorf("non-finite value in feature %q", names[j])
				}
				sum += rows[i][j]
				n++
			}
		}
		if n == 0 {
			return nil, fmt.Errorf("feature %q has no observed values", names[j])
		}
		means[j] = sum / float64(n)

		varSum := 0.0
		for i, v := range vectors {
			if v.Present == nil || v.Present[j] {
				d := rows[i][j] - means[j]
				varSum += d * d
			}
		}
		stds[j] = math.Sqrt(varSum / float64(n))
		if stds[j] == 0 {
			stds[j] = 1
		}
	}

	// Standardize; absent features sit at the mean (zero signal).
	std := make([][]float64, len(rows))
	for i, v := range vectors {
		srow := make([]float64, dim)
		for j := 0; j < dim; j++ {
			if v.Present == nil || v.Present[j] {
				srow[j] = (rows[i][j] - means[j]) / stds[j]
			}
		}
		std[i] = srow
	}

	subsample := s.config.SubsampleSize
	if subsample > len(std) {
		subsample = len(std)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(subsample)))) + 1

	rng := rand.New(rand.NewSource(s.config.Seed))
	trees := make([]*isoNode, s.config.NumTrees)
	for t := range trees {
		idx := rng.Perm(len(std))[:subsample]
		sub := make([][]float64, subsample)
		for i, id := range idx {
			sub[i] = std[id]
		}
		trees[t] = buildIsoTree(sub, dim, 0, maxDepth, rng)
	}

	index := make(map[string]int, dim)
	for i, n := range names {
		index[n] = i
	}

	m := &AnomalyModel{
		Features:  append([]string(nil), names...),
		TrainedAt: time.Now(),
		TrainedOn: len(vectors),
		index:     index,
		means:     means,
		stds:      stds,
		trees:     trees,
		subsample: subsample,
	}

	// Fix the calibration transform from the raw training score distribution.
	raw := make([]float64, len(std))
	for i, row := range std {
		raw[i] = m.rawScore(row)
	}
	m.calMid = percentile(raw, 0.50)
	m.calHigh = percentile(raw, 0.99)
	m.BaselineScore = m.calibrate(m.rawScore(make([]float64, dim)))

	return m, nil
}

// Score returns the calibrated anomaly score in [0, 1] for a feature vector.
// Absent features are neutralized (scored at the training mean), never
// imputed as zero. Deterministic for a fixed model and input.
func (m *AnomalyModel) Score(v *FeatureVector) (float64, error) {
	if m == nil || len(m.trees) == 0 {
		return 0, ErrModelNotTrained
	}
	row, err := m.standardize(v)
	if err != nil {
		return 0, err
	}
	return m.calibrate(m.rawScore(row)), nil
}

// RiskFor maps a score onto a risk level using tenant thresholds.
func RiskFor(score, warning, critical float64) RiskLevel {
	switch {
	case score >= critical:
		return RiskCritical
	case score >= warning:
		return RiskWarning
	default:
		return RiskNormal
	}
}

// standardize maps a feature vector into the model's standardized space by
// feature name, placing absent or unknown features at the mean.
func (m *AnomalyModel) standardize(v *FeatureVector) ([]float64, error) {
	row := make([]float64, len(m.Features))
	for j, name := range m.Features {
		val, ok := v.Get(name)
		if !ok {
			continue
		}
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("non-finite value in feature %q", name)
		}
		row[j] = (val - m.means[j]) / m.stds[j]
	}
	return row, nil
}

// rawScore computes the uncalibrated isolation score in (0, 1). Depth is
// margin-corrected: a point far outside the training bulk at its leaf counts
// as more isolated than one just past the boundary, so the raw score keeps
// ordering information that plain path length saturates away.
func (m *AnomalyModel) rawScore(row []float64) float64 {
	sum := 0.0
	for _, tree := range m.trees {
		depth, margin := descendIso(tree, row, 0)
		sum += depth / (1 + math.Log1p(margin))
	}
	avg := sum / float64(len(m.trees))
	return math.Pow(2, -avg/avgPathLength(m.subsample))
}

// calibrate applies the monotonic transform fixed at training time: the
// training median maps to 0.25, the 99th percentile to 0.5, and scores
// approach 1 asymptotically beyond it. Strictly increasing in the raw score,
// so two differently extreme inputs never collapse to the same value.
func (m *AnomalyModel) calibrate(raw float64) float64 {
	if m.calMid <= 0 || m.calHigh <= m.calMid {
		return clamp01(raw)
	}
	if raw <= m.calMid {
		return 0.25 * raw / m.calMid
	}
	t := (raw - m.calMid) / (m.calHigh - m.calMid)
	if t <= 1 {
		return 0.25 + 0.25*t
	}
	return 1 - 0.5*math.Exp(-math.Ln2*(t-1))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func buildIsoTree(data [][]float64, dim, depth, maxDepth int, rng *rand.Rand) *isoNode {
	n := len(data)
	if n <= 1 || depth >= maxDepth || allIdentical(data) {
		return leafNode(data, dim)
	}

	// Pick a feature with spread; give up after dim attempts.
	var feature int
	var lo, hi float64
	found := false
	for attempt := 0; attempt < dim; attempt++ {
		feature = rng.Intn(dim)
		lo, hi = data[0][feature], data[0][feature]
		for _, row := range data {
			if row[feature] < lo {
				lo = row[feature]
			}
			if row[feature] > hi {
				hi = row[feature]
			}
		}
		if hi > lo {
			found = true
			break
		}
	}
	if !found {
		return leafNode(data, dim)
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, row := range data {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return leafNode(data, dim)
	}

	return &isoNode{
		splitFeature: feature,
		splitValue:   split,
		size:         n,
		left:         buildIsoTree(left, dim, depth+1, maxDepth, rng),
		right:        buildIsoTree(right, dim, depth+1, maxDepth, rng),
	}
}

func leafNode(data [][]float64, dim int) *isoNode {
	node := &isoNode{size: len(data)}
	if len(data) == 0 {
		return node
	}
	node.boxMin = make([]float64, dim)
	node.boxMax = make([]float64, dim)
	copy(node.boxMin, data[0])
	copy(node.boxMax, data[0])
	for _, row := range data[1:] {
		for j, v := range row {
			if v < node.boxMin[j] {
				node.boxMin[j] = v
			}
			if v > node.boxMax[j] {
				node.boxMax[j] = v
			}
		}
	}
	return node
}

// descendIso walks a point down a tree, returning the adjusted depth and the
// distance from the point to its leaf's training bounding box.
func descendIso(node *isoNode, row []float64, depth float64) (float64, float64) {
	if node.left == nil {
		d := depth
		if node.size > 1 {
			d += avgPathLength(node.size)
		}
		margin := 0.0
		if node.boxMin != nil {
			for j, v := range row {
				if v < node.boxMin[j] {
					d2 := node.boxMin[j] - v
					margin += d2 * d2
				} else if v > node.boxMax[j] {
					d2 := v - node.boxMax[j]
					margin += d2 * d2
				}
			}
			margin = math.Sqrt(margin)
		}
		return d, margin
	}
	if row[node.splitFeature] < node.splitValue {
		return descendIso(node.left, row, depth+1)
	}
	return descendIso(node.right, row, depth+1)
}

func allIdentical(data [][]float64) bool {
	for _, row := range data[1:] {
		for j, v := range row {
			if v != data[0][j] {
				return false
			}
		}
	}
	return true
}

// anomalyModelJSON is the serialized form of a fitted model, carrying the
// standardization, tree, and calibration state scoring depends on.
type anomalyModelJSON struct {
	Features      []string       `json:"features"`
	TrainedAt     time.Time      `json:"trained_at"`
	TrainedOn     int            `json:"trained_on"`
	Means         []float64      `json:"means"`
	Stds          []float64      `json:"stds"`
	Trees         []*isoNodeJSON `json:"trees"`
	Subsample     int            `json:"subsample"`
	CalMid        float64        `json:"cal_mid"`
	CalHigh       float64        `json:"cal_high"`
	BaselineScore float64        `json:"baseline_score"`
}

type isoNodeJSON struct {
	SplitFeature int          `json:"f,omitempty"`
	SplitValue   float64      `json:"v,omitempty"`
	Left         *isoNodeJSON `json:"l,omitempty"`
	Right        *isoNodeJSON `json:"r,omitempty"`
	Size         int          `json:"n"`
	BoxMin       []float64    `json:"bl,omitempty"`
	BoxMax       []float64    `json:"bh,omitempty"`
}

func isoToJSON(n *isoNode) *isoNodeJSON {
	if n == nil {
		return nil
	}
	return &isoNodeJSON{
		SplitFeature: n.splitFeature,
		SplitValue:   n.splitValue,
		Left:         isoToJSON(n.left),
		Right:        isoToJSON(n.right),
		Size:         n.size,
		BoxMin:       n.boxMin,
		BoxMax:       n.boxMax,
	}
}

func isoFromJSON(n *isoNodeJSON) *isoNode {
	if n == nil {
		return nil
	}
	return &isoNode{
		splitFeature: n.SplitFeature,
		splitValue:   n.SplitValue,
		left:         isoFromJSON(n.Left),
		right:        isoFromJSON(n.Right),
		size:         n.Size,
		boxMin:       n.BoxMin,
		boxMax:       n.BoxMax,
	}
}

// MarshalJSON serializes the full scoring state, trees and calibration
// anchors included.
func (m *AnomalyModel) MarshalJSON() ([]byte, error) {
	trees := make([]*isoNodeJSON, len(m.trees))
	for i, tr := range m.trees {
		trees[i] = isoToJSON(tr)
	}
	return json.Marshal(anomalyModelJSON{
		Features:      m.Features,
		TrainedAt:     m.TrainedAt,
		TrainedOn:     m.TrainedOn,
		Means:         m.means,
		Stds:          m.stds,
		Trees:         trees,
		Subsample:     m.subsample,
		CalMid:        m.calMid,
		CalHigh:       m.calHigh,
		BaselineScore: m.BaselineScore,
	})
}

// UnmarshalJSON restores a model serialized by MarshalJSON; the result
// scores identically to the original.
func (m *AnomalyModel) UnmarshalJSON(data []byte) error {
	var raw anomalyModelJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Features = raw.Features
	m.TrainedAt = raw.TrainedAt
	m.TrainedOn = raw.TrainedOn
	m.means = raw.Means
	m.stds = raw.Stds
	m.trees = make([]*isoNode, len(raw.Trees))
	for i, tr := range raw.Trees {
		m.trees[i] = isoFromJSON(tr)
	}
	m.subsample = raw.Subsample
	m.calMid = raw.CalMid
	m.calHigh = raw.CalHigh
	m.BaselineScore = raw.BaselineScore
	m.index = make(map[string]int, len(raw.Features))
	for i, name := range raw.Features {
		m.index[name] = i
	}
	return nil
}

// avgPathLength is the expected path length of an unsuccessful BST search,
// the standard normalization constant for isolation forests.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649015329
	return 2*h - 2*float64(n-1)/float64(n)
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := p * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
