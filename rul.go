package prognos

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RULForecasterConfig configures remaining-useful-life model training.
type RULForecasterConfig struct {
	// MinTrainingSamples is the minimum total number of feature vectors
	// across training series. The forecaster models trajectories, not
	// snapshots, so it needs more history than the anomaly scorer.
	// Default: 500
	MinTrainingSamples int

	// EnsembleSize is the number of bootstrap regressors; the confidence
	// band comes from their spread. Default: 25
	EnsembleSize int

	// MaxHorizonHours caps estimates when no degradation trend is visible.
	// Default: 720 (30 days)
	MaxHorizonHours float64

	// Seed fixes the bootstrap RNG for deterministic fits. Default: 11
	Seed int64
}

// DefaultRULForecasterConfig returns sensible defaults.
func DefaultRULForecasterConfig() RULForecasterConfig {
	return RULForecasterConfig{
		MinTrainingSamples: 500,
		EnsembleSize:       25,
		MaxHorizonHours:    720,
		Seed:               11,
	}
}

// RULSeries is one asset's training trajectory. FailureAt is the failure
// timestamp in UnixNano, or zero when the asset never failed in the
// observation period.
type RULSeries struct {
	Vectors   []FeatureVector
	FailureAt int64
}

// RULForecaster fits remaining-useful-life models over windowed feature
// trajectories plus historical failure timestamps.
type RULForecaster struct {
	config RULForecasterConfig
}

// NewRULForecaster creates a new RUL forecaster.
func NewRULForecaster(config RULForecasterConfig) *RULForecaster {
	if config.MinTrainingSamples <= 0 {
		config.MinTrainingSamples = 500
	}
	if config.EnsembleSize <= 0 {
		config.EnsembleSize = 25
	}
	if config.MaxHorizonHours <= 0 {
		config.MaxHorizonHours = 720
	}
	if config.Seed == 0 {
		config.Seed = 11
	}
	return &RULForecaster{config: config}
}

// rulRegressor is one bootstrap member: hours = a + b*health + c*slope.
type rulRegressor struct {
	a, b, c float64
}

// RULModel is a trained, immutable RUL model. Prediction is a pure function
// of (model, sequence) and safe for concurrent use.
type RULModel struct {
	Features  []string
	TrainedAt time.Time
	TrainedOn int

	// Unlabeled marks a model trained without any failure history; its
	// predictions are trend extrapolations with a deliberately wide band.
	Unlabeled bool

	means, stds []float64
	ensemble    []rulRegressor
	maxHorizon  float64

	// failHealth is the health-index level treated as failure for trend
	// extrapolation in unlabeled mode.
	failHealth float64
}

// Fit trains a RUL model. Series with failure timestamps supervise the
// regression; when none exist the model falls back to trend extrapolation
// and flags every prediction as unlabeled-derived.
func (f *RULForecaster) Fit(series []RULSeries) (*RULModel, error) {
	total := 0
	for _, s := range series {
		total += len(s.Vectors)
	}
	if total < f.config.MinTrainingSamples {
		return nil, fmt.Errorf("%w: got %d vectors, need %d",
			ErrInsufficientData, total, f.config.MinTrainingSamples)
	}

	var first *FeatureVector
	for _, s := range series {
		if len(s.Vectors) > 0 {
			first = &s.Vectors[0]
			break
		}
	}
	if first == nil {
		return nil, fmt.Errorf("%w: no vectors", ErrInsufficientData)
	}
	names := first.Names
	dim := len(names)

	means, stds, err := featureMoments(series, dim, names)
	if err != nil {
		return nil, err
	}

	m := &RULModel{
		Features:   append([]string(nil), names...),
		TrainedAt:  time.Now(),
		TrainedOn:  total,
		means:      means,
		stds:       stds,
		maxHorizon: f.config.MaxHorizonHours,
		failHealth: 3.0,
	}

	// Collect supervised samples: (health, slope) -> hours to failure.
	type sample struct {
		health, slope, hours float64
	}
	var samples []sample
	for _, s := range series {
		if s.FailureAt == 0 || len(s.Vectors) < 3 {
			continue
		}
		for i := 2; i < len(s.Vectors); i++ {
			window := s.Vectors[:i+1]
			at := s.Vectors[i].Timestamp
			if at >= s.FailureAt {
				continue
			}
			h, slope := m.healthTrend(window)
			hours := float64(s.FailureAt-at) / float64(time.Hour)
			samples = append(samples, sample{health: h, slope: slope, hours: hours})
		}
	}

	if len(samples) == 0 {
		m.Unlabeled = true
		return m, nil
	}

	rng := rand.New(rand.NewSource(f.config.Seed))
	m.ensemble = make([]rulRegressor, f.config.EnsembleSize)
	for e := range m.ensemble {
		// Bootstrap resample, then ridge-regularized least squares.
		var sx [3][3]float64
		var sy [3]float64
		for i := 0; i < len(samples); i++ {
			s := samples[rng.Intn(len(samples))]
			x := [3]float64{1, s.health, s.slope}
			for r := 0; r < 3; r++ {
				for c := 0; c < 3; c++ {
					sx[r][c] += x[r] * x[c]
				}
				sy[r] += x[r] * s.hours
			}
		}
		for r := 0; r < 3; r++ {
			sx[r][r] += 1e-3
		}
		coef, err := solve3(sx, sy)
		if err != nil {
			return nil, fmt.Errorf("degenerate rul training matrix: %w", err)
		}
		m.ensemble[e] = rulRegressor{a: coef[0], b: coef[1], c: coef[2]}
	}

	return m, nil
}

// Predict estimates remaining useful life from a recent feature sequence.
// The interval always contains the point estimate, never goes negative, and
// widens monotonically with the sequence's forward-fill noise.
func (m *RULModel) Predict(recent []FeatureVector) (*RULEstimate, error) {
	if m == nil {
		return nil, ErrModelNotTrained
	}
	if len(recent) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 recent vectors", ErrInsufficientData)
	}

	health, slope := m.healthTrend(recent)
	noise := avgFillRatio(recent)

	if m.Unlabeled {
		return m.extrapolate(health, slope, noise), nil
	}

	preds := make([]float64, len(m.ensemble))
	sum := 0.0
	for i, r := range m.ensemble {
		preds[i] = r.a + r.b*health + r.c*slope
		sum += preds[i]
	}
	point := sum / float64(len(preds))
	if point < 0 {
		point = 0
	}
	if point > m.maxHorizon {
		point = m.maxHorizon
	}

	varSum := 0.0
	for _, p := range preds {
		d := p - point
		varSum += d * d
	}
	sd := math.Sqrt(varSum / float64(len(preds)))

	half := (1.96*sd + 1.0) * (1 + noise)
	return &RULEstimate{
		Hours: point,
		Low:   math.Max(0, point-half),
		High:  point + half,
	}, nil
}

// extrapolate produces the unlabeled-derived fallback: hours until the
// health index reaches the failure level at the current trend, with a band
// proportional to the estimate itself (low trust).
func (m *RULModel) extrapolate(health, slope, noise float64) *RULEstimate {
	var point float64
	if slope > 1e-9 && health < m.failHealth {
		point = (m.failHealth - health) / slope
	} else if health >= m.failHealth {
		point = 0
	} else {
		// No visible degradation: cap at the horizon.
		point = m.maxHorizon
	}
	if point > m.maxHorizon {
		point = m.maxHorizon
	}

	half := (0.5*point + 24) * (1 + noise)
	return &RULEstimate{
		Hours:            point,
		Low:              math.Max(0, point-half),
		High:             point + half,
		UnlabeledDerived: true,
	}
}

// healthTrend computes the degradation health index of the latest vector and
// its slope per hour over the window. The index is the mean absolute
// standardized deviation of present features from the training means.
func (m *RULModel) healthTrend(window []FeatureVector) (health, slopePerHour float64) {
	n := len(window)
	xs := make([]float64, n)
	ys := make([]float64, n)
	t0 := window[0].Timestamp
	for i := range window {
		xs[i] = float64(window[i].Timestamp-t0) / float64(time.Hour)
		ys[i] = m.healthIndex(&window[i])
	}
	health = ys[n-1]

	// OLS slope of health over time.
	meanX, meanY := 0.0, 0.0
	for i := 0; i < n; i++ {
		meanX += xs[i]
		meanY += ys[i]
	}
	meanX /= float64(n)
	meanY /= float64(n)
	num, den := 0.0, 0.0
	for i := 0; i < n; i++ {
		num += (xs[i] - meanX) * (ys[i] - meanY)
		den += (xs[i] - meanX) * (xs[i] - meanX)
	}
	if den > 0 {
		slopePerHour = num / den
	}
	return health, slopePerHour
}

func (m *RULModel) healthIndex(v *FeatureVector) float64 {
	sum, n := 0.0, 0
	for j, name := range m.Features {
		val, ok := v.Get(name)
		if !ok {
			continue
		}
		sum += math.Abs((val - m.means[j]) / m.stds[j])
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// rulModelJSON is the serialized form of a fitted RUL model; ensemble
// members flatten to their three coefficients.
type rulModelJSON struct {
	Features   []string     `json:"features"`
	TrainedAt  time.Time    `json:"trained_at"`
	TrainedOn  int          `json:"trained_on"`
	Unlabeled  bool         `json:"unlabeled,omitempty"`
	Means      []float64    `json:"means"`
	Stds       []float64    `json:"stds"`
	Ensemble   [][3]float64 `json:"ensemble,omitempty"`
	MaxHorizon float64      `json:"max_horizon"`
	FailHealth float64      `json:"fail_health"`
}

// MarshalJSON serializes the full forecasting state.
func (m *RULModel) MarshalJSON() ([]byte, error) {
	var ensemble [][3]float64
	if len(m.ensemble) > 0 {
		ensemble = make([][3]float64, len(m.ensemble))
		for i, r := range m.ensemble {
			ensemble[i] = [3]float64{r.a, r.b, r.c}
		}
	}
	return json.Marshal(rulModelJSON{
		Features:   m.Features,
		TrainedAt:  m.TrainedAt,
		TrainedOn:  m.TrainedOn,
		Unlabeled:  m.Unlabeled,
		Means:      m.means,
		Stds:       m.stds,
		Ensemble:   ensemble,
		MaxHorizon: m.maxHorizon,
		FailHealth: m.failHealth,
	})
}

// UnmarshalJSON restores a model serialized by MarshalJSON.
func (m *RULModel) UnmarshalJSON(data []byte) error {
	var raw rulModelJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Features = raw.Features
	m.TrainedAt = raw.TrainedAt
	m.TrainedOn = raw.TrainedOn
	m.Unlabeled = raw.Unlabeled
	m.means = raw.Means
	m.stds = raw.Stds
	m.ensemble = nil
	if len(raw.Ensemble) > 0 {
		m.ensemble = make([]rulRegressor, len(raw.Ensemble))
		for i, c := range raw.Ensemble {
			m.ensemble[i] = rulRegressor{a: c[0], b: c[1], c: c[2]}
		}
	}
	m.maxHorizon = raw.MaxHorizon
	m.failHealth = raw.FailHealth
	return nil
}

func avgFillRatio(window []FeatureVector) float64 {
	if len(window) == 0 {
		return 0
	}
	sum := 0.0
	for i := range window {
		sum += window[i].FillRatio
	}
	return sum / float64(len(window))
}

func featureMoments(series []RULSeries, dim int, names []string) (means, stds []float64, err error) {
	means = make([]float64, dim)
	stds = make([]float64, dim)
	counts := make([]int, dim)
	for _, s := range series {
		for i := range s.Vectors {
			v := &s.Vectors[i]
			for j := 0; j < dim && j < len(v.Values); j++ {
				if v.Present != nil && !v.Present[j] {
					continue
				}
				if math.IsNaN(v.Values[j]) || math.IsInf(v.Values[j], 0) {
					return nil, nil, fmt.Errorf("non-finite value in feature %q", names[j])
				}
				means[j] += v.Values[j]
				counts[j]++
			}
		}
	}
	for j := range means {
		if counts[j] == 0 {
			return nil, nil, fmt.Errorf("feature %q has no observed values", names[j])
		}
		means[j] /= float64(counts[j])
	}
	for _, s := range series {
		for i := range s.Vectors {
			v := &s.Vectors[i]
			for j := 0; j < dim && j < len(v.Values); j++ {
				if v.Present != nil && !v.Present[j] {
					continue
				}
				d := v.Values[j] - means[j]
				stds[j] += d * d
			}
		}
	}
	for j := range stds {
		stds[j] = math.Sqrt(stds[j] / float64(counts[j]))
		if stds[j] == 0 {
			stds[j] = 1
		}
	}
	return means, stds, nil
}

// solve3 solves a 3x3 linear system by Gaussian elimination with partial
// pivoting.
func solve3(a [3][3]float64, b [3]float64) ([3]float64, error) {
	var x [3]float64
	for col := 0; col < 3; col++ {
		pivot := col
		for r := col + 1; r < 3; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return x, fmt.Errorf("singular matrix")
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]
		for r := col + 1; r < 3; r++ {
			factor := a[r][col] / a[col][col]
			for c := col; c < 3; c++ {
				a[r][c] -= factor * a[col][c]
			}
			b[r] -= factor * b[col]
		}
	}
	for r := 2; r >= 0; r-- {
		sum := b[r]
		for c := r + 1; c < 3; c++ {
			sum -= a[r][c] * x[c]
		}
		x[r] = sum / a[r][r]
	}
	return x, nil
}
