package prognos

import (
	"sort"
	"time"
)

// WindowerConfig configures feature window construction.
type WindowerConfig struct {
	// Cadence is the fixed window width. Default: 1m
	Cadence time.Duration

	// ForwardFillLookback bounds how far back a missing metric may be
	// forward-filled from its last observed value. Default: 5m
	ForwardFillLookback time.Duration

	// MinMetricFraction is the minimum fraction of required metrics a window
	// must carry to be emitted; sparser windows are dropped, not zero-filled.
	// Default: 0.5
	MinMetricFraction float64

	// Metrics is the required metric set. If empty, the set observed in the
	// input is used.
	Metrics []string
}

// DefaultWindowerConfig returns sensible defaults.
func DefaultWindowerConfig() WindowerConfig {
	return WindowerConfig{
		Cadence:             time.Minute,
		ForwardFillLookback: 5 * time.Minute,
		MinMetricFraction:   0.5,
	}
}

// FeatureWindower converts raw samples into fixed-cadence feature vectors.
// Missing metrics are forward-filled within a bounded lookback; features with
// no prior value are marked absent and excluded from scoring rather than
// imputed as zero, which would bias density estimates.
type FeatureWindower struct {
	config WindowerConfig
}

// NewFeatureWindower creates a new feature windower.
func NewFeatureWindower(config WindowerConfig) *FeatureWindower {
	if config.Cadence <= 0 {
		config.Cadence = time.Minute
	}
	if config.ForwardFillLookback <= 0 {
		config.ForwardFillLookback = 5 * config.Cadence
	}
	if config.MinMetricFraction <= 0 || config.MinMetricFraction > 1 {
		config.MinMetricFraction = 0.5
	}
	return &FeatureWindower{config: config}
}

// lastValue tracks the most recent observation of a metric for forward fill.
type lastValue struct {
	value float64
	ts    int64
}

// Windows builds feature vectors from samples. Samples may arrive unsorted;
// they are bucketed by window regardless of order. Each window aggregates a
// metric's samples by mean.
func (w *FeatureWindower) Windows(assetID string, samples []MetricSample) []FeatureVector {
	if len(samples) == 0 {
		return nil
	}

	names := w.config.Metrics
	if len(names) == 0 {
		set := make(map[string]struct{})
		for _, s := range samples {
			set[s.Metric] = struct{}{}
		}
		names = make([]string, 0, len(set))
		for n := range set {
			names = append(names, n)
		}
		sort.Strings(names)
	}
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}

	cadence := w.config.Cadence.Nanoseconds()

	minTs, maxTs := samples[0].Timestamp, samples[0].Timestamp
	for _, s := range samples {
		if s.Timestamp < minTs {
			minTs = s.Timestamp
		}
		if s.Timestamp > maxTs {
			maxTs = s.Timestamp
		}
	}
	firstBucket := minTs / cadence
	lastBucket := maxTs / cadence

	// Bucket samples: per window, per metric, sum and count for the mean.
	type agg struct {
		sum   float64
		count int
	}
	buckets := make(map[int64][]agg)
	for _, s := range samples {
		fi, ok := index[s.Metric]
		if !ok {
			continue
		}
		bucket := s.Timestamp / cadence
		row, ok := buckets[bucket]
		if !ok {
			row = make([]agg, len(names))
			buckets[bucket] = row
		}
		row[fi].sum += s.Value
		row[fi].count++
	}

	last := make([]lastValue, len(names))
	for i := range last {
		last[i].ts = -1
	}

	var out []FeatureVector
	lookback := w.config.ForwardFillLookback.Nanoseconds()

	for bucket := firstBucket; bucket <= lastBucket; bucket++ {
		windowEnd := (bucket + 1) * cadence

		row := buckets[bucket]
		values := make([]float64, len(names))
		present := make([]bool, len(names))
		observed := 0
		filled := 0

		for i := range names {
			if row != nil && row[i].count > 0 {
				values[i] = row[i].sum / float64(row[i].count)
				present[i] = true
				observed++
				last[i] = lastValue{value: values[i], ts: windowEnd}
				continue
			}
			// Forward fill from the last observed value within the lookback.
			if last[i].ts >= 0 && windowEnd-last[i].ts <= lookback {
				values[i] = last[i].value
				present[i] = true
				filled++
				continue
			}
			// No prior value: absent, excluded from scoring.
			present[i] = false
		}

		carried := observed + filled
		if float64(carried) < w.config.MinMetricFraction*float64(len(names)) {
			// Too sparse: drop rather than zero-fill.
			continue
		}

		fillRatio := 0.0
		if carried > 0 {
			fillRatio = float64(filled) / float64(carried)
		}

		out = append(out, FeatureVector{
			AssetID:   assetID,
			Timestamp: windowEnd,
			Names:     names,
			Values:    values,
			Present:   present,
			FillRatio: fillRatio,
		})
	}

	return out
}

// LatestWindow returns the most recent feature vector, or nil when every
// window was dropped.
func (w *FeatureWindower) LatestWindow(assetID string, samples []MetricSample) *FeatureVector {
	windows := w.Windows(assetID, samples)
	if len(windows) == 0 {
		return nil
	}
	return &windows[len(windows)-1]
}
