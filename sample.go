package prognos

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// RiskLevel classifies an anomaly score against tenant thresholds.
type RiskLevel int

const (
	// RiskNormal means the score is below the warning threshold.
	RiskNormal RiskLevel = iota
	// RiskWarning means the score is between warning and critical thresholds.
	RiskWarning
	// RiskCritical means the score is at or above the critical threshold.
	RiskCritical
)

// String returns the string representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskNormal:
		return "normal"
	case RiskWarning:
		return "warning"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MetricSample is a single time-stamped numeric observation for an asset.
// Samples are immutable once buffered.
type MetricSample struct {
	AssetID   string  `json:"asset_id"`
	Timestamp int64   `json:"timestamp"` // UnixNano
	Metric    string  `json:"metric_name"`
	Value     float64 `json:"metric_value"`
}

// LogRecord is a single time-stamped free-text log line for an asset.
type LogRecord struct {
	AssetID   string `json:"asset_id"`
	Timestamp int64  `json:"timestamp"` // UnixNano
	Text      string `json:"raw_text"`
	ClusterID int    `json:"cluster_id,omitempty"` // assigned asynchronously, -1 = unclustered
}

// FeatureVector is a fixed-cadence aggregation of samples over one window.
// Absent features carry no value and are excluded from scoring.
type FeatureVector struct {
	AssetID   string
	Timestamp int64 // window end, UnixNano
	Names     []string
	Values    []float64
	// Present marks features actually observed (directly or via forward fill).
	Present []bool
	// FillRatio is the fraction of values that were forward-filled rather
	// than observed in the window. Used as a noise signal downstream.
	FillRatio float64
}

// Get returns the value for a named feature and whether it is present.
func (v *FeatureVector) Get(name string) (float64, bool) {
	for i, n := range v.Names {
		if n == name {
			if v.Present == nil || v.Present[i] {
				return v.Values[i], true
			}
			return 0, false
		}
	}
	return 0, false
}

// PresentCount returns the number of present features.
func (v *FeatureVector) PresentCount() int {
	if v.Present == nil {
		return len(v.Values)
	}
	n := 0
	for _, p := range v.Present {
		if p {
			n++
		}
	}
	return n
}

// FeatureContribution is one entry of an additive attribution.
type FeatureContribution struct {
	Feature      string  `json:"feature"`
	Contribution float64 `json:"contribution"`
}

// RULEstimate is a remaining-useful-life prediction with its confidence band.
type RULEstimate struct {
	Hours float64 `json:"rul_estimate_hours"`
	Low   float64 `json:"rul_confidence_low"`
	High  float64 `json:"rul_confidence_high"`
	// UnlabeledDerived marks estimates produced without failure history
	// (trend extrapolation, lower trust).
	UnlabeledDerived bool `json:"unlabeled_derived,omitempty"`
}

// Prediction is the immutable inference output for one feature vector.
type Prediction struct {
	TenantID    string                `json:"tenant_id"`
	AssetID     string                `json:"asset_id"`
	Timestamp   int64                 `json:"timestamp"`
	Score       float64               `json:"anomaly_score"`
	Risk        RiskLevel             `json:"-"`
	RiskName    string                `json:"risk_level"`
	RUL         *RULEstimate          `json:"rul,omitempty"`
	Explanation []FeatureContribution `json:"explanation,omitempty"`
}

// ValidateMetricRecord checks one raw ingestion record. Malformed records are
// rejected individually, never batch-wide.
func ValidateMetricRecord(s MetricSample) error {
	if s.AssetID == "" {
		return fmt.Errorf("missing asset_id")
	}
	if s.Metric == "" {
		return fmt.Errorf("missing metric_name")
	}
	if s.Timestamp <= 0 {
		return fmt.Errorf("missing or invalid timestamp")
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return fmt.Errorf("metric_value is not a finite number")
	}
	return nil
}

// ValidateLogRecord checks one raw log ingestion record.
func ValidateLogRecord(l LogRecord) error {
	if l.AssetID == "" {
		return fmt.Errorf("missing asset_id")
	}
	if l.Timestamp <= 0 {
		return fmt.Errorf("missing or invalid timestamp")
	}
	if strings.TrimSpace(l.Text) == "" {
		return fmt.Errorf("missing raw_text")
	}
	return nil
}

// assetKey scopes an asset by tenant. Tenant isolation is structural: every
// map in the engine is keyed by tenant-qualified keys, never by bare asset IDs.
type assetKey struct {
	Tenant string
	Asset  string
}

func (k assetKey) String() string {
	return k.Tenant + "/" + k.Asset
}

// ModelTask identifies which of the per-tenant model families a version belongs to.
type ModelTask string

const (
	// TaskAnomaly is the anomaly scoring model family.
	TaskAnomaly ModelTask = "anomaly"
	// TaskRUL is the remaining-useful-life model family.
	TaskRUL ModelTask = "rul"
	// TaskLog is the log clustering model family.
	TaskLog ModelTask = "log"
)

// taskKey scopes a model family by tenant.
type taskKey struct {
	Tenant string
	Task   ModelTask
}

func (k taskKey) String() string {
	return k.Tenant + "/" + string(k.Task)
}

func nanosToTime(ns int64) time.Time {
	return time.Unix(0, ns)
}
