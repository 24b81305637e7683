package prognos

import (
	"testing"
	"time"
)

func TestWindowerAggregatesByMean(t *testing.T) {
	w := NewFeatureWindower(WindowerConfig{Cadence: time.Minute})

	base := ts(0)
	windows := w.Windows("pump-1", []MetricSample{
		{AssetID: "pump-1", Timestamp: base + 10*int64(time.Second), Metric: "temp", Value: 70},
		{AssetID: "pump-1", Timestamp: base + 40*int64(time.Second), Metric: "temp", Value: 74},
	})

	if len(windows) != 1 {
		t.Fatalf("expected 1 window, got %d", len(windows))
	}
	got, ok := windows[0].Get("temp")
	if !ok {
		t.Fatal("temp should be present")
	}
	if got != 72 {
		t.Errorf("expected mean 72, got %v", got)
	}
}

func TestWindowerForwardFillWithinLookback(t *testing.T) {
	w := NewFeatureWindower(WindowerConfig{
		Cadence:             time.Minute,
		ForwardFillLookback: 2 * time.Minute,
		MinMetricFraction:   0.4,
		Metrics:             []string{"temp", "vib"},
	})

	samples := []MetricSample{
		{AssetID: "pump-1", Timestamp: ts(0), Metric: "temp", Value: 70},
		{AssetID: "pump-1", Timestamp: ts(0), Metric: "vib", Value: 0.2},
		// temp missing at minute 1 and onward; vib keeps reporting.
		{AssetID: "pump-1", Timestamp: ts(1), Metric: "vib", Value: 0.3},
		{AssetID: "pump-1", Timestamp: ts(2), Metric: "vib", Value: 0.3},
		{AssetID: "pump-1", Timestamp: ts(3), Metric: "vib", Value: 0.4},
		{AssetID: "pump-1", Timestamp: ts(4), Metric: "vib", Value: 0.4},
	}
	windows := w.Windows("pump-1", samples)
	if len(windows) != 5 {
		t.Fatalf("expected 5 windows, got %d", len(windows))
	}

	// Minute 1: temp forward-filled from minute 0.
	if v, ok := windows[1].Get("temp"); !ok || v != 70 {
		t.Errorf("minute 1: expected temp filled to 70, got %v present=%v", v, ok)
	}
	if windows[1].FillRatio == 0 {
		t.Error("minute 1: fill ratio should reflect the forward fill")
	}

	// Minute 4: beyond the 2m lookback, temp must be absent, not zero.
	if _, ok := windows[4].Get("temp"); ok {
		t.Error("minute 4: temp should be absent past the lookback")
	}
	if v, ok := windows[4].Get("vib"); !ok || v != 0.4 {
		t.Errorf("minute 4: vib should be present, got %v present=%v", v, ok)
	}
}

func TestWindowerDropsSparseWindows(t *testing.T) {
	w := NewFeatureWindower(WindowerConfig{
		Cadence:           time.Minute,
		MinMetricFraction: 0.5,
		Metrics:           []string{"a", "b", "c", "d"},
	})

	// Only 1 of 4 metrics reports: below the 0.5 fraction, dropped.
	windows := w.Windows("pump-1", []MetricSample{
		{AssetID: "pump-1", Timestamp: ts(0), Metric: "a", Value: 1},
	})
	if len(windows) != 0 {
		t.Fatalf("expected sparse window dropped, got %d windows", len(windows))
	}
}

func TestWindowerUnsortedInput(t *testing.T) {
	w := NewFeatureWindower(WindowerConfig{Cadence: time.Minute})

	windows := w.Windows("pump-1", []MetricSample{
		{AssetID: "pump-1", Timestamp: ts(2), Metric: "temp", Value: 72},
		{AssetID: "pump-1", Timestamp: ts(0), Metric: "temp", Value: 70},
		{AssetID: "pump-1", Timestamp: ts(1), Metric: "temp", Value: 71},
	})

	if len(windows) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(windows))
	}
	for i := 1; i < len(windows); i++ {
		if windows[i].Timestamp <= windows[i-1].Timestamp {
			t.Errorf("windows out of order at %d", i)
		}
	}
	if v, _ := windows[0].Get("temp"); v != 70 {
		t.Errorf("first window should hold the earliest sample, got %v", v)
	}
}

func TestWindowerLatestWindow(t *testing.T) {
	w := NewFeatureWindower(WindowerConfig{Cadence: time.Minute})

	if got := w.LatestWindow("pump-1", nil); got != nil {
		t.Fatalf("expected nil for empty input, got %+v", got)
	}

	latest := w.LatestWindow("pump-1", []MetricSample{
		{AssetID: "pump-1", Timestamp: ts(0), Metric: "temp", Value: 70},
		{AssetID: "pump-1", Timestamp: ts(5), Metric: "temp", Value: 75},
	})
	if latest == nil {
		t.Fatal("expected a window")
	}
	if v, _ := latest.Get("temp"); v != 75 {
		t.Errorf("expected latest window value 75, got %v", v)
	}
}
