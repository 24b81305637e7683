package prognos

import (
	"testing"
	"time"
)

func ts(minutes int) int64 {
	return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(minutes) * time.Minute).UnixNano()
}

func TestSampleBufferOrdersUnsortedArrivals(t *testing.T) {
	b := NewSampleBuffer(DefaultSampleBufferConfig())

	b.AddMetrics("acme", []MetricSample{
		{AssetID: "pump-1", Timestamp: ts(3), Metric: "temp", Value: 71},
		{AssetID: "pump-1", Timestamp: ts(1), Metric: "temp", Value: 70},
		{AssetID: "pump-1", Timestamp: ts(2), Metric: "temp", Value: 70.5},
	})

	got := b.Read("acme", "pump-1", 0, ts(10))
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp < got[i-1].Timestamp {
			t.Errorf("samples out of order at %d: %d < %d", i, got[i].Timestamp, got[i-1].Timestamp)
		}
	}
}

func TestSampleBufferDuplicateLastWriteWins(t *testing.T) {
	b := NewSampleBuffer(DefaultSampleBufferConfig())

	b.AddMetrics("acme", []MetricSample{
		{AssetID: "pump-1", Timestamp: ts(1), Metric: "temp", Value: 70},
	})
	b.AddMetrics("acme", []MetricSample{
		{AssetID: "pump-1", Timestamp: ts(1), Metric: "temp", Value: 75},
	})

	got := b.Read("acme", "pump-1", 0, ts(10))
	if len(got) != 1 {
		t.Fatalf("expected duplicate collapsed to 1 sample, got %d", len(got))
	}
	if got[0].Value != 75 {
		t.Errorf("expected last write to win with value 75, got %v", got[0].Value)
	}
}

func TestSampleBufferSameTimestampDifferentMetrics(t *testing.T) {
	b := NewSampleBuffer(DefaultSampleBufferConfig())

	b.AddMetrics("acme", []MetricSample{
		{AssetID: "pump-1", Timestamp: ts(1), Metric: "temp", Value: 70},
		{AssetID: "pump-1", Timestamp: ts(1), Metric: "vibration", Value: 0.3},
	})

	got := b.Read("acme", "pump-1", 0, ts(10))
	if len(got) != 2 {
		t.Fatalf("expected both metrics retained, got %d samples", len(got))
	}
}

func TestSampleBufferTenantIsolation(t *testing.T) {
	b := NewSampleBuffer(DefaultSampleBufferConfig())

	b.AddMetrics("acme", []MetricSample{
		{AssetID: "pump-1", Timestamp: ts(1), Metric: "temp", Value: 70},
	})
	b.AddMetrics("globex", []MetricSample{
		{AssetID: "pump-1", Timestamp: ts(1), Metric: "temp", Value: 99},
	})

	acme := b.Read("acme", "pump-1", 0, ts(10))
	if len(acme) != 1 || acme[0].Value != 70 {
		t.Fatalf("tenant acme sees wrong data: %+v", acme)
	}
	if got := b.Read("initech", "pump-1", 0, ts(10)); len(got) != 0 {
		t.Errorf("unknown tenant should see nothing, got %d samples", len(got))
	}
}

func TestSampleBufferEvictsOldest(t *testing.T) {
	b := NewSampleBuffer(SampleBufferConfig{MaxSamplesPerAsset: 5})

	var batch []MetricSample
	for i := 0; i < 10; i++ {
		batch = append(batch, MetricSample{AssetID: "pump-1", Timestamp: ts(i), Metric: "temp", Value: float64(i)})
	}
	b.AddMetrics("acme", batch)

	got := b.Read("acme", "pump-1", 0, ts(100))
	if len(got) != 5 {
		t.Fatalf("expected 5 retained samples, got %d", len(got))
	}
	if got[0].Timestamp != ts(5) {
		t.Errorf("expected oldest retained at ts(5), got %d", got[0].Timestamp)
	}
}

func TestSampleBufferReadStaysSortedUnderWrites(t *testing.T) {
	b := NewSampleBuffer(DefaultSampleBufferConfig())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.AddMetrics("acme", []MetricSample{
				{AssetID: "pump-1", Timestamp: ts(200 - i), Metric: "temp", Value: float64(i)},
			})
		}
	}()

	for i := 0; i < 200; i++ {
		got := b.Read("acme", "pump-1", 0, ts(500))
		for j := 1; j < len(got); j++ {
			if got[j].Timestamp < got[j-1].Timestamp {
				t.Fatalf("out-of-order samples at %d during concurrent writes", j)
			}
		}
	}
	<-done
}

func TestSampleBufferLogsStartUnclustered(t *testing.T) {
	b := NewSampleBuffer(DefaultSampleBufferConfig())

	b.AddLogs("acme", []LogRecord{
		{AssetID: "pump-1", Timestamp: ts(1), Text: "bearing temp high", ClusterID: 42},
	})

	logs := b.ReadLogs("acme", "pump-1", 0, ts(10))
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}
	if logs[0].ClusterID != -1 {
		t.Errorf("expected incoming cluster ID reset to -1, got %d", logs[0].ClusterID)
	}
}

func TestSampleBufferAssignClusters(t *testing.T) {
	b := NewSampleBuffer(DefaultSampleBufferConfig())

	b.AddLogs("acme", []LogRecord{
		{AssetID: "pump-1", Timestamp: ts(1), Text: "seal pressure drop"},
		{AssetID: "pump-1", Timestamp: ts(2), Text: "seal pressure drop"},
	})

	b.AssignClusters("acme", []LogRecord{
		{AssetID: "pump-1", Timestamp: ts(1), Text: "seal pressure drop", ClusterID: 3},
	})

	logs := b.ReadLogs("acme", "pump-1", 0, ts(10))
	if logs[0].ClusterID != 3 {
		t.Errorf("expected cluster 3 on first record, got %d", logs[0].ClusterID)
	}
	if logs[1].ClusterID != -1 {
		t.Errorf("expected second record unclustered, got %d", logs[1].ClusterID)
	}
}

func TestSampleBufferAssets(t *testing.T) {
	b := NewSampleBuffer(DefaultSampleBufferConfig())
	b.AddMetrics("acme", []MetricSample{
		{AssetID: "pump-2", Timestamp: ts(1), Metric: "temp", Value: 1},
		{AssetID: "pump-1", Timestamp: ts(1), Metric: "temp", Value: 1},
	})

	assets := b.Assets("acme")
	if len(assets) != 2 || assets[0] != "pump-1" || assets[1] != "pump-2" {
		t.Errorf("expected sorted [pump-1 pump-2], got %v", assets)
	}
}
