package prognos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "engine.db")
	cfg.Trainer = TrainerConfig{Workers: 2, QueueSize: 8, JobTimeout: 30 * time.Second}

	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.Start(context.Background())
	t.Cleanup(func() { e.Close() })
	return e
}

// seedFleetMetrics buffers minutes of steady cpu and memory telemetry for one
// asset: cpu drifting in 40..55, memory tight in 66..69.
func seedFleetMetrics(e *Engine, tenant, asset string, minutes int) {
	rng := rand.New(rand.NewSource(7))
	samples := make([]MetricSample, 0, minutes*2)
	for i := 0; i < minutes; i++ {
		at := ts(i)
		samples = append(samples,
			MetricSample{AssetID: asset, Timestamp: at, Metric: "cpu_percent", Value: 40 + rng.Float64()*15},
			MetricSample{AssetID: asset, Timestamp: at, Metric: "memory_percent", Value: 66 + rng.Float64()*3},
		)
	}
	e.IngestMetrics(tenant, samples)
}

func trainAndWait(t *testing.T, e *Engine, tenant string, task ModelTask) {
	t.Helper()
	if err := e.Train(tenant, task); err != nil {
		t.Fatalf("train %s: %v", task, err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, rec := range e.ModelRecords(tenant) {
			if rec.Task == task && rec.State != ModelTraining && rec.State != ModelUntrained {
				if rec.State != ModelActive {
					t.Fatalf("training ended in %s: %s", rec.State, rec.LastError)
				}
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s training", task)
}

func TestEngineIngestRejectsBadRecordsIndividually(t *testing.T) {
	e := newTestEngine(t)

	accepted, rejected := e.IngestMetrics("acme", []MetricSample{
		{AssetID: "pump-1", Timestamp: ts(0), Metric: "cpu_percent", Value: 42},
		{AssetID: "", Timestamp: ts(1), Metric: "cpu_percent", Value: 42},
		{AssetID: "pump-1", Timestamp: ts(2), Metric: "cpu_percent", Value: 42},
	})
	if accepted != 2 {
		t.Errorf("expected 2 accepted, got %d", accepted)
	}
	if len(rejected) != 1 || rejected[0].Index != 1 {
		t.Errorf("expected record 1 rejected, got %+v", rejected)
	}

	stats := e.Stats()
	if stats.MetricsIngested != 2 || stats.MetricsRejected != 1 {
		t.Errorf("stats mismatch: %+v", stats)
	}
}

func TestEnginePredictBeforeTraining(t *testing.T) {
	e := newTestEngine(t)
	seedFleetMetrics(e, "acme", "pump-1", 30)

	_, err := e.Predict(context.Background(), "acme", "pump-1")
	if !errors.Is(err, ErrModelNotTrained) {
		t.Fatalf("expected ErrModelNotTrained, got %v", err)
	}
}

func TestEngineTrainAndPredict(t *testing.T) {
	e := newTestEngine(t)
	seedFleetMetrics(e, "acme", "pump-1", 150)
	trainAndWait(t, e, "acme", TaskAnomaly)

	pred, err := e.Predict(context.Background(), "acme", "pump-1")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if pred.Score < 0 || pred.Score > 1 {
		t.Errorf("score out of range: %v", pred.Score)
	}
	if pred.Risk != RiskNormal {
		t.Errorf("steady telemetry should score normal, got %s (%v)", pred.RiskName, pred.Score)
	}

	// The prediction lands on the durable trail.
	stored, err := e.store.Predictions(context.Background(), "acme", "pump-1", 10)
	if err != nil {
		t.Fatalf("stored predictions: %v", err)
	}
	if len(stored) != 1 {
		t.Errorf("expected 1 stored prediction, got %d", len(stored))
	}
}

func TestEngineOutlierRaisesAlert(t *testing.T) {
	e := newTestEngine(t)
	seedFleetMetrics(e, "acme", "pump-1", 150)
	trainAndWait(t, e, "acme", TaskAnomaly)

	// An extreme window on a fresh asset.
	at := ts(200)
	e.IngestMetrics("acme", []MetricSample{
		{AssetID: "pump-2", Timestamp: at, Metric: "cpu_percent", Value: 95},
		{AssetID: "pump-2", Timestamp: at, Metric: "memory_percent", Value: 98},
	})

	pred, err := e.Predict(context.Background(), "acme", "pump-2")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if pred.Risk == RiskNormal {
		t.Fatalf("extreme window should be risky, got score %v", pred.Score)
	}
	if len(pred.Explanation) == 0 {
		t.Error("risky prediction should carry an explanation")
	}
	if pred.Explanation[0].Feature != "memory_percent" {
		t.Errorf("memory should dominate the attribution, got %q", pred.Explanation[0].Feature)
	}

	alerts := e.Alerts("acme")
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].AssetID != "pump-2" {
		t.Errorf("alert for wrong asset: %+v", alerts[0])
	}
}

func TestEngineRULTraining(t *testing.T) {
	e := newTestEngine(t)

	// Three assets degrading over 200 one-minute windows, each with a
	// recorded failure at the end of its run.
	for a := 1; a <= 3; a++ {
		asset := fmt.Sprintf("pump-%d", a)
		samples := make([]MetricSample, 0, 400)
		for i := 0; i < 200; i++ {
			frac := float64(i) / 200
			samples = append(samples,
				MetricSample{AssetID: asset, Timestamp: ts(i), Metric: "cpu_percent", Value: 40 + 50*frac},
				MetricSample{AssetID: asset, Timestamp: ts(i), Metric: "memory_percent", Value: 60 + 35*frac},
			)
		}
		e.IngestMetrics("acme", samples)
		e.RecordFailure("acme", asset, ts(200))
	}

	trainAndWait(t, e, "acme", TaskRUL)

	rec := findRecord(t, e, "acme", TaskRUL)
	if rec.State != ModelActive {
		t.Fatalf("expected active RUL model, got %s", rec.State)
	}
}

func findRecord(t *testing.T, e *Engine, tenant string, task ModelTask) ModelRecord {
	t.Helper()
	for _, rec := range e.ModelRecords(tenant) {
		if rec.Task == task {
			return rec
		}
	}
	t.Fatalf("no record for %s/%s", tenant, task)
	return ModelRecord{}
}

func TestEngineTrainInsufficientData(t *testing.T) {
	e := newTestEngine(t)
	// 10 windows against a 100-vector training gate.
	seedFleetMetrics(e, "acme", "pump-1", 10)

	if err := e.Train("acme", TaskAnomaly); err != nil {
		t.Fatalf("submit: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, rec := range e.ModelRecords("acme") {
			if rec.Task == TaskAnomaly && rec.State == ModelUntrained {
				if rec.LastError == "" {
					t.Error("skipped record should carry the gate reason")
				}
				// No model was created; prediction still reports untrained.
				_, err := e.Predict(context.Background(), "acme", "pump-1")
				if !errors.Is(err, ErrModelNotTrained) {
					t.Errorf("expected ErrModelNotTrained after skipped training, got %v", err)
				}
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for training to skip")
}

func TestEngineTenantDedupOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "engine.db")
	cfg.Trainer = TrainerConfig{Workers: 2, QueueSize: 8, JobTimeout: 30 * time.Second}
	cfg.Tenants = map[string]TenantSettings{
		"acme": {DedupWindow: time.Second},
	}

	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.Start(context.Background())
	t.Cleanup(func() { e.Close() })

	seedFleetMetrics(e, "acme", "pump-1", 150)
	trainAndWait(t, e, "acme", TaskAnomaly)

	// The same condition 10 minutes apart: the tenant's one-second dedup
	// window raises two alerts where the 1h default would fold them.
	for _, minute := range []int{200, 210} {
		e.IngestMetrics("acme", []MetricSample{
			{AssetID: "pump-2", Timestamp: ts(minute), Metric: "cpu_percent", Value: 95},
			{AssetID: "pump-2", Timestamp: ts(minute), Metric: "memory_percent", Value: 98},
		})
		if _, err := e.Predict(context.Background(), "acme", "pump-2"); err != nil {
			t.Fatalf("predict at minute %d: %v", minute, err)
		}
	}

	if alerts := e.Alerts("acme"); len(alerts) != 2 {
		t.Fatalf("tenant dedup window must reach the agent, got %d alerts", len(alerts))
	}
}

func TestEngineCountsArchiveErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "engine.db")
	cfg.Trainer = TrainerConfig{Workers: 2, QueueSize: 8, JobTimeout: 30 * time.Second}
	// An archive nothing listens on: every put fails fast.
	cfg.Archive.Bucket = "prognos-test"
	cfg.Archive.Endpoint = "http://127.0.0.1:1"
	cfg.Archive.UsePathStyle = true
	cfg.Archive.AccessKeyID = "test"
	cfg.Archive.SecretAccessKey = "test"
	cfg.Archive.Retry.MaxAttempts = 1
	cfg.Archive.Retry.InitialBackoff = time.Millisecond
	cfg.Archive.Retry.MaxBackoff = 2 * time.Millisecond

	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.Start(context.Background())
	t.Cleanup(func() { e.Close() })

	seedFleetMetrics(e, "acme", "pump-1", 150)
	trainAndWait(t, e, "acme", TaskAnomaly)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if e.Stats().ArchiveErrors >= 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("archive failure was not counted")
}

func TestEngineClusterLogs(t *testing.T) {
	e := newTestEngine(t)

	var records []LogRecord
	for i := 0; i < 5; i++ {
		records = append(records, LogRecord{
			AssetID:   "pump-1",
			Timestamp: ts(i),
			Text:      fmt.Sprintf("Connection timeout from 10.0.0.%d:3456 after 30s", i+1),
		})
	}
	accepted, rejected := e.IngestLogs("acme", records)
	if accepted != 5 || len(rejected) != 0 {
		t.Fatalf("ingest: accepted %d rejected %v", accepted, rejected)
	}

	summaries, err := e.ClusterLogs(context.Background(), "acme")
	if err != nil {
		t.Fatalf("cluster: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Size != 5 {
		t.Fatalf("expected one cluster of 5, got %+v", summaries)
	}
}

func TestEngineHTTPIngestAndTrain(t *testing.T) {
	e := newTestEngine(t)

	mux := http.NewServeMux()
	e.RegisterHTTPHandlers(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body, _ := json.Marshal(ingestMetricsRequest{
		TenantID: "acme",
		Records: []MetricSample{
			{AssetID: "pump-1", Timestamp: ts(0), Metric: "cpu_percent", Value: 42},
			{AssetID: "pump-1", Timestamp: ts(1), Metric: "cpu_percent"},
		},
	})
	resp, err := http.Post(srv.URL+"/api/v1/ingest/metrics", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest status %d", resp.StatusCode)
	}
	var ingest ingestResponse
	if err := json.NewDecoder(resp.Body).Decode(&ingest); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// The zero-value sample has no timestamp, so only the first is accepted.
	if ingest.Accepted != 1 || len(ingest.Rejected) != 1 {
		t.Errorf("unexpected ingest response: %+v", ingest)
	}

	// Predicting without a model maps to 409.
	resp2, err := http.Get(srv.URL + "/api/v1/predict?tenant=acme&asset=pump-1")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for untrained model, got %d", resp2.StatusCode)
	}

	// Too little data for training maps through as accepted submission.
	resp3, err := http.Post(srv.URL+"/api/v1/train",
		"application/json", bytes.NewReader([]byte(`{"tenant_id":"acme","task":"anomaly"}`)))
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202 for accepted training, got %d", resp3.StatusCode)
	}
}
