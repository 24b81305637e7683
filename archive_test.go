package prognos

import (
	"encoding/json"
	"testing"
	"time"
)

func TestArchivedModelRestoresAnomalyScoring(t *testing.T) {
	scorer := NewAnomalyScorer(DefaultAnomalyScorerConfig())
	vectors := uniformVectors(300, 1, 0)
	model, err := scorer.Fit(vectors)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}

	monitor := NewDriftMonitor(DefaultDriftMonitorConfig())
	scores := make([]float64, 0, len(vectors))
	for i := range vectors {
		if s, err := model.Score(&vectors[i]); err == nil {
			scores = append(scores, s)
		}
	}
	ref, err := monitor.BuildReference(vectors, scores)
	if err != nil {
		t.Fatalf("build reference: %v", err)
	}

	archived := ArchivedModel{
		Tenant:     "acme",
		Task:       TaskAnomaly,
		Version:    1,
		TrainedAt:  model.TrainedAt,
		TrainedOn:  model.TrainedOn,
		ArchivedAt: time.Now(),
		Anomaly:    model,
		Reference:  ref,
	}
	data, err := json.Marshal(archived)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var restored ArchivedModel
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	artifact := restored.Artifact()
	if artifact == nil || artifact.Anomaly == nil {
		t.Fatal("restored archive entry must yield a serving artifact")
	}
	if artifact.TrainedOn != model.TrainedOn {
		t.Errorf("trained-on count lost: %d", artifact.TrainedOn)
	}

	// The restored model scores identically to the original, for both the
	// training bulk and an outlier.
	inputs := []FeatureVector{
		vectors[0],
		testVector([]string{"temp", "vib"}, 200, 9),
	}
	for i := range inputs {
		want, err := model.Score(&inputs[i])
		if err != nil {
			t.Fatalf("score original %d: %v", i, err)
		}
		got, err := artifact.Anomaly.Score(&inputs[i])
		if err != nil {
			t.Fatalf("score restored %d: %v", i, err)
		}
		if got != want {
			t.Errorf("input %d: restored model scored %v, original %v", i, got, want)
		}
	}

	// The restored reference still supports drift comparison.
	report, err := monitor.Compare("acme", TaskAnomaly, artifact.Reference, uniformVectors(200, 3, 0), nil, 0)
	if err != nil {
		t.Fatalf("compare against restored reference: %v", err)
	}
	if report.Drifted() {
		t.Errorf("same distribution flagged against restored reference: max PSI %v", report.MaxPSI)
	}
}

func TestArchivedModelRestoresRULForecast(t *testing.T) {
	forecaster := NewRULForecaster(DefaultRULForecasterConfig())
	model, err := forecaster.Fit(labeledFleet())
	if err != nil {
		t.Fatalf("fit: %v", err)
	}

	archived := ArchivedModel{
		Tenant:     "acme",
		Task:       TaskRUL,
		Version:    1,
		TrainedAt:  model.TrainedAt,
		TrainedOn:  model.TrainedOn,
		ArchivedAt: time.Now(),
		RUL:        model,
	}
	data, err := json.Marshal(archived)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var restored ArchivedModel
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	artifact := restored.Artifact()
	if artifact == nil || artifact.RUL == nil {
		t.Fatal("restored archive entry must yield a serving artifact")
	}
	if artifact.RUL.Unlabeled != model.Unlabeled {
		t.Error("unlabeled flag lost in round trip")
	}

	window := degradingSeries("pump-9", 200, false).Vectors[80:120]
	want, err := model.Predict(window)
	if err != nil {
		t.Fatalf("predict original: %v", err)
	}
	got, err := artifact.RUL.Predict(window)
	if err != nil {
		t.Fatalf("predict restored: %v", err)
	}
	if got.Hours != want.Hours || got.Low != want.Low || got.High != want.High {
		t.Errorf("restored forecast %+v differs from original %+v", got, want)
	}
}

func TestArchivedModelWithoutParametersHasNoArtifact(t *testing.T) {
	archived := ArchivedModel{Tenant: "acme", Task: TaskAnomaly, Version: 1}
	if archived.Artifact() != nil {
		t.Fatal("bookkeeping-only entry must not fabricate an artifact")
	}
}
