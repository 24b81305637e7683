package prognos

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRegistryUnknownIsUntrained(t *testing.T) {
	r := NewModelRegistry()
	rec := r.Record("acme", TaskAnomaly)
	if rec.State != ModelUntrained {
		t.Fatalf("expected untrained, got %s", rec.State)
	}
	if r.Active("acme", TaskAnomaly) != nil {
		t.Fatal("expected nil artifact for untrained pair")
	}
}

func TestRegistryPromoteBumpsVersion(t *testing.T) {
	r := NewModelRegistry()

	first := &TrainedArtifact{TrainedOn: 100}
	rec := r.Promote("acme", TaskAnomaly, first)
	if rec.State != ModelActive || rec.Version != 1 {
		t.Fatalf("expected active v1, got %s v%d", rec.State, rec.Version)
	}

	second := &TrainedArtifact{TrainedOn: 200}
	rec = r.Promote("acme", TaskAnomaly, second)
	if rec.Version != 2 {
		t.Fatalf("expected v2, got v%d", rec.Version)
	}
	if r.Active("acme", TaskAnomaly) != second {
		t.Fatal("expected the newly promoted artifact to serve")
	}
}

func TestRegistryFailureRetainsPriorModel(t *testing.T) {
	r := NewModelRegistry()

	prior := &TrainedArtifact{TrainedOn: 100}
	r.Promote("acme", TaskAnomaly, prior)

	r.MarkTraining("acme", TaskAnomaly)
	if r.Active("acme", TaskAnomaly) != prior {
		t.Fatal("prior model must keep serving during training")
	}

	r.MarkFailed("acme", TaskAnomaly, errors.New("fit blew up"))
	rec := r.Record("acme", TaskAnomaly)
	if rec.State != ModelFailed {
		t.Fatalf("expected failed state, got %s", rec.State)
	}
	if rec.LastError == "" {
		t.Error("expected last error recorded")
	}
	if r.Active("acme", TaskAnomaly) != prior {
		t.Fatal("prior model must keep serving after a failed retrain")
	}
	if rec.Version != 1 {
		t.Errorf("failed training must not bump the version, got v%d", rec.Version)
	}
}

func TestRegistryStaleKeepsServing(t *testing.T) {
	r := NewModelRegistry()
	artifact := &TrainedArtifact{TrainedOn: 100}
	r.Promote("acme", TaskAnomaly, artifact)

	r.MarkStale("acme", TaskAnomaly)
	if rec := r.Record("acme", TaskAnomaly); rec.State != ModelStale {
		t.Fatalf("expected stale, got %s", rec.State)
	}
	if r.Active("acme", TaskAnomaly) != artifact {
		t.Fatal("stale model must keep serving")
	}
}

func waitForRecord(t *testing.T, done <-chan ModelRecord) ModelRecord {
	t.Helper()
	select {
	case rec := <-done:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for training to finish")
		return ModelRecord{}
	}
}

func newTestTrainer(t *testing.T, registry *ModelRegistry) (*Trainer, chan ModelRecord) {
	t.Helper()
	trainer := NewTrainer(registry, TrainerConfig{Workers: 2, QueueSize: 8, JobTimeout: time.Second})
	done := make(chan ModelRecord, 8)
	trainer.OnDone = func(rec ModelRecord) { done <- rec }
	trainer.Start(context.Background())
	t.Cleanup(trainer.Close)
	return trainer, done
}

func TestTrainerPromotesOnSuccess(t *testing.T) {
	registry := NewModelRegistry()
	trainer, done := newTestTrainer(t, registry)

	err := trainer.Submit("acme", TaskAnomaly, func(ctx context.Context, sanitize bool) (*TrainedArtifact, error) {
		return &TrainedArtifact{TrainedOn: 150}, nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	rec := waitForRecord(t, done)
	if rec.State != ModelActive || rec.Version != 1 || rec.TrainedOn != 150 {
		t.Fatalf("unexpected record after success: %+v", rec)
	}
}

func TestTrainerRetriesSanitizedThenFails(t *testing.T) {
	registry := NewModelRegistry()
	prior := &TrainedArtifact{TrainedOn: 1}
	registry.Promote("acme", TaskAnomaly, prior)

	trainer, done := newTestTrainer(t, registry)

	var sanitizeSeen []bool
	err := trainer.Submit("acme", TaskAnomaly, func(ctx context.Context, sanitize bool) (*TrainedArtifact, error) {
		sanitizeSeen = append(sanitizeSeen, sanitize)
		return nil, fmt.Errorf("matrix went singular")
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	rec := waitForRecord(t, done)
	if rec.State != ModelFailed {
		t.Fatalf("expected failed after both attempts, got %s", rec.State)
	}
	if len(sanitizeSeen) != 2 || sanitizeSeen[0] || !sanitizeSeen[1] {
		t.Fatalf("expected one raw and one sanitized attempt, got %v", sanitizeSeen)
	}
	if registry.Active("acme", TaskAnomaly) != prior {
		t.Fatal("prior model must keep serving after double failure")
	}
}

func TestTrainerSanitizedRetrySucceeds(t *testing.T) {
	registry := NewModelRegistry()
	trainer, done := newTestTrainer(t, registry)

	err := trainer.Submit("acme", TaskAnomaly, func(ctx context.Context, sanitize bool) (*TrainedArtifact, error) {
		if !sanitize {
			return nil, fmt.Errorf("non-finite value in feature \"temp\"")
		}
		return &TrainedArtifact{TrainedOn: 140}, nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	rec := waitForRecord(t, done)
	if rec.State != ModelActive || rec.TrainedOn != 140 {
		t.Fatalf("expected promotion from the sanitized retry, got %+v", rec)
	}
}

func TestTrainerNoRetryOnInsufficientData(t *testing.T) {
	registry := NewModelRegistry()
	trainer, done := newTestTrainer(t, registry)

	attempts := 0
	trainer.Submit("acme", TaskAnomaly, func(ctx context.Context, sanitize bool) (*TrainedArtifact, error) {
		attempts++
		return nil, fmt.Errorf("%w: got 10 vectors, need 100", ErrInsufficientData)
	})

	rec := waitForRecord(t, done)
	if rec.State != ModelUntrained {
		t.Fatalf("data gate must return the pair to untrained, got %s", rec.State)
	}
	if attempts != 1 {
		t.Errorf("insufficient data must not be retried, got %d attempts", attempts)
	}
	if registry.Active("acme", TaskAnomaly) != nil {
		t.Error("no model should be promoted from a skipped run")
	}

	// More data arriving later makes the next submission succeed normally.
	for trainer.Pending("acme", TaskAnomaly) {
		time.Sleep(time.Millisecond)
	}
	if err := trainer.Submit("acme", TaskAnomaly, func(ctx context.Context, sanitize bool) (*TrainedArtifact, error) {
		return &TrainedArtifact{TrainedOn: 120}, nil
	}); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	rec = waitForRecord(t, done)
	if rec.State != ModelActive || rec.Version != 1 {
		t.Fatalf("expected promotion on retry with enough data, got %+v", rec)
	}
}

func TestTrainerInsufficientDataKeepsServingModel(t *testing.T) {
	registry := NewModelRegistry()
	prior := &TrainedArtifact{TrainedOn: 200}
	registry.Promote("acme", TaskAnomaly, prior)

	trainer, done := newTestTrainer(t, registry)
	trainer.Submit("acme", TaskAnomaly, func(ctx context.Context, sanitize bool) (*TrainedArtifact, error) {
		return nil, fmt.Errorf("%w: buffer evicted", ErrInsufficientData)
	})

	rec := waitForRecord(t, done)
	if rec.State != ModelStale {
		t.Fatalf("pair with a serving model should go stale, not %s", rec.State)
	}
	if rec.Version != 1 {
		t.Errorf("skipped run must not bump the version, got v%d", rec.Version)
	}
	if registry.Active("acme", TaskAnomaly) != prior {
		t.Fatal("prior model must keep serving through a skipped retrain")
	}
}

func TestTrainerRejectsDuplicateSubmission(t *testing.T) {
	registry := NewModelRegistry()
	trainer, done := newTestTrainer(t, registry)

	release := make(chan struct{})
	err := trainer.Submit("acme", TaskAnomaly, func(ctx context.Context, sanitize bool) (*TrainedArtifact, error) {
		<-release
		return &TrainedArtifact{}, nil
	})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	err = trainer.Submit("acme", TaskAnomaly, func(ctx context.Context, sanitize bool) (*TrainedArtifact, error) {
		return &TrainedArtifact{}, nil
	})
	if !errors.Is(err, ErrTrainingBusy) {
		t.Fatalf("expected ErrTrainingBusy, got %v", err)
	}

	// A different task for the same tenant is fine.
	err = trainer.Submit("acme", TaskRUL, func(ctx context.Context, sanitize bool) (*TrainedArtifact, error) {
		return &TrainedArtifact{}, nil
	})
	if err != nil {
		t.Fatalf("different task should be accepted: %v", err)
	}

	close(release)
	waitForRecord(t, done)
	waitForRecord(t, done)
}
