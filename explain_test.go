package prognos

import (
	"errors"
	"math"
	"testing"
)

func TestExplainAdditivity(t *testing.T) {
	s := NewAnomalyScorer(DefaultAnomalyScorerConfig())
	m, err := s.Fit(fleetTraining(150))
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	e := NewExplainer(DefaultExplainerConfig())

	v := testVector([]string{"cpu", "memory"}, 95, 98)
	score, _ := m.Score(&v)

	contribs, err := e.Explain(m, &v)
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if len(contribs) != 2 {
		t.Fatalf("expected 2 contributions, got %d", len(contribs))
	}

	sum := 0.0
	for _, c := range contribs {
		sum += c.Contribution
	}
	if diff := math.Abs(sum - (score - m.BaselineScore)); diff > 1e-2 {
		t.Errorf("contributions sum %v, want %v (diff %v)", sum, score-m.BaselineScore, diff)
	}
}

func TestExplainRanksDominantDeviation(t *testing.T) {
	s := NewAnomalyScorer(DefaultAnomalyScorerConfig())
	m, err := s.Fit(fleetTraining(150))
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	e := NewExplainer(DefaultExplainerConfig())

	// cpu 95 is far outside its 40..55 band, but memory 98 is a much larger
	// departure relative to its tight 66..69 band.
	v := testVector([]string{"cpu", "memory"}, 95, 98)
	contribs, err := e.Explain(m, &v)
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if contribs[0].Feature != "memory" {
		t.Errorf("expected memory as top contributor, got %s (%+v)", contribs[0].Feature, contribs)
	}
}

func TestExplainDeterministic(t *testing.T) {
	s := NewAnomalyScorer(DefaultAnomalyScorerConfig())
	m, err := s.Fit(fleetTraining(150))
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	e := NewExplainer(DefaultExplainerConfig())

	v := testVector([]string{"cpu", "memory"}, 60, 71)
	first, err := e.Explain(m, &v)
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	again, err := e.Explain(m, &v)
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	for i := range first {
		if first[i] != again[i] {
			t.Fatalf("explanation not deterministic at %d: %+v vs %+v", i, first[i], again[i])
		}
	}
}

func TestExplainOmitsAbsentFeatures(t *testing.T) {
	s := NewAnomalyScorer(DefaultAnomalyScorerConfig())
	m, err := s.Fit(fleetTraining(150))
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	e := NewExplainer(DefaultExplainerConfig())

	v := testVector([]string{"cpu", "memory"}, 95, 0)
	v.Present[1] = false

	contribs, err := e.Explain(m, &v)
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if len(contribs) != 1 {
		t.Fatalf("expected only the present feature, got %+v", contribs)
	}
	if contribs[0].Feature != "cpu" {
		t.Errorf("expected cpu, got %s", contribs[0].Feature)
	}
}

func TestExplainUntrainedModel(t *testing.T) {
	e := NewExplainer(DefaultExplainerConfig())
	v := testVector([]string{"cpu"}, 50)
	if _, err := e.Explain(nil, &v); !errors.Is(err, ErrModelNotTrained) {
		t.Fatalf("expected ErrModelNotTrained, got %v", err)
	}
}
