// Package prognos is an embedded predictive-maintenance engine for
// industrial assets.
//
// The pipeline ingests per-tenant metric samples and log lines, aggregates
// them into fixed-cadence feature windows, and serves anomaly scores with
// additive per-feature explanations, remaining-useful-life forecasts with
// confidence bands, and density-based log clusters correlated against
// anomalies. A drift monitor compares live distributions to each model's
// training reference and schedules retraining when drift persists; a
// decision agent turns risky predictions into deduplicated alerts and
// external effects (tickets, notifications, maintenance scheduling) with
// at-least-once delivery.
//
// Basic usage:
//
//	engine, err := prognos.NewEngine(prognos.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//	engine.Start(context.Background())
//
//	engine.IngestMetrics("acme", samples)
//	engine.Train("acme", prognos.TaskAnomaly)
//	pred, err := engine.Predict(ctx, "acme", "pump-7")
//
// Every component is also usable standalone: SampleBuffer, FeatureWindower,
// AnomalyScorer, Explainer, RULForecaster, LogClusterer, DriftMonitor,
// ModelRegistry, and DecisionAgent all follow the Config / New pattern.
//
// HTTP and websocket endpoints are registered with RegisterHTTPHandlers.
// Prometheus remote-write ingestion is supported on /api/v1/ingest/promwrite.
package prognos
