package prognos

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// RejectedRecord reports one record dropped during ingestion, identified by
// its index in the submitted batch.
type RejectedRecord struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// EngineStats tracks pipeline activity.
type EngineStats struct {
	MetricsIngested   uint64 `json:"metrics_ingested"`
	MetricsRejected   uint64 `json:"metrics_rejected"`
	LogsIngested      uint64 `json:"logs_ingested"`
	LogsRejected      uint64 `json:"logs_rejected"`
	Predictions       uint64 `json:"predictions"`
	TrainingsStarted  uint64 `json:"trainings_started"`
	DriftChecks       uint64 `json:"drift_checks"`
	DriftSkipped      uint64 `json:"drift_skipped"`
	RetrainsTriggered uint64 `json:"retrains_triggered"`
	StoreErrors       uint64 `json:"store_errors"`
	ArchiveErrors     uint64 `json:"archive_errors"`
}

// Engine is the predictive maintenance pipeline: ingestion, windowing,
// scoring, explanation, forecasting, log clustering, drift monitoring, and
// the decision agent, all scoped per tenant.
type Engine struct {
	config Config

	buffer     *SampleBuffer
	scorer     *AnomalyScorer
	explainer  *Explainer
	forecaster *RULForecaster
	clusterer  *LogClusterer
	drift      *DriftMonitor
	registry   *ModelRegistry
	trainer    *Trainer
	dispatcher *Dispatcher
	agent      *DecisionAgent
	tenants    *TenantRegistry
	hub        *StreamHub
	store      *Store
	archive    *ModelArchive

	mu       sync.Mutex
	failures map[assetKey]int64 // last recorded failure per asset, UnixNano
	stats    EngineStats
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewEngine builds an engine from configuration. The SQLite store opens at
// the configured path; the S3 archive is attached only when a bucket is
// configured.
func NewEngine(config Config) (*Engine, error) {
	dispatcher := NewDispatcher(config.Dispatcher)
	for kind, sink := range config.Sinks {
		dispatcher.Register(kind, NewWebhookSink(string(kind), sink.URL, sink.Headers))
	}

	store, err := NewStore(config.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var archive *ModelArchive
	if config.Archive.Bucket != "" {
		archive, err = NewModelArchive(config.Archive)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open archive: %w", err)
		}
	}

	registry := NewModelRegistry()

	e := &Engine{
		config:     config,
		buffer:     NewSampleBuffer(config.Buffer),
		scorer:     NewAnomalyScorer(config.Anomaly),
		explainer:  NewExplainer(config.Explainer),
		forecaster: NewRULForecaster(config.RUL),
		clusterer:  NewLogClusterer(config.LogCluster),
		drift:      NewDriftMonitor(config.Drift),
		registry:   registry,
		trainer:    NewTrainer(registry, config.Trainer),
		dispatcher: dispatcher,
		agent:      NewDecisionAgent(config.Agent, dispatcher),
		tenants:    NewTenantRegistry(config.Defaults, config.Tenants),
		hub:        NewStreamHub(config.Stream),
		store:      store,
		archive:    archive,
		failures:   make(map[assetKey]int64),
	}

	e.trainer.OnDone = e.onTrainingDone
	return e, nil
}

// Start launches the training pool and the periodic drift sweep.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.trainer.Start(ctx)

	interval := e.config.DriftSweepInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.DriftSweep(ctx)
			}
		}
	}()
}

// Close stops background work and releases resources.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.trainer.Close()
	e.wg.Wait()
	e.hub.Close()
	return e.store.Close()
}

// IngestMetrics validates and buffers a batch of metric samples. Malformed
// records are rejected individually; the rest of the batch is accepted.
func (e *Engine) IngestMetrics(tenant string, samples []MetricSample) (int, []RejectedRecord) {
	accepted := make([]MetricSample, 0, len(samples))
	var rejected []RejectedRecord
	for i, s := range samples {
		if err := ValidateMetricRecord(s); err != nil {
			rejected = append(rejected, RejectedRecord{Index: i, Reason: err.Error()})
			continue
		}
		accepted = append(accepted, s)
	}

	e.buffer.AddMetrics(tenant, accepted)
	e.tenants.Settings(tenant)

	if e.store != nil {
		if err := e.store.SaveSamples(context.Background(), tenant, accepted); err != nil {
			e.countStoreError()
		}
	}

	e.mu.Lock()
	e.stats.MetricsIngested += uint64(len(accepted))
	e.stats.MetricsRejected += uint64(len(rejected))
	e.mu.Unlock()

	return len(accepted), rejected
}

// IngestLogs validates and buffers a batch of log records.
func (e *Engine) IngestLogs(tenant string, records []LogRecord) (int, []RejectedRecord) {
	accepted := make([]LogRecord, 0, len(records))
	var rejected []RejectedRecord
	for i, r := range records {
		if err := ValidateLogRecord(r); err != nil {
			rejected = append(rejected, RejectedRecord{Index: i, Reason: err.Error()})
			continue
		}
		accepted = append(accepted, r)
	}

	e.buffer.AddLogs(tenant, accepted)
	e.tenants.Settings(tenant)

	e.mu.Lock()
	e.stats.LogsIngested += uint64(len(accepted))
	e.stats.LogsRejected += uint64(len(rejected))
	e.mu.Unlock()

	return len(accepted), rejected
}

// RecordFailure registers a failure timestamp for an asset. Failure history
// supervises the RUL forecaster on the next retraining.
func (e *Engine) RecordFailure(tenant, asset string, at int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := assetKey{Tenant: tenant, Asset: asset}
	if at > e.failures[k] {
		e.failures[k] = at
	}
}

// windowerFor builds a windower honoring the tenant's pinned metric set.
func (e *Engine) windowerFor(settings TenantSettings) *FeatureWindower {
	wc := e.config.Windower
	if len(settings.Metrics) > 0 {
		wc.Metrics = settings.Metrics
	}
	return NewFeatureWindower(wc)
}

// Predict runs the full inference path for one asset: window the buffered
// samples, score the latest window, attach an explanation when the score
// clears the warning threshold, and attach a RUL estimate when a forecaster
// is active. Risky predictions feed the decision agent.
func (e *Engine) Predict(ctx context.Context, tenant, asset string) (*Prediction, error) {
	settings := e.tenants.Settings(tenant)

	samples := e.buffer.Read(tenant, asset, 0, math.MaxInt64)
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no samples buffered for %s/%s", ErrInsufficientData, tenant, asset)
	}

	windows := e.windowerFor(settings).Windows(asset, samples)
	if len(windows) == 0 {
		return nil, fmt.Errorf("%w: no usable windows for %s/%s", ErrInsufficientData, tenant, asset)
	}
	latest := &windows[len(windows)-1]

	artifact := e.registry.Active(tenant, TaskAnomaly)
	if artifact == nil || artifact.Anomaly == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrModelNotTrained, tenant, TaskAnomaly)
	}

	score, err := artifact.Anomaly.Score(latest)
	if err != nil {
		return nil, err
	}
	risk := RiskFor(score, settings.WarningThreshold, settings.CriticalThreshold)

	pred := &Prediction{
		TenantID:  tenant,
		AssetID:   asset,
		Timestamp: latest.Timestamp,
		Score:     score,
		Risk:      risk,
		RiskName:  risk.String(),
	}

	// Explanations only past the warning threshold; normal windows stay
	// cheap.
	if score >= settings.WarningThreshold {
		if contribs, err := e.explainer.Explain(artifact.Anomaly, latest); err == nil {
			pred.Explanation = contribs
		}
	}

	if rulArtifact := e.registry.Active(tenant, TaskRUL); rulArtifact != nil && rulArtifact.RUL != nil {
		recent := windows
		if len(recent) > 32 {
			recent = recent[len(recent)-32:]
		}
		if est, err := rulArtifact.RUL.Predict(recent); err == nil {
			pred.RUL = est
		}
	}

	e.mu.Lock()
	e.stats.Predictions++
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.SavePrediction(ctx, pred); err != nil {
			e.countStoreError()
		}
	}
	e.hub.Broadcast(tenant, "prediction", pred)

	if risk != RiskNormal {
		e.raise(ctx, pred, settings)
	}

	return pred, nil
}

// raise feeds a risky prediction into the decision agent and persists the
// touched alerts.
func (e *Engine) raise(ctx context.Context, pred *Prediction, settings TenantSettings) {
	event := &Event{
		TenantID:   pred.TenantID,
		AssetID:    pred.AssetID,
		Timestamp:  pred.Timestamp,
		CauseClass: "anomaly_" + pred.RiskName,
		Risk:       pred.Risk,
		Score:      pred.Score,
		RUL:        pred.RUL,
		Message: fmt.Sprintf("asset %s anomaly score %.2f (%s)",
			pred.AssetID, pred.Score, pred.RiskName),
		DedupWindow:   settings.DedupWindow,
		EscalateAfter: settings.EscalateAfter,
	}

	effects, _ := e.agent.Process(ctx, event)

	seen := make(map[string]struct{})
	for _, eff := range effects {
		if _, ok := seen[eff.AlertID]; ok {
			continue
		}
		seen[eff.AlertID] = struct{}{}
		if alert, ok := e.agent.Alert(pred.TenantID, eff.AlertID); ok {
			if e.store != nil {
				if err := e.store.SaveAlert(ctx, &alert); err != nil {
					e.countStoreError()
				}
			}
			e.hub.Broadcast(pred.TenantID, "alert", alert)
		}
	}
}

// Train submits a training job for one tenant task. Duplicate submissions
// for a pair already queued or running are rejected.
func (e *Engine) Train(tenant string, task ModelTask) error {
	var fn TrainFunc
	switch task {
	case TaskAnomaly:
		fn = e.anomalyTrainFunc(tenant)
	case TaskRUL:
		fn = e.rulTrainFunc(tenant)
	default:
		return fmt.Errorf("task %s has no trainer", task)
	}

	if err := e.trainer.Submit(tenant, task, fn); err != nil {
		return err
	}
	e.mu.Lock()
	e.stats.TrainingsStarted++
	e.mu.Unlock()
	return nil
}

// tenantWindows collects feature windows across all of a tenant's assets.
func (e *Engine) tenantWindows(tenant string, sanitize bool) []FeatureVector {
	settings := e.tenants.Settings(tenant)
	windower := e.windowerFor(settings)

	var all []FeatureVector
	for _, asset := range e.buffer.Assets(tenant) {
		samples := e.buffer.Read(tenant, asset, 0, math.MaxInt64)
		windows := windower.Windows(asset, samples)
		if sanitize {
			windows = sanitizeWindows(windows)
		}
		all = append(all, windows...)
	}
	return all
}

func (e *Engine) anomalyTrainFunc(tenant string) TrainFunc {
	return func(ctx context.Context, sanitize bool) (*TrainedArtifact, error) {
		vectors := e.tenantWindows(tenant, sanitize)
		model, err := e.scorer.Fit(vectors)
		if err != nil {
			return nil, err
		}

		scores := make([]float64, 0, len(vectors))
		for i := range vectors {
			if s, err := model.Score(&vectors[i]); err == nil {
				scores = append(scores, s)
			}
		}
		ref, err := e.drift.BuildReference(vectors, scores)
		if err != nil {
			// Scoring still works without a drift reference; sweeps skip.
			ref = nil
		}

		return &TrainedArtifact{
			Anomaly:   model,
			Reference: ref,
			TrainedOn: model.TrainedOn,
		}, nil
	}
}

func (e *Engine) rulTrainFunc(tenant string) TrainFunc {
	return func(ctx context.Context, sanitize bool) (*TrainedArtifact, error) {
		settings := e.tenants.Settings(tenant)
		windower := e.windowerFor(settings)

		e.mu.Lock()
		failures := make(map[assetKey]int64, len(e.failures))
		for k, v := range e.failures {
			failures[k] = v
		}
		e.mu.Unlock()

		var series []RULSeries
		total := 0
		for _, asset := range e.buffer.Assets(tenant) {
			samples := e.buffer.Read(tenant, asset, 0, math.MaxInt64)
			windows := windower.Windows(asset, samples)
			if sanitize {
				windows = sanitizeWindows(windows)
			}
			if len(windows) == 0 {
				continue
			}
			total += len(windows)
			series = append(series, RULSeries{
				Vectors:   windows,
				FailureAt: failures[assetKey{Tenant: tenant, Asset: asset}],
			})
		}

		model, err := e.forecaster.Fit(series)
		if err != nil {
			return nil, err
		}
		return &TrainedArtifact{RUL: model, TrainedOn: total}, nil
	}
}

// onTrainingDone persists the registry record and archives promoted
// versions with their trained parameters.
func (e *Engine) onTrainingDone(rec ModelRecord) {
	ctx := context.Background()
	if e.store != nil {
		if err := e.store.SaveModelRecord(ctx, rec); err != nil {
			e.countStoreError()
		}
	}
	if e.archive != nil && rec.State == ModelActive {
		if err := e.archive.Put(ctx, rec, e.registry.Active(rec.Tenant, rec.Task)); err != nil {
			e.mu.Lock()
			e.stats.ArchiveErrors++
			e.mu.Unlock()
		}
	}
}

// ClusterLogs clusters a tenant's buffered logs, stamps cluster IDs back
// onto the buffer, and correlates clusters against the tenant's recent
// anomalous predictions.
func (e *Engine) ClusterLogs(ctx context.Context, tenant string) ([]ClusterSummary, error) {
	var records []LogRecord
	for _, asset := range e.buffer.Assets(tenant) {
		records = append(records, e.buffer.ReadLogs(tenant, asset, 0, math.MaxInt64)...)
	}
	if len(records) == 0 {
		return nil, nil
	}

	assigned, summaries := e.clusterer.Cluster(tenant, records)
	e.buffer.AssignClusters(tenant, assigned)

	anomalyTimes := e.recentAnomalyTimes(ctx, tenant)
	summaries = e.clusterer.Correlate(assigned, anomalyTimes, summaries)
	return summaries, nil
}

// recentAnomalyTimes pulls timestamps of recent risky predictions from the
// durable trail.
func (e *Engine) recentAnomalyTimes(ctx context.Context, tenant string) []int64 {
	if e.store == nil {
		return nil
	}
	var times []int64
	for _, asset := range e.buffer.Assets(tenant) {
		preds, err := e.store.Predictions(ctx, tenant, asset, 200)
		if err != nil {
			continue
		}
		for i := range preds {
			if preds[i].RiskName != RiskNormal.String() {
				times = append(times, preds[i].Timestamp)
			}
		}
	}
	return times
}

// DriftSweep compares every tenant's recent windows against its active
// reference and schedules retraining when drift persists. Windows that
// cannot be compared are skipped, never treated as drift.
func (e *Engine) DriftSweep(ctx context.Context) []DriftReport {
	var reports []DriftReport
	for _, tenant := range e.tenants.Tenants() {
		report, err := e.checkTenantDrift(ctx, tenant)
		if err != nil {
			if errors.Is(err, ErrDriftComputation) {
				e.mu.Lock()
				e.stats.DriftSkipped++
				e.mu.Unlock()
			}
			continue
		}
		if report != nil {
			reports = append(reports, *report)
		}
	}
	return reports
}

func (e *Engine) checkTenantDrift(ctx context.Context, tenant string) (*DriftReport, error) {
	artifact := e.registry.Active(tenant, TaskAnomaly)
	if artifact == nil || artifact.Anomaly == nil || artifact.Reference == nil {
		return nil, nil
	}
	settings := e.tenants.Settings(tenant)

	recent := e.tenantWindows(tenant, false)
	scores := make([]float64, 0, len(recent))
	for i := range recent {
		if s, err := artifact.Anomaly.Score(&recent[i]); err == nil {
			scores = append(scores, s)
		}
	}

	report, err := e.drift.Compare(tenant, TaskAnomaly, artifact.Reference, recent, scores, settings.DriftThreshold)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.stats.DriftChecks++
	e.mu.Unlock()

	if e.drift.Observe(report, settings.DriftHysteresis) {
		e.registry.MarkStale(tenant, TaskAnomaly)
		e.mu.Lock()
		e.stats.RetrainsTriggered++
		e.mu.Unlock()
		// Best effort: the pair may already be training.
		e.Train(tenant, TaskAnomaly)
	}

	if e.store != nil {
		if err := e.store.SaveDriftReport(ctx, report); err != nil {
			e.countStoreError()
		}
	}
	return report, nil
}

// Acknowledge marks an alert acknowledged and persists the transition.
func (e *Engine) Acknowledge(ctx context.Context, tenant, id string) error {
	if err := e.agent.Acknowledge(tenant, id); err != nil {
		return err
	}
	e.persistAlert(ctx, tenant, id)
	return nil
}

// Resolve closes an alert and persists the transition.
func (e *Engine) Resolve(ctx context.Context, tenant, id string) error {
	if err := e.agent.Resolve(tenant, id); err != nil {
		return err
	}
	e.persistAlert(ctx, tenant, id)
	return nil
}

func (e *Engine) persistAlert(ctx context.Context, tenant, id string) {
	if e.store == nil {
		return
	}
	if alert, ok := e.agent.Alert(tenant, id); ok {
		if err := e.store.SaveAlert(ctx, &alert); err != nil {
			e.countStoreError()
		}
	}
}

// Alerts returns a tenant's in-memory alerts, newest first.
func (e *Engine) Alerts(tenant string) []Alert {
	return e.agent.Alerts(tenant)
}

// ModelRecords returns the registry records for a tenant.
func (e *Engine) ModelRecords(tenant string) []ModelRecord {
	return e.registry.Records(tenant)
}

// Stats returns a snapshot of pipeline counters.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) countStoreError() {
	e.mu.Lock()
	e.stats.StoreErrors++
	e.mu.Unlock()
}

// sanitizeWindows backs the retry path after a numeric training failure:
// vectors carrying NaN or Inf are dropped, and surviving values are clipped
// to each feature's 1st..99th percentile so a stray spike cannot poison the
// second fit.
func sanitizeWindows(windows []FeatureVector) []FeatureVector {
	kept := windows[:0:0]
	for _, w := range windows {
		ok := true
		for j, v := range w.Values {
			if w.Present != nil && !w.Present[j] {
				continue
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		return kept
	}

	byName := make(map[string][]float64)
	for i := range kept {
		w := &kept[i]
		for j, name := range w.Names {
			if w.Present == nil || w.Present[j] {
				byName[name] = append(byName[name], w.Values[j])
			}
		}
	}
	low := make(map[string]float64, len(byName))
	high := make(map[string]float64, len(byName))
	for name, vals := range byName {
		sort.Float64s(vals)
		low[name] = vals[int(0.01*float64(len(vals)-1))]
		high[name] = vals[int(0.99*float64(len(vals)-1))]
	}

	out := make([]FeatureVector, len(kept))
	for i := range kept {
		w := kept[i]
		values := append([]float64(nil), w.Values...)
		for j, name := range w.Names {
			if w.Present != nil && !w.Present[j] {
				continue
			}
			if values[j] < low[name] {
				values[j] = low[name]
			}
			if values[j] > high[name] {
				values[j] = high[name]
			}
		}
		w.Values = values
		out[i] = w
	}
	return out
}
