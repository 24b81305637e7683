package prognos

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
)

// RegisterHTTPHandlers registers the engine's REST and streaming endpoints
// on the given mux.
func (e *Engine) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/ingest/metrics", e.handleIngestMetrics)
	mux.HandleFunc("/api/v1/ingest/logs", e.handleIngestLogs)
	mux.HandleFunc("/api/v1/ingest/promwrite", e.handlePromWrite)
	mux.HandleFunc("/api/v1/predict", e.handlePredict)
	mux.HandleFunc("/api/v1/predictions", e.handlePredictions)
	mux.HandleFunc("/api/v1/alerts", e.handleAlerts)
	mux.HandleFunc("/api/v1/alerts/ack", e.handleAlertAck)
	mux.HandleFunc("/api/v1/alerts/resolve", e.handleAlertResolve)
	mux.HandleFunc("/api/v1/train", e.handleTrain)
	mux.HandleFunc("/api/v1/models", e.handleModels)
	mux.HandleFunc("/api/v1/drift", e.handleDrift)
	mux.HandleFunc("/api/v1/logs/cluster", e.handleClusterLogs)
	mux.HandleFunc("/api/v1/failures", e.handleFailure)
	mux.HandleFunc("/api/v1/stats", e.handleStats)
	mux.HandleFunc("/ws", e.handleWS)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// tenantParam pulls the tenant from the query string or X-Tenant-ID header.
func tenantParam(r *http.Request) string {
	if t := r.URL.Query().Get("tenant"); t != "" {
		return t
	}
	return r.Header.Get("X-Tenant-ID")
}

type ingestMetricsRequest struct {
	TenantID string         `json:"tenant_id"`
	Records  []MetricSample `json:"records"`
}

type ingestResponse struct {
	Accepted int              `json:"accepted"`
	Rejected []RejectedRecord `json:"rejected,omitempty"`
}

func (e *Engine) handleIngestMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ingestMetricsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.TenantID == "" {
		req.TenantID = tenantParam(r)
	}
	if req.TenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}

	accepted, rejected := e.IngestMetrics(req.TenantID, req.Records)
	status := http.StatusOK
	if accepted == 0 && len(rejected) > 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, ingestResponse{Accepted: accepted, Rejected: rejected})
}

type ingestLogsRequest struct {
	TenantID string      `json:"tenant_id"`
	Records  []LogRecord `json:"records"`
}

func (e *Engine) handleIngestLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ingestLogsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.TenantID == "" {
		req.TenantID = tenantParam(r)
	}
	if req.TenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}

	accepted, rejected := e.IngestLogs(req.TenantID, req.Records)
	status := http.StatusOK
	if accepted == 0 && len(rejected) > 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, ingestResponse{Accepted: accepted, Rejected: rejected})
}

func (e *Engine) handlePromWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant := tenantParam(r)
	if tenant == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	samples, skipped, err := DecodePromWrite(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	accepted, rejected := e.IngestMetrics(tenant, samples)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accepted":       accepted,
		"rejected":       len(rejected),
		"series_skipped": skipped,
	})
}

func (e *Engine) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant := tenantParam(r)
	asset := r.URL.Query().Get("asset")
	if tenant == "" || asset == "" {
		http.Error(w, "tenant and asset are required", http.StatusBadRequest)
		return
	}

	pred, err := e.Predict(r.Context(), tenant, asset)
	if err != nil {
		switch {
		case errors.Is(err, ErrModelNotTrained):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, ErrInsufficientData):
			writeError(w, http.StatusUnprocessableEntity, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

func (e *Engine) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant := tenantParam(r)
	asset := r.URL.Query().Get("asset")
	if tenant == "" || asset == "" {
		http.Error(w, "tenant and asset are required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	preds, err := e.store.Predictions(r.Context(), tenant, asset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"predictions": preds})
}

func (e *Engine) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant := tenantParam(r)
	if tenant == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": e.Alerts(tenant)})
}

type alertActionRequest struct {
	TenantID string `json:"tenant_id"`
	AlertID  string `json:"alert_id"`
}

func (e *Engine) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	e.handleAlertTransition(w, r, e.Acknowledge)
}

func (e *Engine) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	e.handleAlertTransition(w, r, e.Resolve)
}

func (e *Engine) handleAlertTransition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, tenant, id string) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req alertActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.TenantID == "" || req.AlertID == "" {
		http.Error(w, "tenant_id and alert_id are required", http.StatusBadRequest)
		return
	}
	if err := fn(r.Context(), req.TenantID, req.AlertID); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	alert, _ := e.agent.Alert(req.TenantID, req.AlertID)
	writeJSON(w, http.StatusOK, alert)
}

type trainRequest struct {
	TenantID string `json:"tenant_id"`
	Task     string `json:"task"`
}

func (e *Engine) handleTrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req trainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.TenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	task := ModelTask(req.Task)
	if task == "" {
		task = TaskAnomaly
	}

	if err := e.Train(req.TenantID, task); err != nil {
		switch {
		case errors.Is(err, ErrTrainingBusy):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			writeError(w, http.StatusBadRequest, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, e.registry.Record(req.TenantID, task))
}

func (e *Engine) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant := tenantParam(r)
	if tenant == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": e.ModelRecords(tenant)})
}

func (e *Engine) handleDrift(w http.ResponseWriter, r *http.Request) {
	tenant := tenantParam(r)
	if tenant == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		reports, err := e.store.DriftReports(r.Context(), tenant, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"reports": reports})
	case http.MethodPost:
		// On-demand sweep across all tenants.
		reports := e.DriftSweep(r.Context())
		writeJSON(w, http.StatusOK, map[string]interface{}{"reports": reports})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (e *Engine) handleClusterLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant := tenantParam(r)
	if tenant == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}
	summaries, err := e.ClusterLogs(r.Context(), tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clusters": summaries})
}

type failureRequest struct {
	TenantID  string `json:"tenant_id"`
	AssetID   string `json:"asset_id"`
	Timestamp int64  `json:"timestamp"`
}

func (e *Engine) handleFailure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req failureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.TenantID == "" || req.AssetID == "" || req.Timestamp <= 0 {
		http.Error(w, "tenant_id, asset_id, and timestamp are required", http.StatusBadRequest)
		return
	}
	e.RecordFailure(req.TenantID, req.AssetID, req.Timestamp)
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"engine": e.Stats(),
		"agent":  e.agent.Stats(),
		"sinks":  e.dispatcher.SinkStates(),
	})
}

func (e *Engine) handleWS(w http.ResponseWriter, r *http.Request) {
	tenant := tenantParam(r)
	if tenant == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}
	e.hub.ServeWS(w, r, tenant)
}
