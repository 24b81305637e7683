package prognos

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// StoreConfig configures the SQLite persistence layer.
type StoreConfig struct {
	// Path to the SQLite database file
	Path string

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int

	// MaxConnections is the max number of database connections
	MaxConnections int
}

// DefaultStoreConfig returns default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Path:           "prognos.db",
		JournalMode:    "WAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// Store persists predictions, alerts, drift reports, and model records in
// SQLite so they survive restarts and are queryable with standard tools.
// The in-memory sample buffer remains the hot path; the store is the
// durable trail behind it.
type Store struct {
	db     *sql.DB
	config StoreConfig
	mu     sync.Mutex
	closed bool
}

// NewStore opens (creating if needed) the SQLite database at the configured
// path and initializes the schema.
func NewStore(config StoreConfig) (*Store, error) {
	if config.Path == "" {
		config.Path = "prognos.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	s := &Store{db: db, config: config}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS samples (
			tenant_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (tenant_id, asset_id, metric, timestamp)
		);

		CREATE TABLE IF NOT EXISTS predictions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			score REAL NOT NULL,
			risk TEXT NOT NULL,
			payload TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_predictions_tenant_asset
			ON predictions(tenant_id, asset_id, timestamp);

		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			status TEXT NOT NULL,
			severity TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_tenant ON alerts(tenant_id, updated_at);

		CREATE TABLE IF NOT EXISTS drift_reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			task TEXT NOT NULL,
			checked_at INTEGER NOT NULL,
			triggered INTEGER NOT NULL,
			payload TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_drift_tenant ON drift_reports(tenant_id, checked_at);

		CREATE TABLE IF NOT EXISTS model_records (
			tenant_id TEXT NOT NULL,
			task TEXT NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL,
			payload TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, task)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSamples appends a batch of metric samples in one transaction. The
// primary key makes replays idempotent: a re-sent (asset, metric, timestamp)
// overwrites rather than duplicates, matching the buffer's last-write-wins.
func (s *Store) SaveSamples(ctx context.Context, tenant string, samples []MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO samples (tenant_id, asset_id, metric, timestamp, value)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, asset_id, metric, timestamp) DO UPDATE SET
			value = excluded.value`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range samples {
		sm := &samples[i]
		if _, err := stmt.ExecContext(ctx, tenant, sm.AssetID, sm.Metric, sm.Timestamp, sm.Value); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Samples reads back a tenant asset's persisted samples in time order.
func (s *Store) Samples(ctx context.Context, tenant, asset string, start, end int64) ([]MetricSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT asset_id, metric, timestamp, value FROM samples
		 WHERE tenant_id = ? AND asset_id = ? AND timestamp >= ? AND timestamp <= ?
		 ORDER BY timestamp, metric`,
		tenant, asset, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MetricSample
	for rows.Next() {
		var sm MetricSample
		if err := rows.Scan(&sm.AssetID, &sm.Metric, &sm.Timestamp, &sm.Value); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// SavePrediction appends one prediction to the durable trail.
func (s *Store) SavePrediction(ctx context.Context, p *Prediction) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal prediction: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO predictions (tenant_id, asset_id, timestamp, score, risk, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.TenantID, p.AssetID, p.Timestamp, p.Score, p.RiskName, string(payload))
	return err
}

// Predictions returns the most recent predictions for a tenant's asset,
// newest first.
func (s *Store) Predictions(ctx context.Context, tenant, asset string, limit int) ([]Prediction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM predictions
		 WHERE tenant_id = ? AND asset_id = ?
		 ORDER BY timestamp DESC LIMIT ?`,
		tenant, asset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Prediction
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var p Prediction
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("unmarshal prediction: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveAlert inserts or updates an alert row.
func (s *Store) SaveAlert(ctx context.Context, a *Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, tenant_id, asset_id, fingerprint, status, severity, payload, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		a.ID, a.TenantID, a.AssetID, a.Fingerprint, string(a.Status),
		a.SeverityStr, string(payload), a.UpdatedAt.UnixNano())
	return err
}

// Alerts returns a tenant's persisted alerts, newest first.
func (s *Store) Alerts(ctx context.Context, tenant string, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM alerts WHERE tenant_id = ?
		 ORDER BY updated_at DESC LIMIT ?`,
		tenant, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var a Alert
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return nil, fmt.Errorf("unmarshal alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveDriftReport appends one drift report.
func (s *Store) SaveDriftReport(ctx context.Context, r *DriftReport) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal drift report: %w", err)
	}
	triggered := 0
	if r.Triggered {
		triggered = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO drift_reports (tenant_id, task, checked_at, triggered, payload)
		 VALUES (?, ?, ?, ?, ?)`,
		r.Tenant, string(r.Task), r.CheckedAt.UnixNano(), triggered, string(payload))
	return err
}

// DriftReports returns a tenant's drift reports, newest first.
func (s *Store) DriftReports(ctx context.Context, tenant string, limit int) ([]DriftReport, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM drift_reports WHERE tenant_id = ?
		 ORDER BY checked_at DESC LIMIT ?`,
		tenant, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DriftReport
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var r DriftReport
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("unmarshal drift report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveModelRecord upserts the registry record for a (tenant, task).
func (s *Store) SaveModelRecord(ctx context.Context, rec ModelRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal model record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO model_records (tenant_id, task, state, version, payload, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, task) DO UPDATE SET
			state = excluded.state,
			version = excluded.version,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		rec.Tenant, string(rec.Task), string(rec.State), rec.Version,
		string(payload), time.Now().UnixNano())
	return err
}

// ModelRecords returns persisted model records for a tenant.
func (s *Store) ModelRecords(ctx context.Context, tenant string) ([]ModelRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM model_records WHERE tenant_id = ?`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModelRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec ModelRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal model record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
