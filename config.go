package prognos

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// TenantSettings are the per-tenant knobs of the engine. Every tenant starts
// from the defaults; overrides come from configuration.
type TenantSettings struct {
	// WarningThreshold is the anomaly score at which risk becomes warning
	// and explanations are produced. Default: 0.5
	WarningThreshold float64

	// CriticalThreshold is the anomaly score at which risk becomes critical.
	// Default: 0.8
	CriticalThreshold float64

	// DedupWindow suppresses duplicate external effects per fingerprint.
	// Default: 1h
	DedupWindow time.Duration

	// EscalateAfter escalates unacknowledged recurring alerts past this age.
	// Default: 30m
	EscalateAfter time.Duration

	// DriftThreshold is the stability-index value counting as drift.
	// Default: 0.2
	DriftThreshold float64

	// DriftHysteresis is the consecutive drifted windows required to trigger
	// retraining. Default: 2
	DriftHysteresis int

	// Metrics pins the tenant's feature set; empty means derive from data.
	Metrics []string
}

// DefaultTenantSettings returns the per-tenant defaults.
func DefaultTenantSettings() TenantSettings {
	return TenantSettings{
		WarningThreshold:  0.5,
		CriticalThreshold: 0.8,
		DedupWindow:       time.Hour,
		EscalateAfter:     30 * time.Minute,
		DriftThreshold:    0.2,
		DriftHysteresis:   2,
	}
}

func (s *TenantSettings) normalize() {
	d := DefaultTenantSettings()
	if s.WarningThreshold <= 0 || s.WarningThreshold >= 1 {
		s.WarningThreshold = d.WarningThreshold
	}
	if s.CriticalThreshold <= s.WarningThreshold || s.CriticalThreshold > 1 {
		s.CriticalThreshold = d.CriticalThreshold
	}
	if s.DedupWindow <= 0 {
		s.DedupWindow = d.DedupWindow
	}
	if s.EscalateAfter <= 0 {
		s.EscalateAfter = d.EscalateAfter
	}
	if s.DriftThreshold <= 0 {
		s.DriftThreshold = d.DriftThreshold
	}
	if s.DriftHysteresis < 2 {
		s.DriftHysteresis = d.DriftHysteresis
	}
}

// SinkSettings configures one outbound webhook.
type SinkSettings struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// Config is the engine configuration. Zero values fall back to each
// subsystem's defaults.
type Config struct {
	Buffer     SampleBufferConfig
	Windower   WindowerConfig
	Anomaly    AnomalyScorerConfig
	Explainer  ExplainerConfig
	RUL        RULForecasterConfig
	LogCluster LogClustererConfig
	Drift      DriftMonitorConfig
	Trainer    TrainerConfig
	Agent      DecisionAgentConfig
	Dispatcher DispatcherConfig
	Store      StoreConfig
	Archive    ArchiveConfig
	Stream     StreamConfig

	// DriftSweepInterval is how often the background drift sweep runs over
	// every tenant. Default: 24h
	DriftSweepInterval time.Duration

	// Defaults applies to tenants without an explicit entry.
	Defaults TenantSettings

	// Tenants holds per-tenant overrides.
	Tenants map[string]TenantSettings

	// Sinks configures outbound webhooks per effect kind; kinds without an
	// entry stay internal.
	Sinks map[EffectKind]SinkSettings
}

// DefaultConfig returns a configuration with all subsystem defaults applied.
func DefaultConfig() Config {
	return Config{
		Buffer:     DefaultSampleBufferConfig(),
		Windower:   DefaultWindowerConfig(),
		Anomaly:    DefaultAnomalyScorerConfig(),
		Explainer:  DefaultExplainerConfig(),
		RUL:        DefaultRULForecasterConfig(),
		LogCluster: DefaultLogClustererConfig(),
		Drift:      DefaultDriftMonitorConfig(),
		Trainer:    DefaultTrainerConfig(),
		Agent:      DefaultDecisionAgentConfig(),
		Dispatcher: DefaultDispatcherConfig(),
		Store:      DefaultStoreConfig(),
		Archive:    DefaultArchiveConfig(),
		Stream:     DefaultStreamConfig(),

		DriftSweepInterval: 24 * time.Hour,

		Defaults: DefaultTenantSettings(),
	}
}

// tenantSettingsFile is the YAML shape of tenant settings; durations are
// strings like "30m".
type tenantSettingsFile struct {
	WarningThreshold  float64  `yaml:"warning_threshold"`
	CriticalThreshold float64  `yaml:"critical_threshold"`
	DedupWindow       string   `yaml:"dedup_window"`
	EscalateAfter     string   `yaml:"escalate_after"`
	DriftThreshold    float64  `yaml:"drift_threshold"`
	DriftHysteresis   int      `yaml:"drift_hysteresis"`
	Metrics           []string `yaml:"metrics"`
}

func (f *tenantSettingsFile) toSettings() (TenantSettings, error) {
	ts := TenantSettings{
		WarningThreshold:  f.WarningThreshold,
		CriticalThreshold: f.CriticalThreshold,
		DriftThreshold:    f.DriftThreshold,
		DriftHysteresis:   f.DriftHysteresis,
		Metrics:           f.Metrics,
	}
	var err error
	if f.DedupWindow != "" {
		if ts.DedupWindow, err = time.ParseDuration(f.DedupWindow); err != nil {
			return ts, fmt.Errorf("dedup_window: %w", err)
		}
	}
	if f.EscalateAfter != "" {
		if ts.EscalateAfter, err = time.ParseDuration(f.EscalateAfter); err != nil {
			return ts, fmt.Errorf("escalate_after: %w", err)
		}
	}
	return ts, nil
}

// configFile is the on-disk YAML shape.
type configFile struct {
	Defaults tenantSettingsFile            `yaml:"defaults"`
	Tenants  map[string]tenantSettingsFile `yaml:"tenants"`
	Sinks    map[string]SinkSettings       `yaml:"sinks"`
	Store    struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Archive struct {
		Bucket     string `yaml:"bucket"`
		Region     string `yaml:"region"`
		Endpoint   string `yaml:"endpoint"`
		Prefix     string `yaml:"prefix"`
		Passphrase string `yaml:"passphrase"`
	} `yaml:"archive"`
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	defaults, err := file.Defaults.toSettings()
	if err != nil {
		return cfg, fmt.Errorf("defaults: %w", err)
	}
	applyTenantDefaults(&defaults, DefaultTenantSettings())
	cfg.Defaults = defaults

	if len(file.Tenants) > 0 {
		cfg.Tenants = make(map[string]TenantSettings, len(file.Tenants))
		for name, tf := range file.Tenants {
			ts, err := tf.toSettings()
			if err != nil {
				return cfg, fmt.Errorf("tenant %s: %w", name, err)
			}
			applyTenantDefaults(&ts, cfg.Defaults)
			cfg.Tenants[name] = ts
		}
	}

	if len(file.Sinks) > 0 {
		cfg.Sinks = make(map[EffectKind]SinkSettings, len(file.Sinks))
		for kind, sink := range file.Sinks {
			if !validEffectKind(EffectKind(kind)) {
				return cfg, fmt.Errorf("unknown effect kind %q in sinks", kind)
			}
			cfg.Sinks[EffectKind(kind)] = sink
		}
	}

	if file.Store.Path != "" {
		cfg.Store.Path = file.Store.Path
	}
	if file.Archive.Bucket != "" {
		cfg.Archive.Bucket = file.Archive.Bucket
		cfg.Archive.Region = file.Archive.Region
		cfg.Archive.Endpoint = file.Archive.Endpoint
		cfg.Archive.Prefix = file.Archive.Prefix
		cfg.Archive.Passphrase = file.Archive.Passphrase
	}

	return cfg, nil
}

// applyTenantDefaults fills unset override fields from the engine defaults
// before normalizing.
func applyTenantDefaults(ts *TenantSettings, defaults TenantSettings) {
	if ts.WarningThreshold == 0 {
		ts.WarningThreshold = defaults.WarningThreshold
	}
	if ts.CriticalThreshold == 0 {
		ts.CriticalThreshold = defaults.CriticalThreshold
	}
	if ts.DedupWindow == 0 {
		ts.DedupWindow = defaults.DedupWindow
	}
	if ts.EscalateAfter == 0 {
		ts.EscalateAfter = defaults.EscalateAfter
	}
	if ts.DriftThreshold == 0 {
		ts.DriftThreshold = defaults.DriftThreshold
	}
	if ts.DriftHysteresis == 0 {
		ts.DriftHysteresis = defaults.DriftHysteresis
	}
	if len(ts.Metrics) == 0 {
		ts.Metrics = defaults.Metrics
	}
	ts.normalize()
}

func validEffectKind(k EffectKind) bool {
	switch k {
	case EffectCreateAlert, EffectCreateTicket, EffectNotify,
		EffectScheduleMaintenance, EffectEscalate:
		return true
	}
	return false
}

// TenantRegistry resolves per-tenant settings with defaults for unknown
// tenants, and tracks which tenants the engine has seen.
type TenantRegistry struct {
	mu       sync.RWMutex
	defaults TenantSettings
	settings map[string]TenantSettings
	seen     map[string]time.Time
}

// NewTenantRegistry creates a registry from configuration.
func NewTenantRegistry(defaults TenantSettings, overrides map[string]TenantSettings) *TenantRegistry {
	defaults.normalize()
	settings := make(map[string]TenantSettings, len(overrides))
	for name, ts := range overrides {
		applyTenantDefaults(&ts, defaults)
		settings[name] = ts
	}
	return &TenantRegistry{
		defaults: defaults,
		settings: settings,
		seen:     make(map[string]time.Time),
	}
}

// Settings returns the effective settings for a tenant and records the
// tenant as seen.
func (r *TenantRegistry) Settings(tenant string) TenantSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[tenant] = time.Now()
	if ts, ok := r.settings[tenant]; ok {
		return ts
	}
	return r.defaults
}

// Set installs or replaces a tenant's settings.
func (r *TenantRegistry) Set(tenant string, ts TenantSettings) {
	applyTenantDefaults(&ts, r.defaults)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[tenant] = ts
}

// Known reports whether the engine has seen the tenant.
func (r *TenantRegistry) Known(tenant string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.settings[tenant]; ok {
		return true
	}
	_, ok := r.seen[tenant]
	return ok
}

// Tenants lists every configured or seen tenant.
func (r *TenantRegistry) Tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := make(map[string]struct{}, len(r.settings)+len(r.seen))
	for t := range r.settings {
		set[t] = struct{}{}
	}
	for t := range r.seen {
		set[t] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}
