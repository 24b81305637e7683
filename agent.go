package prognos

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EffectKind is the closed set of external actions the agent can take.
type EffectKind string

const (
	EffectCreateAlert         EffectKind = "create_alert"
	EffectCreateTicket        EffectKind = "create_ticket"
	EffectNotify              EffectKind = "notify"
	EffectScheduleMaintenance EffectKind = "schedule_maintenance"
	EffectEscalate            EffectKind = "escalate"
)

// Effect is one concrete action decided by the agent, bound to the alert
// that justified it.
type Effect struct {
	Kind        EffectKind `json:"kind"`
	TenantID    string     `json:"tenant_id"`
	AlertID     string     `json:"alert_id"`
	Fingerprint string     `json:"fingerprint"`
	Message     string     `json:"message"`
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert is the agent's record of one ongoing condition on an asset.
// Repeated observations of the same condition inside the dedup window fold
// into the existing alert instead of spawning new external effects.
type Alert struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	AssetID     string      `json:"asset_id"`
	Fingerprint string      `json:"fingerprint"`
	CauseClass  string      `json:"cause_class"`
	Severity    RiskLevel   `json:"-"`
	SeverityStr string      `json:"severity"`
	Status      AlertStatus `json:"status"`
	Message     string      `json:"message"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Count       int         `json:"count"`
	Escalated   bool        `json:"escalated"`

	// Recommendations are suggested operator actions derived from the
	// triggering condition.
	Recommendations []string `json:"recommendations,omitempty"`

	// Degraded marks an internal-only alert raised because external sinks
	// were unreachable.
	Degraded bool `json:"degraded,omitempty"`
}

// Event is one observation fed into the agent's decision loop.
type Event struct {
	TenantID   string
	AssetID    string
	Timestamp  int64
	CauseClass string
	Risk       RiskLevel
	Score      float64
	RUL        *RULEstimate
	Message    string

	// DedupWindow and EscalateAfter, when positive, override the agent
	// defaults for this event. The engine fills them from the tenant's
	// settings.
	DedupWindow   time.Duration
	EscalateAfter time.Duration
}

// Fingerprint identifies the condition an event describes: the same asset
// failing the same way hashes identically regardless of score jitter.
func (e *Event) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", e.TenantID, e.AssetID, e.CauseClass)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// DecisionAgentConfig configures the observe-reason-act loop.
type DecisionAgentConfig struct {
	// DedupWindow is how long a fingerprint suppresses duplicate external
	// effects. Default: 1h
	DedupWindow time.Duration

	// EscalateAfter escalates an alert still unacknowledged past this age
	// when its condition recurs. Default: 30m
	EscalateAfter time.Duration

	// MaxAlertsPerTenant bounds retained alerts per tenant; resolved alerts
	// are evicted first. Default: 1000
	MaxAlertsPerTenant int
}

// DefaultDecisionAgentConfig returns sensible defaults.
func DefaultDecisionAgentConfig() DecisionAgentConfig {
	return DecisionAgentConfig{
		DedupWindow:        time.Hour,
		EscalateAfter:      30 * time.Minute,
		MaxAlertsPerTenant: 1000,
	}
}

// dedupEntry remembers the alert serving a fingerprint and when the
// condition was last observed.
type dedupEntry struct {
	alertID string
	lastAt  time.Time
}

// DecisionAgentStats tracks agent activity.
type DecisionAgentStats struct {
	EventsObserved    uint64 `json:"events_observed"`
	AlertsCreated     uint64 `json:"alerts_created"`
	AlertsDeduped     uint64 `json:"alerts_deduped"`
	EffectsDispatched uint64 `json:"effects_dispatched"`
	EffectsFailed     uint64 `json:"effects_failed"`
	Escalations       uint64 `json:"escalations"`
	DegradedAlerts    uint64 `json:"degraded_alerts"`
}

// DecisionAgent turns predictions into operational actions. Each event is
// observed, reasoned over against the agent's alert memory, and acted on
// through external sinks. External delivery is at-least-once with bounded
// retries; when a sink stays down the agent degrades to an internal-only
// alert rather than blocking or dropping silently.
type DecisionAgent struct {
	config     DecisionAgentConfig
	dispatcher *Dispatcher

	mu     sync.Mutex
	alerts map[string]map[string]*Alert // tenant -> alert ID -> alert
	dedup  map[string]dedupEntry        // fingerprint -> entry
	causes map[assetKey]map[string]time.Time
	stats  DecisionAgentStats
}

// NewDecisionAgent creates an agent acting through the given dispatcher.
func NewDecisionAgent(config DecisionAgentConfig, dispatcher *Dispatcher) *DecisionAgent {
	if config.DedupWindow <= 0 {
		config.DedupWindow = time.Hour
	}
	if config.EscalateAfter <= 0 {
		config.EscalateAfter = 30 * time.Minute
	}
	if config.MaxAlertsPerTenant <= 0 {
		config.MaxAlertsPerTenant = 1000
	}
	return &DecisionAgent{
		config:     config,
		dispatcher: dispatcher,
		alerts:     make(map[string]map[string]*Alert),
		dedup:      make(map[string]dedupEntry),
		causes:     make(map[assetKey]map[string]time.Time),
	}
}

// Process runs one observe-reason-act cycle for an event. Events at normal
// risk produce no effects. Processing the same event twice inside the dedup
// window is idempotent on external effects: the alert's count grows but no
// duplicate actions are dispatched.
func (a *DecisionAgent) Process(ctx context.Context, event *Event) ([]Effect, error) {
	a.mu.Lock()
	a.stats.EventsObserved++

	if event.Risk == RiskNormal {
		a.mu.Unlock()
		return nil, nil
	}

	now := nanosToTime(event.Timestamp)
	fp := event.Fingerprint()

	// Dedup: a live fingerprint folds into its alert without new effects.
	if entry, ok := a.dedup[fp]; ok && now.Sub(entry.lastAt) <= a.dedupWindowFor(event) {
		if alert := a.lookupLocked(event.TenantID, entry.alertID); alert != nil && alert.Status != AlertResolved {
			alert.Count++
			alert.UpdatedAt = now
			a.dedup[fp] = dedupEntry{alertID: alert.ID, lastAt: now}
			a.stats.AlertsDeduped++

			effects := a.maybeEscalateLocked(alert, event, now)
			a.mu.Unlock()
			return a.act(ctx, effects)
		}
	}

	alert := &Alert{
		ID:          uuid.NewString(),
		TenantID:    event.TenantID,
		AssetID:     event.AssetID,
		Fingerprint: fp,
		CauseClass:  event.CauseClass,
		Severity:    event.Risk,
		SeverityStr: event.Risk.String(),
		Status:      AlertOpen,
		Message:     event.Message,
		CreatedAt:   now,
		UpdatedAt:   now,
		Count:       1,
	}
	alert.Recommendations = recommendFor(event)
	a.storeLocked(alert)
	a.dedup[fp] = dedupEntry{alertID: alert.ID, lastAt: now}
	a.stats.AlertsCreated++

	effects := a.reasonLocked(alert, event, now)
	a.mu.Unlock()

	return a.act(ctx, effects)
}

// reasonLocked maps a fresh alert onto external effects by severity and
// context.
func (a *DecisionAgent) reasonLocked(alert *Alert, event *Event, now time.Time) []Effect {
	var effects []Effect
	add := func(kind EffectKind, msg string) {
		effects = append(effects, Effect{
			Kind:        kind,
			TenantID:    alert.TenantID,
			AlertID:     alert.ID,
			Fingerprint: alert.Fingerprint,
			Message:     msg,
		})
	}

	add(EffectCreateAlert, alert.Message)

	switch event.Risk {
	case RiskCritical:
		add(EffectCreateTicket, alert.Message)
		add(EffectNotify, alert.Message)
		if event.RUL != nil && event.RUL.Hours < 72 {
			add(EffectScheduleMaintenance,
				fmt.Sprintf("%s: estimated %.0fh remaining", alert.Message, event.RUL.Hours))
		}
	case RiskWarning:
		add(EffectNotify, alert.Message)
	}

	// A second distinct cause class on the same asset escalates immediately.
	k := assetKey{Tenant: event.TenantID, Asset: event.AssetID}
	seen := a.causes[k]
	if seen == nil {
		seen = make(map[string]time.Time)
		a.causes[k] = seen
	}
	for cause, at := range seen {
		if cause != event.CauseClass && now.Sub(at) <= a.dedupWindowFor(event) {
			a.escalateLocked(alert)
			add(EffectEscalate,
				fmt.Sprintf("asset %s: concurrent conditions %s and %s", event.AssetID, cause, event.CauseClass))
			break
		}
	}
	seen[event.CauseClass] = now

	return effects
}

// recommendFor derives suggested operator actions from the triggering
// condition.
func recommendFor(event *Event) []string {
	var recs []string
	switch event.Risk {
	case RiskCritical:
		recs = append(recs,
			fmt.Sprintf("inspect asset %s before returning it to full load", event.AssetID))
	case RiskWarning:
		recs = append(recs,
			fmt.Sprintf("review recent telemetry for asset %s", event.AssetID))
	}
	if event.RUL != nil {
		switch {
		case event.RUL.Hours < 72:
			recs = append(recs,
				fmt.Sprintf("schedule maintenance within %.0fh (estimated remaining life)", event.RUL.Hours))
		case event.RUL.UnlabeledDerived:
			recs = append(recs,
				"remaining-life estimate is trend-derived; record failure events to tighten it")
		}
	}
	return recs
}

// maybeEscalateLocked escalates a deduped alert that has aged past the
// escalation threshold without acknowledgment.
func (a *DecisionAgent) maybeEscalateLocked(alert *Alert, event *Event, now time.Time) []Effect {
	if alert.Escalated || alert.Status != AlertOpen {
		return nil
	}
	if now.Sub(alert.CreatedAt) < a.escalateAfterFor(event) {
		return nil
	}
	a.escalateLocked(alert)
	return []Effect{{
		Kind:        EffectEscalate,
		TenantID:    alert.TenantID,
		AlertID:     alert.ID,
		Fingerprint: alert.Fingerprint,
		Message: fmt.Sprintf("alert %s unacknowledged for %s (observed %d times)",
			alert.ID, now.Sub(alert.CreatedAt).Truncate(time.Minute), alert.Count),
	}}
}

// escalateLocked flags an alert escalated and raises its severity one
// level: a warning becomes critical.
func (a *DecisionAgent) escalateLocked(alert *Alert) {
	alert.Escalated = true
	if alert.Severity == RiskWarning {
		alert.Severity = RiskCritical
		alert.SeverityStr = RiskCritical.String()
	}
	a.stats.Escalations++
}

func (a *DecisionAgent) dedupWindowFor(event *Event) time.Duration {
	if event.DedupWindow > 0 {
		return event.DedupWindow
	}
	return a.config.DedupWindow
}

func (a *DecisionAgent) escalateAfterFor(event *Event) time.Duration {
	if event.EscalateAfter > 0 {
		return event.EscalateAfter
	}
	return a.config.EscalateAfter
}

// act dispatches effects at-least-once. A sink failure after bounded retries
// degrades that effect into an internal-only alert; the remaining effects
// still go out.
func (a *DecisionAgent) act(ctx context.Context, effects []Effect) ([]Effect, error) {
	var firstErr error
	for _, e := range effects {
		err := a.dispatcher.Dispatch(ctx, e)
		a.mu.Lock()
		if err != nil {
			a.stats.EffectsFailed++
			a.degradeLocked(e, err)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			a.stats.EffectsDispatched++
		}
		a.mu.Unlock()
	}
	return effects, firstErr
}

// degradeLocked records an internal-only alert for an undeliverable effect.
func (a *DecisionAgent) degradeLocked(e Effect, cause error) {
	now := time.Now()
	alert := &Alert{
		ID:          uuid.NewString(),
		TenantID:    e.TenantID,
		Fingerprint: e.Fingerprint,
		CauseClass:  "delivery_degraded",
		Severity:    RiskWarning,
		SeverityStr: RiskWarning.String(),
		Status:      AlertOpen,
		Message:     fmt.Sprintf("effect %s undeliverable: %v", e.Kind, cause),
		CreatedAt:   now,
		UpdatedAt:   now,
		Count:       1,
		Degraded:    true,
	}
	a.storeLocked(alert)
	a.stats.DegradedAlerts++
}

func (a *DecisionAgent) storeLocked(alert *Alert) {
	byID := a.alerts[alert.TenantID]
	if byID == nil {
		byID = make(map[string]*Alert)
		a.alerts[alert.TenantID] = byID
	}
	byID[alert.ID] = alert

	if len(byID) > a.config.MaxAlertsPerTenant {
		a.evictLocked(byID)
	}
}

// evictLocked drops the oldest resolved alert, or the oldest alert outright
// when nothing is resolved.
func (a *DecisionAgent) evictLocked(byID map[string]*Alert) {
	var victim *Alert
	for _, al := range byID {
		if al.Status != AlertResolved {
			continue
		}
		if victim == nil || al.UpdatedAt.Before(victim.UpdatedAt) {
			victim = al
		}
	}
	if victim == nil {
		for _, al := range byID {
			if victim == nil || al.UpdatedAt.Before(victim.UpdatedAt) {
				victim = al
			}
		}
	}
	if victim != nil {
		delete(byID, victim.ID)
	}
}

func (a *DecisionAgent) lookupLocked(tenant, id string) *Alert {
	if byID, ok := a.alerts[tenant]; ok {
		return byID[id]
	}
	return nil
}

// Alerts returns a tenant's alerts, newest first. Snapshot copies, safe to
// serialize without further locking.
func (a *DecisionAgent) Alerts(tenant string) []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Alert
	for _, al := range a.alerts[tenant] {
		out = append(out, *al)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Alert returns one alert by ID.
func (a *DecisionAgent) Alert(tenant, id string) (Alert, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if al := a.lookupLocked(tenant, id); al != nil {
		return *al, true
	}
	return Alert{}, false
}

// Acknowledge moves an open alert to acknowledged.
func (a *DecisionAgent) Acknowledge(tenant, id string) error {
	return a.transition(tenant, id, AlertAcknowledged)
}

// Resolve closes an alert. Its fingerprint may immediately raise a new alert
// if the condition recurs.
func (a *DecisionAgent) Resolve(tenant, id string) error {
	return a.transition(tenant, id, AlertResolved)
}

func (a *DecisionAgent) transition(tenant, id string, status AlertStatus) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	al := a.lookupLocked(tenant, id)
	if al == nil {
		return fmt.Errorf("alert %s not found", id)
	}
	if al.Status == AlertResolved {
		return fmt.Errorf("alert %s already resolved", id)
	}
	al.Status = status
	al.UpdatedAt = time.Now()
	if status == AlertResolved {
		delete(a.dedup, al.Fingerprint)
	}
	return nil
}

// Stats returns a snapshot of agent counters.
func (a *DecisionAgent) Stats() DecisionAgentStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
