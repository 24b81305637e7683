package prognos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ModelState is the lifecycle state of one tenant's model for one task.
type ModelState string

const (
	ModelUntrained ModelState = "untrained"
	ModelTraining  ModelState = "training"
	ModelActive    ModelState = "active"
	ModelStale     ModelState = "stale"
	ModelFailed    ModelState = "failed"
)

// TrainedArtifact bundles the outputs of one training run. Exactly one model
// field is set, matching the task.
type TrainedArtifact struct {
	Anomaly   *AnomalyModel
	RUL       *RULModel
	Reference *DriftReference
	TrainedOn int
}

// ModelRecord is the registry's bookkeeping for one (tenant, task) model.
type ModelRecord struct {
	Tenant    string     `json:"tenant"`
	Task      ModelTask  `json:"task"`
	State     ModelState `json:"state"`
	Version   int        `json:"version"`
	TrainedAt time.Time  `json:"trained_at,omitempty"`
	TrainedOn int        `json:"trained_on,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastError string     `json:"last_error,omitempty"`
}

// modelEntry pairs a record with the serving artifact. The artifact pointer
// is replaced wholesale on promotion; artifacts themselves are immutable, so
// a scorer holding the old pointer keeps serving consistently.
type modelEntry struct {
	record   ModelRecord
	artifact *TrainedArtifact
}

// ModelRegistry tracks model lifecycle per (tenant, task) and serves the
// active artifact. Promotion swaps the artifact atomically: concurrent
// readers see either the old model or the new one, never a mix.
type ModelRegistry struct {
	mu      sync.RWMutex
	entries map[taskKey]*modelEntry
}

// NewModelRegistry creates an empty registry.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{entries: make(map[taskKey]*modelEntry)}
}

// Record returns the current record for (tenant, task). Unknown pairs report
// the untrained state.
func (r *ModelRegistry) Record(tenant string, task ModelTask) ModelRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[taskKey{Tenant: tenant, Task: task}]; ok {
		return e.record
	}
	return ModelRecord{Tenant: tenant, Task: task, State: ModelUntrained}
}

// Records returns all records for a tenant.
func (r *ModelRegistry) Records(tenant string) []ModelRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ModelRecord
	for k, e := range r.entries {
		if k.Tenant == tenant {
			out = append(out, e.record)
		}
	}
	return out
}

// Active returns the serving artifact for (tenant, task), or nil when no
// model has ever been promoted. A stale or failed model keeps serving until
// a newer one is promoted over it.
func (r *ModelRegistry) Active(tenant string, task ModelTask) *TrainedArtifact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[taskKey{Tenant: tenant, Task: task}]; ok {
		return e.artifact
	}
	return nil
}

// Promote installs a newly trained artifact as the active model, bumping the
// version. The swap is atomic with respect to Active.
func (r *ModelRegistry) Promote(tenant string, task ModelTask, artifact *TrainedArtifact) ModelRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.ensureLocked(tenant, task)
	e.artifact = artifact
	e.record.State = ModelActive
	e.record.Version++
	e.record.TrainedAt = time.Now()
	e.record.TrainedOn = artifact.TrainedOn
	e.record.UpdatedAt = time.Now()
	e.record.LastError = ""
	return e.record
}

// MarkTraining transitions a model into the training state. The prior active
// artifact, if any, keeps serving throughout.
func (r *ModelRegistry) MarkTraining(tenant string, task ModelTask) {
	r.setState(tenant, task, ModelTraining, "")
}

// MarkStale flags the active model as needing retraining. It keeps serving.
func (r *ModelRegistry) MarkStale(tenant string, task ModelTask) {
	r.setState(tenant, task, ModelStale, "")
}

// MarkFailed records a training failure. The prior artifact, if any, is
// retained and keeps serving.
func (r *ModelRegistry) MarkFailed(tenant string, task ModelTask, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	r.setState(tenant, task, ModelFailed, msg)
}

// MarkSkipped records a training run that could not proceed for lack of
// data. A pair with no promoted model returns to untrained; a pair with a
// serving model goes stale so the next data arrival retries. Neither case
// counts as a failure.
func (r *ModelRegistry) MarkSkipped(tenant string, task ModelTask, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.ensureLocked(tenant, task)
	if e.artifact == nil {
		e.record.State = ModelUntrained
	} else {
		e.record.State = ModelStale
	}
	e.record.UpdatedAt = time.Now()
	if cause != nil {
		e.record.LastError = cause.Error()
	}
}

func (r *ModelRegistry) setState(tenant string, task ModelTask, state ModelState, lastErr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.ensureLocked(tenant, task)
	e.record.State = state
	e.record.UpdatedAt = time.Now()
	if lastErr != "" {
		e.record.LastError = lastErr
	}
}

func (r *ModelRegistry) ensureLocked(tenant string, task ModelTask) *modelEntry {
	k := taskKey{Tenant: tenant, Task: task}
	e, ok := r.entries[k]
	if !ok {
		e = &modelEntry{record: ModelRecord{Tenant: tenant, Task: task, State: ModelUntrained}}
		r.entries[k] = e
	}
	return e
}

// TrainerConfig configures the background training pool.
type TrainerConfig struct {
	// Workers bounds concurrent training jobs across all tenants. Default: 2
	Workers int

	// QueueSize bounds pending jobs; submissions beyond it are rejected.
	// Default: 32
	QueueSize int

	// JobTimeout bounds a single training attempt. Default: 5m
	JobTimeout time.Duration
}

// DefaultTrainerConfig returns sensible defaults.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Workers:    2,
		QueueSize:  32,
		JobTimeout: 5 * time.Minute,
	}
}

// TrainFunc runs one training attempt. When sanitize is true the
// implementation should drop malformed or non-finite inputs before fitting;
// the trainer sets it on the retry after a data-quality failure.
type TrainFunc func(ctx context.Context, sanitize bool) (*TrainedArtifact, error)

// ErrTrainingBusy is returned when a job for the same (tenant, task) is
// already queued or running.
var ErrTrainingBusy = errors.New("training already in progress for tenant task")

// ErrQueueFull is returned when the training queue has no room.
var ErrQueueFull = errors.New("training queue full")

type trainJob struct {
	tenant string
	task   ModelTask
	fn     TrainFunc
}

// Trainer executes training jobs on a bounded worker pool. At most one job
// per (tenant, task) is queued or running at a time; duplicate submissions
// are rejected, not queued twice. A failed attempt is retried once with
// input sanitization; a second failure marks the model failed while any
// prior active model keeps serving. Insufficient data is not a failure:
// the job is skipped and the pair waits for more data.
type Trainer struct {
	config   TrainerConfig
	registry *ModelRegistry

	mu       sync.Mutex
	inflight map[taskKey]bool
	closed   bool

	jobs chan trainJob
	wg   sync.WaitGroup

	// OnDone, when set, is invoked after every job with the final record.
	OnDone func(rec ModelRecord)
}

// NewTrainer creates a trainer bound to a registry. Call Start before
// submitting jobs and Close to drain and stop.
func NewTrainer(registry *ModelRegistry, config TrainerConfig) *Trainer {
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 32
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 5 * time.Minute
	}
	return &Trainer{
		config:   config,
		registry: registry,
		inflight: make(map[taskKey]bool),
		jobs:     make(chan trainJob, config.QueueSize),
	}
}

// Start launches the worker pool.
func (t *Trainer) Start(ctx context.Context) {
	for i := 0; i < t.config.Workers; i++ {
		t.wg.Add(1)
		go t.worker(ctx)
	}
}

// Close stops accepting jobs, drains the queue, and waits for workers.
func (t *Trainer) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	close(t.jobs)
	t.wg.Wait()
}

// Submit queues a training job for (tenant, task). Rejects duplicates for a
// pair already queued or running, and reports ErrQueueFull under backlog.
func (t *Trainer) Submit(tenant string, task ModelTask, fn TrainFunc) error {
	k := taskKey{Tenant: tenant, Task: task}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.inflight[k] {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrTrainingBusy, tenant, task)
	}
	t.inflight[k] = true
	t.mu.Unlock()

	select {
	case t.jobs <- trainJob{tenant: tenant, task: task, fn: fn}:
		return nil
	default:
		t.mu.Lock()
		delete(t.inflight, k)
		t.mu.Unlock()
		return ErrQueueFull
	}
}

// Pending reports whether a job for (tenant, task) is queued or running.
func (t *Trainer) Pending(tenant string, task ModelTask) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inflight[taskKey{Tenant: tenant, Task: task}]
}

func (t *Trainer) worker(ctx context.Context) {
	defer t.wg.Done()
	for job := range t.jobs {
		t.run(ctx, job)
	}
}

func (t *Trainer) run(ctx context.Context, job trainJob) {
	k := taskKey{Tenant: job.tenant, Task: job.task}
	defer func() {
		t.mu.Lock()
		delete(t.inflight, k)
		t.mu.Unlock()
	}()

	t.registry.MarkTraining(job.tenant, job.task)

	artifact, err := t.attempt(ctx, job, false)
	if err != nil && retryableTraining(err) {
		artifact, err = t.attempt(ctx, job, true)
	}

	switch {
	case err == nil:
		t.registry.Promote(job.tenant, job.task, artifact)
	case errors.Is(err, ErrInsufficientData):
		// Not a failure: the pair waits for more data and retries on the
		// next training submission.
		t.registry.MarkSkipped(job.tenant, job.task, err)
	default:
		t.registry.MarkFailed(job.tenant, job.task,
			newTrainingError(classifyTraining(err), job.tenant, job.task, err))
	}

	if t.OnDone != nil {
		t.OnDone(t.registry.Record(job.tenant, job.task))
	}
}

func (t *Trainer) attempt(ctx context.Context, job trainJob, sanitize bool) (*TrainedArtifact, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, t.config.JobTimeout)
	defer cancel()
	return job.fn(attemptCtx, sanitize)
}

// retryableTraining reports whether a failure is worth one sanitized retry.
// Insufficient data will not improve by scrubbing the same inputs, and a
// cancelled context must not spawn another attempt.
func retryableTraining(err error) bool {
	if errors.Is(err, ErrInsufficientData) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func classifyTraining(err error) TrainingFailureKind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return TrainingFailureUnknown
	default:
		return TrainingFailureNumeric
	}
}
