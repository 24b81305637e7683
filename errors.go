package prognos

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the prognos package.
var (
	// ErrClosed is returned when operations are attempted on a closed engine.
	ErrClosed = errors.New("engine is closed")

	// ErrInsufficientData is returned when training is requested below the
	// minimum sample count. Non-fatal: the caller skips and retries on the
	// next data arrival.
	ErrInsufficientData = errors.New("insufficient training data")

	// ErrModelNotTrained is returned when scoring or prediction is requested
	// before any active model exists for the tenant/task.
	ErrModelNotTrained = errors.New("model not trained")

	// ErrDriftComputation is returned for a malformed reference distribution.
	// The affected window is skipped; scoring is never blocked.
	ErrDriftComputation = errors.New("drift computation failed")

	// ErrSinkUnavailable is returned when an external effect sink cannot be
	// reached after exhausting retries.
	ErrSinkUnavailable = errors.New("external sink unavailable")

	// ErrUnknownTenant is returned when an operation references a tenant the
	// engine has never seen.
	ErrUnknownTenant = errors.New("unknown tenant")
)

// TrainingFailureKind categorizes training failures.
type TrainingFailureKind int

const (
	// TrainingFailureUnknown is an unclassified training failure.
	TrainingFailureUnknown TrainingFailureKind = iota
	// TrainingFailureDegenerate indicates degenerate input (constant or empty features).
	TrainingFailureDegenerate
	// TrainingFailureNumeric indicates numerical instability (NaN/Inf during fit).
	TrainingFailureNumeric
	// TrainingFailureValidation indicates the candidate model failed validation.
	TrainingFailureValidation
)

// TrainingError provides detailed information about a failed training run.
// The registry retries once against a sanitized subset before marking the
// model failed; the previously active version keeps serving either way.
type TrainingError struct {
	Kind   TrainingFailureKind
	Tenant string
	Task   ModelTask
	Cause  error
}

func (e *TrainingError) Error() string {
	msg := fmt.Sprintf("training failed for %s/%s", e.Tenant, e.Task)
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *TrainingError) Unwrap() error {
	return e.Cause
}

func newTrainingError(kind TrainingFailureKind, tenant string, task ModelTask, cause error) *TrainingError {
	return &TrainingError{Kind: kind, Tenant: tenant, Task: task, Cause: cause}
}

// ActionError provides detailed information about a failed external effect.
type ActionError struct {
	Fingerprint string
	Effect      EffectKind
	Attempts    int
	Cause       error
}

func (e *ActionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("effect %s (fingerprint %s) failed after %d attempts: %v",
			e.Effect, e.Fingerprint, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("effect %s (fingerprint %s) failed after %d attempts",
		e.Effect, e.Fingerprint, e.Attempts)
}

func (e *ActionError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for ActionError.
func (e *ActionError) Is(target error) bool {
	return target == ErrSinkUnavailable
}
