package core

import (
	"context"
	"errors"
	"fmt"

	"trip_planner/pkg"
)

var (
	// ErrTransientNetwork marks failures worth retrying.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrExternalCall marks an external dependency that failed after retries.
	ErrExternalCall = errors.New("external call failed")
	// ErrValidation marks bad or missing input. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrClassificationParse marks an unparseable routing decision.
	ErrClassificationParse = errors.New("classification parse error")
	ErrStageTimeout        = errors.New("stage timeout")
	ErrDependencyFailed    = errors.New("dependency failed")
	ErrUnknownStage        = errors.New("unknown stage")
	ErrNoWorker            = errors.New("no worker registered")
)

// StageError records why a stage did not produce a result. Skipped is set
// when the stage never ran because an upstream stage failed.
type StageError struct {
	Stage   pkg.StageName
	Err     error
	Skipped bool
}

func (e StageError) Error() string {
	if e.Skipped {
		return fmt.Sprintf("stage %s skipped: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e StageError) Unwrap() error { return e.Err }

// IsRetryable classifies an error for the retry utility. Validation errors,
// context cancellation and parse errors are permanent; anything else is
// assumed transient.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrClassificationParse),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}
