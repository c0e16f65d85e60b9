package core

import (
	"context"
	"time"

	"trip_planner/pkg"
)

// Stage is the static descriptor of one pipeline stage.
type Stage struct {
	Name         pkg.StageName
	Dependencies []pkg.StageName
	// Inputs lists the upstream results handed to the worker. Every input
	// must be an ancestor of the stage.
	Inputs []pkg.StageName
	// Timeout overrides the processor-wide stage timeout when non-zero.
	Timeout time.Duration
}

// Worker is the capability behind a stage.
type Worker interface {
	Invoke(ctx context.Context, input StageInput) (pkg.StageResult, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, input StageInput) (pkg.StageResult, error)

func (f WorkerFunc) Invoke(ctx context.Context, input StageInput) (pkg.StageResult, error) {
	return f(ctx, input)
}

// StageInput contains the input data for a worker
type StageInput struct {
	Stage   pkg.StageName
	Request string
	Context string
	Inputs  map[pkg.StageName]pkg.StageResult
	// Report publishes partial output while the worker is still running.
	Report func(text string)
}

// Input returns the upstream result for name, if it was declared and present.
func (in StageInput) Input(name pkg.StageName) (pkg.StageResult, bool) {
	res, ok := in.Inputs[name]
	return res, ok
}

// Progress forwards partial text to the observer, if any.
func (in StageInput) Progress(text string) {
	if in.Report != nil {
		in.Report(text)
	}
}

// Observer receives execution events from the processor. Calls for stages of
// the same wave may arrive concurrently.
type Observer interface {
	StageStarted(stage pkg.StageName)
	StageProgress(stage pkg.StageName, text string)
	StageCommitted(stage pkg.StageName, result pkg.StageResult)
	StageFailed(stage pkg.StageName, err error)
	StageSkipped(stage pkg.StageName, cause error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) StageStarted(pkg.StageName)                    {}
func (NopObserver) StageProgress(pkg.StageName, string)           {}
func (NopObserver) StageCommitted(pkg.StageName, pkg.StageResult) {}
func (NopObserver) StageFailed(pkg.StageName, error)              {}
func (NopObserver) StageSkipped(pkg.StageName, error)             {}

type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
)

// RunInput is the per-request input of a pipeline run.
type RunInput struct {
	Request string
	Context string
	// Seed holds results from a previous run. Stages outside the plan read
	// their dependencies from here.
	Seed map[pkg.StageName]pkg.StageResult
}

// RunResult is the outcome of one pipeline run.
type RunResult struct {
	RunID    string
	State    *State
	Errors   []StageError
	Status   RunStatus
	Plan     *Plan
	Duration time.Duration
}

// Failed reports whether any stage failed or was skipped.
func (r *RunResult) Failed() bool { return len(r.Errors) > 0 }
