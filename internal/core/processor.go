package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"trip_planner/pkg"
)

// Processor executes pipeline runs over a fixed graph.
type Processor struct {
	graph        *Graph
	workers      map[pkg.StageName]Worker
	reducers     map[pkg.StageName]Reducer
	stageTimeout time.Duration
	tracer       trace.Tracer
	onCommit     func(pkg.StageName, pkg.StageResult)
	now          func() time.Time
}

type Option func(*Processor)

// WithStageTimeout bounds every stage that does not set its own timeout.
func WithStageTimeout(d time.Duration) Option {
	return func(p *Processor) { p.stageTimeout = d }
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) { p.tracer = t }
}

func WithReducer(stage pkg.StageName, r Reducer) Option {
	return func(p *Processor) { p.reducers[stage] = r }
}

// WithCommitHook is called after each stage result is committed.
func WithCommitHook(fn func(pkg.StageName, pkg.StageResult)) Option {
	return func(p *Processor) { p.onCommit = fn }
}

// NewProcessor creates a new processor for graph.
func NewProcessor(graph *Graph, opts ...Option) *Processor {
	p := &Processor{
		graph:    graph,
		workers:  make(map[pkg.StageName]Worker),
		reducers: make(map[pkg.StageName]Reducer),
		tracer:   otel.Tracer("trip_planner/core"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) Graph() *Graph { return p.graph }

// Register binds a worker to a stage of the graph.
func (p *Processor) Register(stage pkg.StageName, w Worker) error {
	if w == nil {
		return fmt.Errorf("worker cannot be nil")
	}
	if _, ok := p.graph.Stage(stage); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	p.workers[stage] = w
	log.Debug().Str("stage", string(stage)).Msg("➕ Registered stage worker")
	return nil
}

// Run executes the stages reachable from entry, minus skip, wave by wave.
// Stage failures are collected, never returned; the error is reserved for
// an invalid entry or a missing worker.
func (p *Processor) Run(ctx context.Context, entry pkg.StageName, skip []pkg.StageName, in RunInput, obs Observer) (*RunResult, error) {
	if obs == nil {
		obs = NopObserver{}
	}

	plan, err := p.graph.Plan(entry, skip)
	if err != nil {
		return nil, err
	}
	for _, name := range plan.Stages() {
		if _, ok := p.workers[name]; !ok {
			return nil, fmt.Errorf("%w for stage %s", ErrNoWorker, name)
		}
	}

	state := NewState(in.Seed)
	for stage, r := range p.reducers {
		state.SetReducer(stage, r)
	}
	state.onCommit = p.onCommit

	run := &RunResult{
		RunID:  uuid.NewString(),
		State:  state,
		Status: RunCompleted,
		Plan:   plan,
	}
	start := p.now()
	logger := log.With().Str("run_id", run.RunID).Str("entry", string(entry)).Logger()
	logger.Info().Int("waves", len(plan.Waves)).Msg("🚀 Starting pipeline run")

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", run.RunID),
		attribute.String("run.entry", string(entry)),
	))
	defer span.End()

	failed := make(map[pkg.StageName]bool)
	for i, wave := range plan.Waves {
		if ctx.Err() != nil {
			run.Status = RunCancelled
			break
		}

		var runnable []pkg.StageName
		for _, name := range wave {
			if failed[name] {
				continue
			}
			if missing, ok := p.missingDependency(state, name); ok {
				serr := StageError{
					Stage:   name,
					Err:     fmt.Errorf("%w: no result for %s", ErrDependencyFailed, missing),
					Skipped: true,
				}
				run.Errors = append(run.Errors, serr)
				failed[name] = true
				obs.StageSkipped(name, serr.Err)
				p.skipDownstream(plan, name, failed, run, obs)
				continue
			}
			runnable = append(runnable, name)
		}

		logger.Debug().Int("wave", i).Interface("stages", runnable).Msg("📍 Executing wave")
		waveErrs := p.runWave(ctx, state, runnable, in, obs)

		if ctx.Err() != nil {
			state.discard()
			run.Status = RunCancelled
			break
		}

		for _, res := range state.commit(wave) {
			obs.StageCommitted(res.Stage, res)
		}
		for _, serr := range waveErrs {
			run.Errors = append(run.Errors, serr)
			failed[serr.Stage] = true
			p.skipDownstream(plan, serr.Stage, failed, run, obs)
		}
	}

	run.Duration = p.now().Sub(start)
	span.SetAttributes(attribute.String("run.status", string(run.Status)), attribute.Int("run.errors", len(run.Errors)))
	if run.Status == RunCancelled {
		span.SetStatus(codes.Error, "cancelled")
		logger.Warn().Dur("duration", run.Duration).Msg("🛑 Pipeline run cancelled")
	} else {
		logger.Info().Dur("duration", run.Duration).Int("errors", len(run.Errors)).Msg("🏁 Pipeline run completed")
	}
	return run, nil
}

// missingDependency returns a dependency of name that has no committed result.
func (p *Processor) missingDependency(state *State, name pkg.StageName) (pkg.StageName, bool) {
	st, _ := p.graph.Stage(name)
	for _, dep := range st.Dependencies {
		if !state.Has(dep) {
			return dep, true
		}
	}
	return "", false
}

// skipDownstream marks every planned descendant of failedStage as skipped.
func (p *Processor) skipDownstream(plan *Plan, failedStage pkg.StageName, failed map[pkg.StageName]bool, run *RunResult, obs Observer) {
	for _, d := range p.graph.Downstream(failedStage) {
		if failed[d] || !plan.Contains(d) {
			continue
		}
		failed[d] = true
		cause := fmt.Errorf("%w: %s", ErrDependencyFailed, failedStage)
		run.Errors = append(run.Errors, StageError{Stage: d, Err: cause, Skipped: true})
		obs.StageSkipped(d, cause)
	}
}

// runWave executes the stages of one wave concurrently and waits for all of
// them. Inputs are read before any stage of the wave starts.
func (p *Processor) runWave(ctx context.Context, state *State, stages []pkg.StageName, in RunInput, obs Observer) []StageError {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []StageError
	)

	inputs := make(map[pkg.StageName]map[pkg.StageName]pkg.StageResult, len(stages))
	for _, name := range stages {
		st, _ := p.graph.Stage(name)
		inputs[name] = state.Select(st.Inputs)
	}

	for _, name := range stages {
		slot, err := state.Slot(name)
		if err != nil {
			obs.StageFailed(name, err)
			mu.Lock()
			errs = append(errs, StageError{Stage: name, Err: err})
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(name pkg.StageName, slot *Slot) {
			defer wg.Done()
			res, err := p.execute(ctx, name, StageInput{
				Stage:   name,
				Request: in.Request,
				Context: in.Context,
				Inputs:  inputs[name],
				Report:  func(text string) { obs.StageProgress(name, text) },
			}, obs)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				obs.StageFailed(name, err)
				mu.Lock()
				errs = append(errs, StageError{Stage: name, Err: err})
				mu.Unlock()
				return
			}
			slot.Write(res)
		}(name, slot)
	}
	wg.Wait()
	return errs
}

// execute invokes one worker with its timeout and tracing span. A panicking
// worker is reported as a failed stage.
func (p *Processor) execute(ctx context.Context, name pkg.StageName, input StageInput, obs Observer) (res pkg.StageResult, err error) {
	st, _ := p.graph.Stage(name)
	timeout := st.Timeout
	if timeout == 0 {
		timeout = p.stageTimeout
	}

	stageCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stageCtx, span := p.tracer.Start(stageCtx, "stage."+string(name), trace.WithAttributes(
		attribute.String("stage.name", string(name)),
		attribute.Int("stage.inputs", len(input.Inputs)),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	obs.StageStarted(name)
	started := p.now()
	log.Info().Str("stage", string(name)).Msg("▶️ Stage started")

	res, err = p.workers[name].Invoke(stageCtx, input)
	if err != nil {
		if errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %w", ErrStageTimeout, timeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Str("stage", string(name)).Msg("❌ Stage failed")
		return pkg.StageResult{}, err
	}

	if res.ProducedAt.IsZero() {
		res.ProducedAt = p.now()
	}
	span.SetAttributes(attribute.Int("stage.output_length", len(res.RawText)))
	log.Info().
		Str("stage", string(name)).
		Dur("duration", p.now().Sub(started)).
		Int("output_length", len(res.RawText)).
		Msg("✅ Stage completed")
	return res, nil
}
