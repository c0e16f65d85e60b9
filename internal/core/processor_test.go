package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trip_planner/pkg"
)

type recordingObserver struct {
	mu        sync.Mutex
	started   []pkg.StageName
	committed []pkg.StageName
	failed    []pkg.StageName
	skipped   []pkg.StageName
	progress  map[pkg.StageName][]string
}

func (o *recordingObserver) StageStarted(s pkg.StageName) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, s)
}

func (o *recordingObserver) StageProgress(s pkg.StageName, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.progress == nil {
		o.progress = make(map[pkg.StageName][]string)
	}
	o.progress[s] = append(o.progress[s], text)
}

func (o *recordingObserver) StageCommitted(s pkg.StageName, _ pkg.StageResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.committed = append(o.committed, s)
}

func (o *recordingObserver) StageFailed(s pkg.StageName, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, s)
}

func (o *recordingObserver) StageSkipped(s pkg.StageName, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.skipped = append(o.skipped, s)
}

func echoWorker(text string) Worker {
	return WorkerFunc(func(ctx context.Context, in StageInput) (pkg.StageResult, error) {
		return pkg.StageResult{RawText: text}, nil
	})
}

func newTestProcessor(t *testing.T, workers map[pkg.StageName]Worker, opts ...Option) *Processor {
	t.Helper()
	p := NewProcessor(defaultGraph(t), opts...)
	for _, name := range p.Graph().Order() {
		w, ok := workers[name]
		if !ok {
			w = echoWorker(string(name) + " done")
		}
		require.NoError(t, p.Register(name, w))
	}
	return p
}

func TestProcessorRun_FullPipeline(t *testing.T) {
	p := newTestProcessor(t, nil)
	obs := &recordingObserver{}

	run, err := p.Run(context.Background(), pkg.StageTourSearch, nil, RunInput{Request: "Nanjing"}, obs)
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, run.Status)
	assert.Empty(t, run.Errors)
	assert.Len(t, run.State.Results(), 5)
	assert.ElementsMatch(t, p.Graph().Order(), obs.committed)
	assert.Equal(t, pkg.StageFinalIntegration, obs.committed[len(obs.committed)-1])
	assert.NotEmpty(t, run.RunID)
}

// Every worker checks that its dependencies were committed before it was
// invoked, and that nothing from its own wave is visible.
func TestProcessorRun_DependenciesCommittedBeforeExecution(t *testing.T) {
	var (
		mu        sync.Mutex
		committed = make(map[pkg.StageName]bool)
		violation []string
	)
	hook := func(stage pkg.StageName, _ pkg.StageResult) {
		mu.Lock()
		defer mu.Unlock()
		committed[stage] = true
	}

	graph := defaultGraph(t)
	workers := make(map[pkg.StageName]Worker)
	for _, name := range graph.Order() {
		name := name
		st, _ := graph.Stage(name)
		workers[name] = WorkerFunc(func(ctx context.Context, in StageInput) (pkg.StageResult, error) {
			mu.Lock()
			for _, dep := range st.Dependencies {
				if !committed[dep] {
					violation = append(violation, fmt.Sprintf("%s ran before %s committed", name, dep))
				}
			}
			for _, key := range st.Inputs {
				if _, ok := in.Input(key); !ok {
					violation = append(violation, fmt.Sprintf("%s missing input %s", name, key))
				}
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			return pkg.StageResult{RawText: string(name)}, nil
		})
	}

	p := newTestProcessor(t, workers, WithCommitHook(hook))
	for i := 0; i < 20; i++ {
		mu.Lock()
		clear(committed)
		mu.Unlock()
		run, err := p.Run(context.Background(), pkg.StageTourSearch, nil, RunInput{}, nil)
		require.NoError(t, err)
		require.Equal(t, RunCompleted, run.Status)
	}
	assert.Empty(t, violation)
}

func TestProcessorRun_ConcurrentWave(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	barrier := func(text string) Worker {
		return WorkerFunc(func(ctx context.Context, in StageInput) (pkg.StageResult, error) {
			wg.Done()
			done := make(chan struct{})
			go func() { wg.Wait(); close(done) }()
			select {
			case <-done:
				return pkg.StageResult{RawText: text}, nil
			case <-time.After(2 * time.Second):
				return pkg.StageResult{}, errors.New("siblings did not run concurrently")
			}
		})
	}

	p := newTestProcessor(t, map[pkg.StageName]Worker{
		pkg.StageDayPlan:   barrier("day plan"),
		pkg.StageTransport: barrier("transport"),
	})
	run, err := p.Run(context.Background(), pkg.StageTourSearch, nil, RunInput{}, nil)
	require.NoError(t, err)
	assert.Empty(t, run.Errors)
}

func TestProcessorRun_FailureSkipsDependentsOnly(t *testing.T) {
	boom := fmt.Errorf("%w: route service down", ErrExternalCall)
	p := newTestProcessor(t, map[pkg.StageName]Worker{
		pkg.StageTransport: WorkerFunc(func(ctx context.Context, in StageInput) (pkg.StageResult, error) {
			return pkg.StageResult{}, boom
		}),
	})
	obs := &recordingObserver{}

	run, err := p.Run(context.Background(), pkg.StageTourSearch, nil, RunInput{}, obs)
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, run.Status)
	assert.True(t, run.State.Has(pkg.StageDayPlan))
	assert.False(t, run.State.Has(pkg.StageButler))
	assert.Equal(t, []pkg.StageName{pkg.StageTransport}, obs.failed)
	assert.Equal(t, []pkg.StageName{pkg.StageButler, pkg.StageFinalIntegration}, obs.skipped)

	require.Len(t, run.Errors, 3)
	assert.ErrorIs(t, run.Errors[0], ErrExternalCall)
	assert.False(t, run.Errors[0].Skipped)
	for _, serr := range run.Errors[1:] {
		assert.True(t, serr.Skipped)
		assert.ErrorIs(t, serr, ErrDependencyFailed)
	}
}

func TestProcessorRun_ResumeUsesSeed(t *testing.T) {
	seed := map[pkg.StageName]pkg.StageResult{
		pkg.StageTourSearch: {Stage: pkg.StageTourSearch, RawText: "old attractions"},
		pkg.StageDayPlan:    {Stage: pkg.StageDayPlan, RawText: "old plan"},
		pkg.StageTransport:  {Stage: pkg.StageTransport, RawText: "old transport"},
	}

	var seen map[pkg.StageName]pkg.StageResult
	p := newTestProcessor(t, map[pkg.StageName]Worker{
		pkg.StageButler: WorkerFunc(func(ctx context.Context, in StageInput) (pkg.StageResult, error) {
			seen = in.Inputs
			return pkg.StageResult{RawText: "new tips"}, nil
		}),
	})
	obs := &recordingObserver{}

	skip := []pkg.StageName{pkg.StageTourSearch, pkg.StageDayPlan, pkg.StageTransport}
	run, err := p.Run(context.Background(), pkg.StageButler, skip, RunInput{Seed: seed}, obs)
	require.NoError(t, err)

	assert.Equal(t, []pkg.StageName{pkg.StageButler, pkg.StageFinalIntegration}, obs.started)
	assert.Len(t, seen, 3)
	assert.Equal(t, "old plan", seen[pkg.StageDayPlan].RawText)
	assert.Equal(t, []pkg.StageName{pkg.StageButler, pkg.StageFinalIntegration}, run.State.Written())
	assert.Len(t, run.State.Results(), 5)
}

func TestProcessorRun_ReducerKeepsSeededFields(t *testing.T) {
	seed := map[pkg.StageName]pkg.StageResult{
		pkg.StageTourSearch: {Stage: pkg.StageTourSearch, RawText: "attractions"},
		pkg.StageDayPlan:    {Stage: pkg.StageDayPlan, RawText: "plan"},
		pkg.StageTransport: {
			Stage:   pkg.StageTransport,
			RawText: "old transport",
			Fields:  map[string]any{"legs_succeeded": 3, "attempts": 2},
		},
	}
	p := newTestProcessor(t, map[pkg.StageName]Worker{
		pkg.StageTransport: WorkerFunc(func(ctx context.Context, in StageInput) (pkg.StageResult, error) {
			return pkg.StageResult{RawText: "cheaper transport", Fields: map[string]any{"attempts": 1}}, nil
		}),
	}, WithReducer(pkg.StageTransport, MergeFields))

	run, err := p.Run(context.Background(), pkg.StageTransport, nil, RunInput{Seed: seed}, nil)
	require.NoError(t, err)

	res, ok := run.State.Get(pkg.StageTransport)
	require.True(t, ok)
	assert.Equal(t, "cheaper transport", res.RawText)
	assert.Equal(t, 3, res.Fields["legs_succeeded"])
	assert.Equal(t, 1, res.Fields["attempts"])
}

func TestProcessorRun_MissingSeedSkipsStage(t *testing.T) {
	p := newTestProcessor(t, nil)
	obs := &recordingObserver{}

	run, err := p.Run(context.Background(), pkg.StageButler, nil, RunInput{}, obs)
	require.NoError(t, err)

	assert.Empty(t, obs.started)
	assert.Equal(t, []pkg.StageName{pkg.StageButler, pkg.StageFinalIntegration}, obs.skipped)
	require.Len(t, run.Errors, 2)
	assert.ErrorIs(t, run.Errors[0], ErrDependencyFailed)
}

func TestProcessorRun_EmptyPlan(t *testing.T) {
	p := newTestProcessor(t, nil)
	run, err := p.Run(context.Background(), pkg.StageFinalIntegration, []pkg.StageName{pkg.StageFinalIntegration}, RunInput{}, nil)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Empty(t, run.Plan.Waves)
	assert.Empty(t, run.State.Written())
}

func TestProcessorRun_StageTimeout(t *testing.T) {
	p := newTestProcessor(t, map[pkg.StageName]Worker{
		pkg.StageDayPlan: WorkerFunc(func(ctx context.Context, in StageInput) (pkg.StageResult, error) {
			<-ctx.Done()
			return pkg.StageResult{}, ctx.Err()
		}),
	}, WithStageTimeout(20*time.Millisecond))

	run, err := p.Run(context.Background(), pkg.StageTourSearch, nil, RunInput{}, nil)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	require.NotEmpty(t, run.Errors)
	assert.Equal(t, pkg.StageDayPlan, run.Errors[0].Stage)
	assert.ErrorIs(t, run.Errors[0], ErrStageTimeout)
	assert.True(t, run.State.Has(pkg.StageTransport))
}

func TestProcessorRun_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := newTestProcessor(t, map[pkg.StageName]Worker{
		pkg.StageDayPlan: WorkerFunc(func(ctx context.Context, in StageInput) (pkg.StageResult, error) {
			cancel()
			<-ctx.Done()
			return pkg.StageResult{}, ctx.Err()
		}),
	})
	obs := &recordingObserver{}

	run, err := p.Run(ctx, pkg.StageTourSearch, nil, RunInput{}, obs)
	require.NoError(t, err)

	assert.Equal(t, RunCancelled, run.Status)
	assert.Empty(t, obs.failed)
	assert.False(t, run.State.Has(pkg.StageTransport), "partial wave must be discarded")
	assert.False(t, run.State.Has(pkg.StageButler))
}

func TestProcessorRun_WorkerPanic(t *testing.T) {
	p := newTestProcessor(t, map[pkg.StageName]Worker{
		pkg.StageButler: WorkerFunc(func(ctx context.Context, in StageInput) (pkg.StageResult, error) {
			panic("nil map")
		}),
	})

	run, err := p.Run(context.Background(), pkg.StageTourSearch, nil, RunInput{}, nil)
	require.NoError(t, err)
	require.Len(t, run.Errors, 2)
	assert.Contains(t, run.Errors[0].Error(), "worker panic")
	assert.Equal(t, pkg.StageFinalIntegration, run.Errors[1].Stage)
}

func TestProcessorRun_ProgressReported(t *testing.T) {
	p := newTestProcessor(t, map[pkg.StageName]Worker{
		pkg.StageTourSearch: WorkerFunc(func(ctx context.Context, in StageInput) (pkg.StageResult, error) {
			in.Progress("Pur")
			in.Progress("Purple Mountain")
			return pkg.StageResult{RawText: "Purple Mountain"}, nil
		}),
	})
	obs := &recordingObserver{}

	_, err := p.Run(context.Background(), pkg.StageTourSearch, nil, RunInput{}, obs)
	require.NoError(t, err)
	assert.Equal(t, []string{"Pur", "Purple Mountain"}, obs.progress[pkg.StageTourSearch])
}

func TestProcessorRun_Errors(t *testing.T) {
	p := NewProcessor(defaultGraph(t))

	_, err := p.Run(context.Background(), "unknown", nil, RunInput{}, nil)
	assert.ErrorIs(t, err, ErrUnknownStage)

	_, err = p.Run(context.Background(), pkg.StageTourSearch, nil, RunInput{}, nil)
	assert.ErrorIs(t, err, ErrNoWorker)

	assert.Error(t, p.Register(pkg.StageButler, nil))
	assert.ErrorIs(t, p.Register("unknown", echoWorker("x")), ErrUnknownStage)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(fmt.Errorf("bad input: %w", ErrValidation)))
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(ErrTransientNetwork))
	assert.True(t, IsRetryable(errors.New("connection reset")))
}
