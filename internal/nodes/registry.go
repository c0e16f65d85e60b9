// Package nodes holds the workers behind the pipeline stages.
package nodes

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/rs/zerolog/log"

	"trip_planner/internal/batch"
	"trip_planner/internal/core"
	"trip_planner/pkg"
)

// WorkerOptions configures Workers.
type WorkerOptions struct {
	Retry batch.Options
	// RouteLegs adds per-leg route advice to the transport stage.
	RouteLegs bool
}

// Workers builds one worker per pipeline stage. Every model-backed stage
// shares cm.
func Workers(ctx context.Context, cm model.BaseChatModel, prompts Prompts, opts WorkerOptions) (map[pkg.StageName]core.Worker, error) {
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = core.IsRetryable
	}
	workers := make(map[pkg.StageName]core.Worker)

	for _, stage := range []pkg.StageName{pkg.StageTourSearch, pkg.StageDayPlan, pkg.StageTransport, pkg.StageButler} {
		p, err := prompts.Get(string(stage))
		if err != nil {
			return nil, err
		}
		w, err := NewLLMWorker(ctx, stage, cm, p, opts.Retry)
		if err != nil {
			return nil, err
		}
		workers[stage] = w
	}

	if opts.RouteLegs {
		p, err := prompts.Get("route_leg")
		if err != nil {
			return nil, err
		}
		lookup, err := NewModelRouteLookup(ctx, cm, p)
		if err != nil {
			return nil, err
		}
		legs, err := LegsTool(lookup, opts.Retry)
		if err != nil {
			return nil, err
		}
		workers[pkg.StageTransport] = NewRouteWorker(workers[pkg.StageTransport], legs)
	}

	workers[pkg.StageFinalIntegration] = NewIntegrationWorker()
	return workers, nil
}

// Register attaches a worker to every stage of the processor's graph.
func Register(p *core.Processor, workers map[pkg.StageName]core.Worker) error {
	for _, stage := range p.Graph().Order() {
		w, ok := workers[stage]
		if !ok {
			return fmt.Errorf("%w: %s", core.ErrNoWorker, stage)
		}
		if err := p.Register(stage, w); err != nil {
			return err
		}
		log.Debug().Str("stage", string(stage)).Msg("🔧 Worker registered")
	}
	return nil
}
