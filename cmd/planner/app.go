package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"trip_planner/internal/config"
	"trip_planner/internal/core"
	"trip_planner/internal/nodes"
	"trip_planner/internal/planner"
	"trip_planner/internal/routing"
	"trip_planner/internal/storage"
	"trip_planner/pkg"
)

// app holds the wired components of one process.
type app struct {
	cfg      *config.Config
	sessions *storage.Manager
	planner  *planner.Planner
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("⚠️ Shutdown step failed")
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func() error, error) {
	if strings.EqualFold(cfg.Session.Backend, "redis") {
		rs, err := storage.NewRedisStore(ctx, cfg.RedisURL, cfg.Session.Timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		log.Info().Msg("✅ Connected to Redis session store")
		return rs, rs.Close, nil
	}
	return storage.NewMemoryStore(), func() error { return nil }, nil
}

// newSessions builds only the session layer, for commands that do not plan.
func newSessions(ctx context.Context, cfg *config.Config) (*storage.Manager, func() error, error) {
	store, closeFn, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	m := storage.NewManager(store,
		storage.WithTimeout(cfg.Session.Timeout),
		storage.WithMaxUserTurns(cfg.Session.MaxTurns),
	)
	return m, closeFn, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY is required to run the planner")
	}

	sessions, closeStore, err := newSessions(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, sessions: sessions, closers: []func() error{closeStore}}

	stages, err := config.Stages(cfg.Pipeline.File)
	if err != nil {
		a.Close()
		return nil, err
	}
	graph, err := core.NewGraph(stages...)
	if err != nil {
		a.Close()
		return nil, err
	}
	proc := core.NewProcessor(graph,
		core.WithStageTimeout(cfg.Pipeline.StageTimeout),
		// Leg counts from an earlier run survive a rerun that plans no legs.
		core.WithReducer(pkg.StageTransport, core.MergeFields),
	)

	prompts, err := loadPrompts(cfg.LLM.PromptsPath)
	if err != nil {
		a.Close()
		return nil, err
	}
	cm, err := nodes.NewChatModel(ctx, cfg.LLM)
	if err != nil {
		a.Close()
		return nil, err
	}
	workers, err := nodes.Workers(ctx, cm, prompts, nodes.WorkerOptions{
		Retry:     cfg.Retry.BatchOptions(),
		RouteLegs: cfg.Pipeline.RouteLegs,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := nodes.Register(proc, workers); err != nil {
		a.Close()
		return nil, err
	}

	rules, err := loadRules(cfg.Routing.RulesPath)
	if err != nil {
		a.Close()
		return nil, err
	}
	var router routing.Router = routing.NewRuleRouter(rules, graph)
	if strings.EqualFold(cfg.Routing.Mode, "llm") {
		router, err = routing.NewLLMRouter(ctx, cm, graph, router, rules.GenericQuestion)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.planner = planner.New(sessions, router, proc, planner.WithContextTurns(cfg.Session.ContextTurns))
	log.Info().
		Str("model", cfg.LLM.Model).
		Str("routing", cfg.Routing.Mode).
		Str("sessions", cfg.Session.Backend).
		Msg("🚀 Planner ready")
	return a, nil
}

func loadPrompts(path string) (nodes.Prompts, error) {
	if path == "" {
		return nodes.DefaultPrompts()
	}
	return nodes.LoadPrompts(path)
}

func loadRules(path string) (*routing.Rules, error) {
	if path == "" {
		return routing.DefaultRules()
	}
	return routing.LoadRules(path)
}
