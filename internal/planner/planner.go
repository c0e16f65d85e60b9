// Package planner handles one user request end to end: session lookup,
// routing, the pipeline run and the write-back of results.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"trip_planner/internal/core"
	"trip_planner/internal/routing"
	"trip_planner/internal/storage"
	"trip_planner/internal/stream"
	"trip_planner/pkg"
)

// Request is one user message.
type Request struct {
	SessionID string
	Text      string
}

// Outcome describes what a request did.
type Outcome struct {
	SessionID     string
	Directive     pkg.Directive
	Run           *core.RunResult
	FinalResponse string
	// Persisted is false when the run was cancelled and nothing was saved.
	Persisted bool
}

// Cancelled reports whether the pipeline run was cancelled.
func (o *Outcome) Cancelled() bool {
	return o.Run != nil && o.Run.Status == core.RunCancelled
}

type Planner struct {
	sessions     *storage.Manager
	router       routing.Router
	processor    *core.Processor
	contextTurns int
}

type Option func(*Planner)

// WithContextTurns sets how many recent exchanges go into the rendered
// conversation context.
func WithContextTurns(n int) Option {
	return func(p *Planner) { p.contextTurns = n }
}

func New(sessions *storage.Manager, router routing.Router, processor *core.Processor, opts ...Option) *Planner {
	p := &Planner{
		sessions:     sessions,
		router:       router,
		processor:    processor,
		contextTurns: storage.MaxUserTurns,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle processes req and writes its events to out. Errors that occur before
// the first event (bad input, session storage, routing) are returned without
// emitting anything. Handle never closes out.
func (p *Planner) Handle(ctx context.Context, req Request, out chan<- pkg.StreamEvent) (*Outcome, error) {
	s, err := p.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	s, err = p.sessions.AppendUser(ctx, s.ID, req.Text)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("session_id", s.ID).Logger()

	turns := s.UserTurns()
	in := routing.Input{
		Text:     turns[len(turns)-1],
		Earlier:  turns[:len(turns)-1],
		Context:  storage.Context(s, p.contextTurns),
		Messages: storage.Messages(s, p.contextTurns),
		Prior:    s.LastResult,
	}

	d, err := p.router.Decide(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("routing failed: %w", err)
	}
	logger.Info().
		Str("directive", string(d.Kind)).
		Str("entry", string(d.EntryStage)).
		Str("reason", d.Reason).
		Msg("🧭 Request routed")

	f := stream.NewFormatter(ctx, s.ID, out)
	outcome := &Outcome{SessionID: s.ID, Directive: d}

	if d.IsContinue() {
		return p.collect(ctx, f, outcome)
	}
	return p.run(ctx, f, outcome, in)
}

// session resolves the session, replacing an expired one with a fresh
// session under the same id.
func (p *Planner) session(ctx context.Context, id string) (*storage.Session, error) {
	s, err := p.sessions.GetOrCreate(ctx, id)
	if errors.Is(err, storage.ErrSessionExpired) {
		log.Info().Str("session_id", id).Msg("♻️ Replacing expired session")
		s, err = p.sessions.GetOrCreate(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}
	return s, nil
}

func (p *Planner) collect(ctx context.Context, f *stream.Formatter, outcome *Outcome) (*Outcome, error) {
	text := renderQuestions(outcome.Directive)

	f.Start("Collecting your trip requirements")
	f.StageStarted(pkg.StageNeedCollect)
	f.StageCommitted(pkg.StageNeedCollect, pkg.StageResult{Stage: pkg.StageNeedCollect, RawText: text})
	f.Done()

	outcome.FinalResponse = text
	if _, err := p.sessions.AppendResult(context.WithoutCancel(ctx), outcome.SessionID, pkg.StageNeedCollect, text); err != nil {
		return outcome, fmt.Errorf("failed to record follow-up questions: %w", err)
	}
	outcome.Persisted = true
	return outcome, nil
}

func (p *Planner) run(ctx context.Context, f *stream.Formatter, outcome *Outcome, in routing.Input) (*Outcome, error) {
	d := outcome.Directive
	f.Start(fmt.Sprintf("Planning your trip, starting with the %s", stream.DisplayName(d.EntryStage)))

	run, err := p.processor.Run(ctx, d.EntryStage, d.Skip, core.RunInput{
		Request: in.Text,
		Context: in.Context,
		Seed:    in.Prior,
	}, f)
	if err != nil {
		f.Error(err.Error())
		f.Done()
		return outcome, fmt.Errorf("pipeline run failed: %w", err)
	}
	outcome.Run = run

	logger := log.With().Str("session_id", outcome.SessionID).Str("run_id", run.RunID).Logger()
	if run.Status == core.RunCancelled {
		logger.Warn().Msg("🛑 Run cancelled, discarding results")
		return outcome, nil
	}

	f.Done()
	outcome.FinalResponse = f.FinalResponse()

	// The run finished; persist even if the caller goes away now.
	persistCtx := context.WithoutCancel(ctx)
	if _, err := p.sessions.SaveResults(persistCtx, outcome.SessionID, run.State.Results()); err != nil {
		return outcome, fmt.Errorf("failed to save results: %w", err)
	}
	if outcome.FinalResponse != "" {
		stage := finalStage(run, outcome.FinalResponse)
		if _, err := p.sessions.AppendResult(persistCtx, outcome.SessionID, stage, outcome.FinalResponse); err != nil {
			return outcome, fmt.Errorf("failed to record response: %w", err)
		}
	}
	if err := p.sessions.SetMetadata(persistCtx, outcome.SessionID, "last_run_id", run.RunID); err != nil {
		logger.Warn().Err(err).Msg("⚠️ Failed to record run id")
	}
	outcome.Persisted = true

	logger.Info().
		Int("errors", len(run.Errors)).
		Dur("duration", run.Duration).
		Msg("✅ Request completed")
	return outcome, nil
}

// finalStage finds the stage written in this run whose text became the final
// response.
func finalStage(run *core.RunResult, text string) pkg.StageName {
	written := run.State.Written()
	for i := len(written) - 1; i >= 0; i-- {
		if res, ok := run.State.Get(written[i]); ok && res.RawText == text {
			return written[i]
		}
	}
	return pkg.StageFinalIntegration
}

func renderQuestions(d pkg.Directive) string {
	var b strings.Builder
	if len(d.Confirmed) > 0 {
		b.WriteString("Here is what I have so far:\n")
		for _, c := range d.Confirmed {
			b.WriteString("- " + c + "\n")
		}
		b.WriteString("\n")
	}
	if len(d.PendingQuestions) == 1 {
		b.WriteString("One more thing before I start planning:\n")
	} else {
		b.WriteString("A couple of questions before I start planning:\n")
	}
	for i, q := range d.PendingQuestions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}
	return strings.TrimSpace(b.String())
}
