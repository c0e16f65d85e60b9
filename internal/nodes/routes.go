package nodes

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"trip_planner/internal/batch"
	"trip_planner/internal/core"
	"trip_planner/pkg"
)

// Leg is the travel advice between two consecutive stops.
type Leg struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Advice string `json:"advice,omitempty"`
}

// RouteLookup answers how to get from one place to another.
type RouteLookup interface {
	Lookup(ctx context.Context, from, to string) (Leg, error)
}

// ModelRouteLookup asks a chat model for each leg.
type ModelRouteLookup struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

func NewModelRouteLookup(ctx context.Context, cm model.BaseChatModel, p Prompt) (*ModelRouteLookup, error) {
	chain, err := buildChain(ctx, cm, p)
	if err != nil {
		return nil, fmt.Errorf("route lookup: %w", err)
	}
	return &ModelRouteLookup{chain: chain}, nil
}

func (l *ModelRouteLookup) Lookup(ctx context.Context, from, to string) (Leg, error) {
	msg, err := l.chain.Invoke(ctx, map[string]any{"from": from, "to": to})
	if err != nil {
		return Leg{}, fmt.Errorf("%w: route %s -> %s: %w", core.ErrExternalCall, from, to, err)
	}
	return Leg{From: from, To: to, Advice: strings.TrimSpace(msg.Content)}, nil
}

var stopLine = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.+)$`)

// ExtractStops pulls place names out of a bulleted or numbered list. Only the
// text before the first colon or dash separator is kept.
func ExtractStops(text string, limit int) []string {
	seen := make(map[string]bool)
	var stops []string
	for _, line := range strings.Split(text, "\n") {
		m := stopLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := m[1]
		for _, sep := range []string{":", "：", " - ", " – "} {
			if before, _, ok := strings.Cut(name, sep); ok {
				name = before
			}
		}
		name = strings.TrimSpace(strings.Trim(name, "*_ "))
		if name == "" || seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		stops = append(stops, name)
		if limit > 0 && len(stops) == limit {
			break
		}
	}
	return stops
}

// PlanLegs looks up every consecutive pair of stops. Failed legs are kept in
// the results so callers can report them.
func PlanLegs(ctx context.Context, lookup RouteLookup, stops []string, opts batch.Options) []batch.Result[batch.Pair[string], Leg] {
	pairs := batch.AdjacentPairs(stops)
	return batch.Call(ctx, pairs, func(ctx context.Context, p batch.Pair[string]) (Leg, error) {
		return lookup.Lookup(ctx, p.From, p.To)
	}, opts)
}

// RenderLegs formats legs as a transcript block. A leg without advice is
// reported as unavailable.
func RenderLegs(legs []Leg) string {
	var b strings.Builder
	b.WriteString("<route_legs>\n")
	for _, l := range legs {
		advice := l.Advice
		if advice == "" {
			advice = "unavailable"
		}
		fmt.Fprintf(&b, "- %s -> %s: %s\n", l.From, l.To, advice)
	}
	b.WriteString("</route_legs>")
	return b.String()
}

type legsRequest struct {
	Stops []string `json:"stops"`
}

type legsResponse struct {
	// Legs lists every pair in order; failed lookups carry no advice.
	Legs      []Leg  `json:"legs"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Summary   string `json:"summary"`
}

// LegsTool exposes leg planning as an Eino tool. RouteWorker calls it for the
// transport stage, and tool-calling models can be given the same tool.
func LegsTool(lookup RouteLookup, opts batch.Options) (tool.InvokableTool, error) {
	return utils.InferTool("route_legs", "Plan the travel legs between consecutive stops of an itinerary",
		func(ctx context.Context, req legsRequest) (legsResponse, error) {
			log.Debug().Strs("stops", req.Stops).Msg("🧭 Planning route legs")
			results := PlanLegs(ctx, lookup, req.Stops, opts)

			out := legsResponse{Legs: make([]Leg, 0, len(results))}
			for _, r := range results {
				if r.Success {
					out.Legs = append(out.Legs, r.Value)
				} else {
					out.Legs = append(out.Legs, Leg{From: r.Item.From, To: r.Item.To})
				}
			}
			summary := batch.Summarize(results)
			out.Succeeded, out.Failed = summary.Succeeded, summary.Failed
			out.Summary = summary.String()
			return out, nil
		})
}

// RouteWorker enriches a logistics stage with per-leg advice between the
// stops found in the attraction results before running the inner worker.
type RouteWorker struct {
	inner    core.Worker
	legs     tool.InvokableTool
	maxStops int
}

// NewRouteWorker wraps inner with a legs tool, usually built by LegsTool.
func NewRouteWorker(inner core.Worker, legs tool.InvokableTool) *RouteWorker {
	return &RouteWorker{inner: inner, legs: legs, maxStops: 6}
}

func (w *RouteWorker) Invoke(ctx context.Context, in core.StageInput) (pkg.StageResult, error) {
	tour, ok := in.Input(pkg.StageTourSearch)
	if !ok {
		return w.inner.Invoke(ctx, in)
	}

	stops := ExtractStops(tour.RawText, w.maxStops)
	if len(stops) < 2 {
		return w.inner.Invoke(ctx, in)
	}

	resp, err := w.planLegs(ctx, stops)
	if err != nil {
		log.Warn().Err(err).Str("stage", string(in.Stage)).Msg("⚠️ Route legs unavailable")
		return w.inner.Invoke(ctx, in)
	}
	log.Info().
		Str("stage", string(in.Stage)).
		Int("stops", len(stops)).
		Str("legs", resp.Summary).
		Msg("🗺️ Route legs planned")

	if resp.Succeeded > 0 {
		in.Context = strings.TrimSpace(in.Context + "\n\n" + RenderLegs(resp.Legs))
	}

	res, err := w.inner.Invoke(ctx, in)
	if err != nil {
		return res, err
	}
	if res.Fields == nil {
		res.Fields = make(map[string]any)
	}
	res.Fields["legs_succeeded"] = resp.Succeeded
	res.Fields["legs_failed"] = resp.Failed
	return res, nil
}

func (w *RouteWorker) planLegs(ctx context.Context, stops []string) (legsResponse, error) {
	var resp legsResponse
	args, err := sonic.MarshalString(legsRequest{Stops: stops})
	if err != nil {
		return resp, fmt.Errorf("failed to encode route_legs arguments: %w", err)
	}
	out, err := w.legs.InvokableRun(ctx, args)
	if err != nil {
		return resp, fmt.Errorf("route_legs: %w", err)
	}
	if err := sonic.UnmarshalString(out, &resp); err != nil {
		return resp, fmt.Errorf("failed to decode route_legs result: %w", err)
	}
	return resp, nil
}
