package routing

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"trip_planner/internal/core"
	"trip_planner/pkg"
)

const routingSystemPrompt = `You are the routing step of a travel planning assistant.

Pipeline stages, in order: {stages}.

When no plan exists yet, check the conversation for the required fields (destination, duration)
and the secondary fields (mode of travel, party, budget, travel dates). Answer "continue" when a
required field is missing or fewer than 2 secondary fields are known, and ask at most 2 short,
friendly questions, required fields first. Otherwise answer "proceed" at the first stage.

When a plan exists ({has_plan}), the user is giving feedback. Pick the earliest stage it invalidates:
points of interest -> tour_search, pacing or order -> day_plan, cost, lodging or transport -> transport,
purely advisory -> butler with every upstream stage in "skip". A new destination restarts at the first stage.

Reply with one JSON object and nothing else:
{{"action":"continue|proceed","confirmed":["..."],"questions":["..."],"entry_stage":"...","skip":["..."]}}`

type llmDirective struct {
	Action     string   `json:"action"`
	Confirmed  []string `json:"confirmed"`
	Questions  []string `json:"questions"`
	EntryStage string   `json:"entry_stage"`
	Skip       []string `json:"skip"`
}

// LLMRouter asks a chat model for the directive.
type LLMRouter struct {
	chain    compose.Runnable[map[string]any, *schema.Message]
	topo     Topology
	fallback Router
	generic  string
}

// NewLLMRouter compiles the template → chat model chain. fallback, when set,
// answers if the model call itself fails.
func NewLLMRouter(ctx context.Context, cm model.BaseChatModel, topo Topology, fallback Router, genericQuestion string) (*LLMRouter, error) {
	template := prompt.FromMessages(schema.FString,
		schema.SystemMessage(routingSystemPrompt),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{input}"),
	)

	chain, err := compose.NewChain[map[string]any, *schema.Message]().
		AppendChatTemplate(template).
		AppendChatModel(cm).
		Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("error creating routing chain: %w", err)
	}

	if genericQuestion == "" {
		genericQuestion = "Could you tell me more about the trip you have in mind?"
	}
	return &LLMRouter{chain: chain, topo: topo, fallback: fallback, generic: genericQuestion}, nil
}

func (r *LLMRouter) Decide(ctx context.Context, in Input) (pkg.Directive, error) {
	stages := make([]string, 0)
	for _, s := range r.topo.Order() {
		stages = append(stages, string(s))
	}

	history := in.Messages
	if history == nil {
		history = make([]*schema.Message, 0, len(in.Earlier))
		for _, turn := range in.Earlier {
			history = append(history, schema.UserMessage(turn))
		}
	}

	msg, err := r.chain.Invoke(ctx, map[string]any{
		"stages":   strings.Join(stages, ", "),
		"has_plan": in.Resuming(),
		"history":  history,
		"input":    in.Text,
	})
	if err != nil {
		if r.fallback != nil {
			log.Warn().Err(err).Msg("⚠️ Routing model failed, using fallback router")
			return r.fallback.Decide(ctx, in)
		}
		return pkg.Directive{}, fmt.Errorf("%w: routing model: %w", core.ErrExternalCall, err)
	}

	d, err := ParseDirective(msg.Content, r.topo)
	if err != nil {
		log.Warn().Err(err).Str("raw", msg.Content).Msg("⚠️ Unparseable routing reply, asking a generic question")
		d = pkg.Continue(nil, []string{r.generic})
		d.Reason = "unparseable routing reply"
	}
	return d, nil
}

// ParseDirective decodes a model reply. Markdown code fences around the JSON
// are tolerated.
func ParseDirective(raw string, topo Topology) (pkg.Directive, error) {
	body := strings.TrimSpace(raw)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)

	if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
		body = body[start : end+1]
	}

	var out llmDirective
	if err := sonic.UnmarshalString(body, &out); err != nil {
		return pkg.Directive{}, fmt.Errorf("%w: %w", core.ErrClassificationParse, err)
	}

	order := topo.Order()
	switch strings.ToLower(strings.TrimSpace(out.Action)) {
	case "continue":
		questions := out.Questions
		if len(questions) > 2 {
			questions = questions[:2]
		}
		return pkg.Continue(out.Confirmed, questions), nil
	case "proceed":
		entry := pkg.StageName(out.EntryStage)
		if entry == "" {
			entry = topo.First()
		}
		if !slices.Contains(order, entry) {
			return pkg.Directive{}, fmt.Errorf("%w: unknown entry stage %q", core.ErrClassificationParse, out.EntryStage)
		}
		var skip []pkg.StageName
		for _, s := range out.Skip {
			name := pkg.StageName(s)
			if !slices.Contains(order, name) {
				return pkg.Directive{}, fmt.Errorf("%w: unknown skip stage %q", core.ErrClassificationParse, s)
			}
			skip = append(skip, name)
		}
		d := pkg.Proceed(entry, skip...)
		d.Confirmed = out.Confirmed
		return d, nil
	default:
		return pkg.Directive{}, fmt.Errorf("%w: unknown action %q", core.ErrClassificationParse, out.Action)
	}
}
