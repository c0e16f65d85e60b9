package nodes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"trip_planner/internal/batch"
	"trip_planner/internal/config"
	"trip_planner/internal/core"
	"trip_planner/pkg"
)

// NewChatModel creates the OpenAI-compatible chat model shared by the workers
// and the model-backed router.
func NewChatModel(ctx context.Context, cfg config.LLMConfig) (*openai.ChatModel, error) {
	maxTokens := cfg.MaxTokens
	temperature := float32(cfg.Temperature)

	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating chat model: %w", err)
	}
	return cm, nil
}

func buildChain(ctx context.Context, cm model.BaseChatModel, p Prompt) (compose.Runnable[map[string]any, *schema.Message], error) {
	messages := make([]schema.MessagesTemplate, 0, 2)
	if p.System != "" {
		messages = append(messages, schema.SystemMessage(p.System))
	}
	messages = append(messages, schema.UserMessage(p.User))

	// Template → ChatModel
	chain, err := compose.NewChain[map[string]any, *schema.Message]().
		AppendChatTemplate(prompt.FromMessages(schema.FString, messages...)).
		AppendChatModel(cm).
		Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("error creating Eino chain: %w", err)
	}
	return chain, nil
}

// LLMWorker runs one stage as a streamed chat model call. Partial output is
// reported as it arrives and failed calls are retried with linear backoff.
type LLMWorker struct {
	stage pkg.StageName
	chain compose.Runnable[map[string]any, *schema.Message]
	retry batch.Options
}

func NewLLMWorker(ctx context.Context, stage pkg.StageName, cm model.BaseChatModel, p Prompt, retry batch.Options) (*LLMWorker, error) {
	chain, err := buildChain(ctx, cm, p)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", stage, err)
	}
	if retry.Retryable == nil {
		retry.Retryable = core.IsRetryable
	}
	return &LLMWorker{stage: stage, chain: chain, retry: retry}, nil
}

func (w *LLMWorker) Invoke(ctx context.Context, in core.StageInput) (pkg.StageResult, error) {
	if strings.TrimSpace(in.Request) == "" {
		return pkg.StageResult{}, fmt.Errorf("%w: request cannot be empty", core.ErrValidation)
	}

	vars := map[string]any{
		"request": in.Request,
		"context": in.Context,
		"inputs":  renderInputs(in),
	}

	start := time.Now()
	text, attempts, err := batch.Do(ctx, func(ctx context.Context) (string, error) {
		return w.stream(ctx, vars, in)
	}, w.retry)
	if err != nil {
		return pkg.StageResult{}, err
	}

	log.Info().
		Str("stage", string(w.stage)).
		Int("attempts", attempts).
		Int("length", len(text)).
		Dur("elapsed", time.Since(start)).
		Msg("🤖 Stage model call completed")

	return pkg.StageResult{
		Stage:      w.stage,
		RawText:    text,
		Fields:     map[string]any{"attempts": attempts},
		ProducedAt: time.Now(),
	}, nil
}

func (w *LLMWorker) stream(ctx context.Context, vars map[string]any, in core.StageInput) (string, error) {
	reader, err := w.chain.Stream(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("%w: %s model call: %w", core.ErrExternalCall, w.stage, err)
	}
	defer reader.Close()

	var b strings.Builder
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %s stream: %w", core.ErrExternalCall, w.stage, err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		b.WriteString(chunk.Content)
		in.Progress(b.String())
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("%w: %s returned an empty reply", core.ErrExternalCall, w.stage)
	}
	return text, nil
}

// renderInputs lays out upstream results in the stage's declared order.
func renderInputs(in core.StageInput) string {
	if len(in.Inputs) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, name := range inputOrder {
		res, ok := in.Input(name)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "<%s>\n%s\n</%s>\n", name, res.RawText, name)
	}
	return strings.TrimSpace(b.String())
}

var inputOrder = []pkg.StageName{
	pkg.StageTourSearch,
	pkg.StageDayPlan,
	pkg.StageTransport,
	pkg.StageButler,
}
