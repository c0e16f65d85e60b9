package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trip_planner/internal/core"
	"trip_planner/pkg"
)

type section struct {
	stage pkg.StageName
	title string
}

var guideSections = []section{
	{pkg.StageTourSearch, "🏛️ Highlights"},
	{pkg.StageDayPlan, "🗓️ Day by Day"},
	{pkg.StageTransport, "🚄 Getting There and Staying"},
	{pkg.StageButler, "🧳 Butler's Notes"},
}

// IntegrationWorker assembles the upstream results into one travel guide.
// It makes no external calls and reports progress after every section.
type IntegrationWorker struct {
	now func() time.Time
}

func NewIntegrationWorker() *IntegrationWorker {
	return &IntegrationWorker{now: time.Now}
}

func (w *IntegrationWorker) Invoke(ctx context.Context, in core.StageInput) (pkg.StageResult, error) {
	var b strings.Builder
	b.WriteString("# ✈️ Your Travel Guide\n\n")
	b.WriteString("## 📝 Your Trip\n\n")
	b.WriteString(strings.TrimSpace(in.Request))
	b.WriteString("\n")
	in.Progress(b.String())

	included := make([]string, 0, len(guideSections))
	for _, s := range guideSections {
		if err := ctx.Err(); err != nil {
			return pkg.StageResult{}, err
		}
		res, ok := in.Input(s.stage)
		if !ok || strings.TrimSpace(res.RawText) == "" {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", s.title, strings.TrimSpace(res.RawText))
		included = append(included, string(s.stage))
		in.Progress(b.String())
	}
	if len(included) == 0 {
		return pkg.StageResult{}, fmt.Errorf("%w: no upstream results to integrate", core.ErrDependencyFailed)
	}

	produced := w.now()
	fmt.Fprintf(&b, "\n---\n_Guide compiled %s._\n", produced.Format("2006-01-02 15:04"))

	return pkg.StageResult{
		Stage:      pkg.StageFinalIntegration,
		RawText:    b.String(),
		Fields:     map[string]any{"sections": included},
		ProducedAt: produced,
	}, nil
}
