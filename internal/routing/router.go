// Package routing decides, for each request, whether to keep collecting trip
// requirements or which pipeline stage to (re-)enter.
package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"trip_planner/pkg"
)

// Router classifies the latest input into a directive.
type Router interface {
	Decide(ctx context.Context, in Input) (pkg.Directive, error)
}

// Topology is the part of the pipeline graph the router needs.
type Topology interface {
	First() pkg.StageName
	Order() []pkg.StageName
	Upstream(name pkg.StageName) []pkg.StageName
}

// Input is everything a routing decision may look at.
type Input struct {
	// Text is the latest user input.
	Text string
	// Earlier holds the previous user turns of the session, oldest first.
	Earlier []string
	// Context is the rendered conversation transcript.
	Context string
	// Messages is the same window as Context as chat messages, including the
	// assistant's earlier questions and answers.
	Messages []*schema.Message
	// Prior holds the results of the last completed run, if any.
	Prior map[pkg.StageName]pkg.StageResult
}

// Resuming reports whether a previous plan exists.
func (in Input) Resuming() bool { return len(in.Prior) > 0 }

// RuleRouter is a pure rule-table router.
type RuleRouter struct {
	rules *Rules
	topo  Topology
}

func NewRuleRouter(rules *Rules, topo Topology) *RuleRouter {
	return &RuleRouter{rules: rules, topo: topo}
}

// Decide never fails; the error is part of the Router contract.
func (r *RuleRouter) Decide(_ context.Context, in Input) (pkg.Directive, error) {
	var d pkg.Directive
	if in.Resuming() {
		d = r.resume(in)
	} else {
		d = r.collect(in)
	}
	log.Debug().
		Str("kind", string(d.Kind)).
		Str("entry", string(d.EntryStage)).
		Str("reason", d.Reason).
		Msg("🧭 Routing decision")
	return d, nil
}

// Needs extracts every known requirement from the given turns. Later turns
// override earlier ones.
func (r *RuleRouter) Needs(turns ...string) map[string]string {
	found := make(map[string]string)
	for _, group := range [][]FieldRule{r.rules.Required, r.rules.Secondary} {
		for i := range group {
			f := &group[i]
			for _, turn := range turns {
				if v, ok := f.Extract(turn); ok {
					found[f.Name] = v
				}
			}
		}
	}
	return found
}

func (r *RuleRouter) field(name string) *FieldRule {
	for _, group := range [][]FieldRule{r.rules.Required, r.rules.Secondary} {
		for i := range group {
			if group[i].Name == name {
				return &group[i]
			}
		}
	}
	return nil
}

func (r *RuleRouter) collect(in Input) pkg.Directive {
	turns := append(append([]string(nil), in.Earlier...), in.Text)
	found := r.Needs(turns...)

	var confirmed, questions []string
	missingRequired := false
	for i := range r.rules.Required {
		f := &r.rules.Required[i]
		if v, ok := found[f.Name]; ok {
			confirmed = append(confirmed, fmt.Sprintf("%s: %s", f.Label, v))
			continue
		}
		missingRequired = true
		questions = append(questions, f.Question)
	}

	secondary := 0
	for i := range r.rules.Secondary {
		f := &r.rules.Secondary[i]
		if v, ok := found[f.Name]; ok {
			secondary++
			confirmed = append(confirmed, fmt.Sprintf("%s: %s", f.Label, v))
			continue
		}
		questions = append(questions, f.Question)
	}

	if !missingRequired && secondary >= r.rules.MinSecondary {
		d := pkg.Proceed(r.topo.First())
		d.Confirmed = confirmed
		d.Reason = "requirements complete"
		return d
	}

	if len(questions) > r.rules.MaxQuestions {
		questions = questions[:r.rules.MaxQuestions]
	}
	d := pkg.Continue(confirmed, questions)
	if missingRequired {
		d.Reason = "required field missing"
	} else {
		d.Reason = fmt.Sprintf("only %d of %d secondary fields", secondary, len(r.rules.Secondary))
	}
	return d
}

func (r *RuleRouter) resume(in Input) pkg.Directive {
	first := r.topo.First()

	rank := make(map[pkg.StageName]int)
	for i, name := range r.topo.Order() {
		rank[name] = i
	}

	var best *ResumeRule
	for i := range r.rules.Resume {
		rule := &r.rules.Resume[i]
		if _, known := rank[rule.Stage]; !known || !rule.Matches(in.Text) {
			continue
		}
		if best == nil || rank[rule.Stage] < rank[best.Stage] {
			best = rule
		}
	}

	// A place named in stage feedback is usually a stop of the current plan.
	// It only counts as a new destination when the feedback says so, or when
	// nothing else in it is recognized.
	if prev, next, ok := r.destinationChange(in); ok && (best == nil || r.rules.SwitchesDestination(in.Text)) {
		d := pkg.Proceed(first)
		d.Reason = fmt.Sprintf("destination changed from %s to %s", prev, next)
		return d
	}

	if best == nil {
		d := pkg.Proceed(first)
		d.Reason = "no specific feedback recognized"
		return d
	}

	var d pkg.Directive
	if best.Advisory {
		d = pkg.Proceed(best.Stage, r.topo.Upstream(best.Stage)...)
	} else {
		d = pkg.Proceed(best.Stage)
	}
	d.Reason = "feedback targets " + string(best.Stage)
	return d
}

// destinationChange returns the previous and the newly named destination
// when the feedback names one that differs from the earlier turns and does
// not appear anywhere in the prior plan.
func (r *RuleRouter) destinationChange(in Input) (string, string, bool) {
	dest := r.field("destination")
	if dest == nil {
		return "", "", false
	}
	next, ok := dest.Extract(in.Text)
	if !ok {
		return "", "", false
	}
	var prev string
	for _, turn := range in.Earlier {
		if v, ok := dest.Extract(turn); ok {
			prev = v
		}
	}
	if prev == "" || strings.EqualFold(prev, next) {
		return "", "", false
	}
	needle := strings.ToLower(next)
	for _, res := range in.Prior {
		if strings.Contains(strings.ToLower(res.RawText), needle) {
			return "", "", false
		}
	}
	return prev, next, true
}
