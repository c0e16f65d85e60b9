package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trip_planner/internal/core"
	"trip_planner/pkg"
)

func testTopology(t *testing.T) *core.Graph {
	t.Helper()
	g, err := core.NewGraph(core.DefaultStages()...)
	require.NoError(t, err)
	return g
}

func newTestRuleRouter(t *testing.T) *RuleRouter {
	t.Helper()
	rules, err := DefaultRules()
	require.NoError(t, err)
	return NewRuleRouter(rules, testTopology(t))
}

var priorPlan = map[pkg.StageName]pkg.StageResult{
	pkg.StageTourSearch:       {RawText: "Purple Mountain, Confucius Temple"},
	pkg.StageDayPlan:          {RawText: "Day 1 ..."},
	pkg.StageTransport:        {RawText: "G7001 train"},
	pkg.StageButler:           {RawText: "Bring an umbrella"},
	pkg.StageFinalIntegration: {RawText: "Full guide"},
}

func TestRuleRouter_NeedCollection(t *testing.T) {
	r := newTestRuleRouter(t)

	tests := []struct {
		name      string
		earlier   []string
		text      string
		kind      pkg.DirectiveKind
		questions int
	}{
		{
			name:      "required fields only",
			text:      "I want to go to Nanjing for 3 days",
			kind:      pkg.DirectiveContinue,
			questions: 2,
		},
		{
			name: "required plus dates and party",
			text: "I want to go to Nanjing for 3 days with my girlfriend next month",
			kind: pkg.DirectiveProceed,
		},
		{
			name: "single sentence request",
			text: "3-day trip to Nanjing, traveling with a partner, departing next month",
			kind: pkg.DirectiveProceed,
		},
		{
			name:      "missing duration",
			text:      "Thinking about visiting Hangzhou by train with friends next month",
			kind:      pkg.DirectiveContinue,
			questions: 2,
		},
		{
			name:      "nothing known",
			text:      "hello",
			kind:      pkg.DirectiveContinue,
			questions: 2,
		},
		{
			name:    "requirements spread across turns",
			earlier: []string{"I'd like to visit Suzhou", "maybe 2 days"},
			text:    "with my parents, by high-speed rail",
			kind:    pkg.DirectiveProceed,
		},
		{
			name: "chinese request",
			text: "下个月和女朋友去南京玩三天",
			kind: pkg.DirectiveProceed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := r.Decide(context.Background(), Input{Text: tt.text, Earlier: tt.earlier})
			require.NoError(t, err)
			assert.Equal(t, tt.kind, d.Kind, d.Reason)
			if tt.kind == pkg.DirectiveProceed {
				assert.Equal(t, pkg.StageTourSearch, d.EntryStage)
				assert.Empty(t, d.Skip)
			}
			assert.Len(t, d.PendingQuestions, tt.questions)
		})
	}
}

func TestRuleRouter_ContinueConfirmsKnownFields(t *testing.T) {
	r := newTestRuleRouter(t)

	d, err := r.Decide(context.Background(), Input{Text: "I want to go to Nanjing for 3 days"})
	require.NoError(t, err)
	require.True(t, d.IsContinue())
	assert.Equal(t, []string{"Destination: Nanjing", "Duration: 3 days"}, d.Confirmed)
}

func TestRuleRouter_RequiredQuestionsFirst(t *testing.T) {
	r := newTestRuleRouter(t)

	d, err := r.Decide(context.Background(), Input{Text: "hi there"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Where would you like to go?", "How many days will the trip last?"}, d.PendingQuestions)
}

func TestRuleRouter_Resume(t *testing.T) {
	r := newTestRuleRouter(t)
	earlier := []string{"3-day trip to Nanjing, traveling with a partner, departing next month"}

	tests := []struct {
		name  string
		text  string
		entry pkg.StageName
		skip  []pkg.StageName
	}{
		{
			name:  "points of interest",
			text:  "Can you swap the museums for more parks?",
			entry: pkg.StageTourSearch,
		},
		{
			name:  "pacing",
			text:  "The second day feels too rushed",
			entry: pkg.StageDayPlan,
		},
		{
			name:  "lodging",
			text:  "Find a cheaper hotel please",
			entry: pkg.StageTransport,
		},
		{
			name:  "advisory only",
			text:  "What should I pack for the weather?",
			entry: pkg.StageButler,
			skip:  []pkg.StageName{pkg.StageTourSearch, pkg.StageDayPlan, pkg.StageTransport},
		},
		{
			name:  "earliest stage wins",
			text:  "The schedule is too rushed and the hotel is too expensive",
			entry: pkg.StageDayPlan,
		},
		{
			name:  "new destination restarts",
			text:  "Actually let's go to Hangzhou instead",
			entry: pkg.StageTourSearch,
		},
		{
			name:  "unrecognized feedback restarts",
			text:  "hmm not sure",
			entry: pkg.StageTourSearch,
		},
		{
			name:  "pacing feedback naming a stop",
			text:  "Day 2 is too rushed, move the trip to Xuanwu Lake to the morning",
			entry: pkg.StageDayPlan,
		},
		{
			name:  "transport feedback naming a stop",
			text:  "The metro to Purple Mountain looks expensive, find a cheaper transport option",
			entry: pkg.StageTransport,
		},
		{
			name:  "advisory feedback naming a park",
			text:  "Any packing tips for the hike in Zhongshan Park area? what to bring",
			entry: pkg.StageButler,
			skip:  []pkg.StageName{pkg.StageTourSearch, pkg.StageDayPlan, pkg.StageTransport},
		},
		{
			name:  "explicit switch wins over stage feedback",
			text:  "Let's go to Hangzhou instead and find a cheaper hotel",
			entry: pkg.StageTourSearch,
		},
		{
			name:  "switch phrase naming a planned stop",
			text:  "Take the train to Purple Mountain instead",
			entry: pkg.StageTransport,
		},
		{
			name:  "new place without other feedback",
			text:  "How about a weekend in Suzhou?",
			entry: pkg.StageTourSearch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := r.Decide(context.Background(), Input{Text: tt.text, Earlier: earlier, Prior: priorPlan})
			require.NoError(t, err)
			assert.Equal(t, pkg.DirectiveProceed, d.Kind)
			assert.Equal(t, tt.entry, d.EntryStage, d.Reason)
			assert.Equal(t, tt.skip, d.Skip)
		})
	}
}

func TestFieldRule_ExcludesMonths(t *testing.T) {
	r := newTestRuleRouter(t)
	found := r.Needs("leaving in March, heading to Xi'an")
	assert.NotEqual(t, "March", found["destination"])
	assert.Equal(t, "Xi", found["destination"])
	assert.Equal(t, "March", found["dates"])
}

func TestFieldRule_StripsExcludedWords(t *testing.T) {
	r := newTestRuleRouter(t)

	assert.Equal(t, "Beijing", r.Needs("Visiting Beijing next spring")["destination"])
	assert.Equal(t, "Nanjing", r.Needs("fly to Nanjing Monday")["destination"])
	assert.Equal(t, "Shanghai", r.Needs("In May, maybe in Shanghai")["destination"])
}

func TestParseRules_Errors(t *testing.T) {
	_, err := ParseRules([]byte("required: []"))
	assert.Error(t, err)

	_, err = ParseRules([]byte("required:\n  - name: x\n    patterns: ['(']\n"))
	assert.Error(t, err)

	_, err = ParseRules([]byte("required:\n  - name: x\ndestination_switch: ['(']\n"))
	assert.Error(t, err)

	_, err = ParseRules([]byte(":\tnot yaml"))
	assert.Error(t, err)
}

type fakeChatModel struct {
	reply string
	err   error
	seen  []*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.seen = in
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := f.Generate(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func TestLLMRouter(t *testing.T) {
	topo := testTopology(t)

	tests := []struct {
		name  string
		reply string
		kind  pkg.DirectiveKind
		entry pkg.StageName
		skip  []pkg.StageName
		qs    []string
	}{
		{
			name:  "proceed",
			reply: `{"action":"proceed","entry_stage":"tour_search"}`,
			kind:  pkg.DirectiveProceed,
			entry: pkg.StageTourSearch,
		},
		{
			name:  "fenced advisory",
			reply: "```json\n{\"action\":\"proceed\",\"entry_stage\":\"butler\",\"skip\":[\"tour_search\",\"day_plan\",\"transport\"]}\n```",
			kind:  pkg.DirectiveProceed,
			entry: pkg.StageButler,
			skip:  []pkg.StageName{pkg.StageTourSearch, pkg.StageDayPlan, pkg.StageTransport},
		},
		{
			name:  "continue",
			reply: `{"action":"continue","confirmed":["Destination: Nanjing"],"questions":["When?","With whom?","Budget?"]}`,
			kind:  pkg.DirectiveContinue,
			qs:    []string{"When?", "With whom?"},
		},
		{
			name:  "garbage falls back to generic question",
			reply: "Sure! Let's plan.",
			kind:  pkg.DirectiveContinue,
			qs:    []string{"Anything else?"},
		},
		{
			name:  "unknown stage falls back",
			reply: `{"action":"proceed","entry_stage":"spa"}`,
			kind:  pkg.DirectiveContinue,
			qs:    []string{"Anything else?"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cm := &fakeChatModel{reply: tt.reply}
			r, err := NewLLMRouter(context.Background(), cm, topo, nil, "Anything else?")
			require.NoError(t, err)

			d, err := r.Decide(context.Background(), Input{Text: "3 days in Nanjing", Earlier: []string{"hi"}})
			require.NoError(t, err)
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, tt.entry, d.EntryStage)
			assert.Equal(t, tt.skip, d.Skip)
			if tt.qs != nil {
				assert.Equal(t, tt.qs, d.PendingQuestions)
			}
			require.Len(t, cm.seen, 3)
			assert.Equal(t, schema.System, cm.seen[0].Role)
			assert.Contains(t, cm.seen[0].Content, "tour_search, day_plan, transport, butler, final_integration")
			assert.Equal(t, "3 days in Nanjing", cm.seen[2].Content)
		})
	}
}

func TestLLMRouter_ModelFailure(t *testing.T) {
	topo := testTopology(t)
	cm := &fakeChatModel{err: errors.New("503")}

	r, err := NewLLMRouter(context.Background(), cm, topo, nil, "")
	require.NoError(t, err)
	_, err = r.Decide(context.Background(), Input{Text: "Nanjing"})
	assert.ErrorIs(t, err, core.ErrExternalCall)

	rr := newTestRuleRouter(t)
	r, err = NewLLMRouter(context.Background(), cm, topo, rr, "")
	require.NoError(t, err)
	d, err := r.Decide(context.Background(), Input{Text: "3-day trip to Nanjing, traveling with a partner, departing next month"})
	require.NoError(t, err)
	assert.Equal(t, pkg.DirectiveProceed, d.Kind)
}

func TestLLMRouter_UsesConversationMessages(t *testing.T) {
	cm := &fakeChatModel{reply: `{"action":"proceed","entry_stage":"tour_search"}`}
	r, err := NewLLMRouter(context.Background(), cm, testTopology(t), nil, "")
	require.NoError(t, err)

	_, err = r.Decide(context.Background(), Input{
		Text:    "with my girlfriend, next month",
		Earlier: []string{"Nanjing for 3 days"},
		Messages: []*schema.Message{
			schema.UserMessage("Nanjing for 3 days"),
			schema.AssistantMessage("Who will you be traveling with?", nil),
		},
	})
	require.NoError(t, err)

	require.Len(t, cm.seen, 4)
	assert.Equal(t, schema.Assistant, cm.seen[2].Role)
	assert.Equal(t, "Who will you be traveling with?", cm.seen[2].Content)
	assert.Equal(t, "with my girlfriend, next month", cm.seen[3].Content)
}

func TestParseDirective_Errors(t *testing.T) {
	topo := testTopology(t)
	for _, raw := range []string{"", "{", `{"action":"dance"}`, `{"action":"proceed","skip":["nowhere"]}`} {
		_, err := ParseDirective(raw, topo)
		assert.ErrorIs(t, err, core.ErrClassificationParse, raw)
	}
}
