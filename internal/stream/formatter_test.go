package stream

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trip_planner/pkg"
)

func collect(ch chan pkg.StreamEvent) []pkg.StreamEvent {
	close(ch)
	var out []pkg.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func ofType(events []pkg.StreamEvent, typ pkg.EventType) []pkg.StreamEvent {
	var out []pkg.StreamEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestFormatter_ContentMonotonicity(t *testing.T) {
	ch := make(chan pkg.StreamEvent, 64)
	f := NewFormatter(context.Background(), "s1", ch)

	f.Start("planning")
	for _, text := range []string{"Day", "Day 1", "Day 1", "Day", "Day 1: Purple Mountain", "Day 1: Purple"} {
		f.StageProgress(pkg.StageDayPlan, text)
	}
	f.StageCommitted(pkg.StageDayPlan, pkg.StageResult{RawText: "Day 1: Purple Mountain"})
	f.Done()

	events := collect(ch)
	updates := ofType(events, pkg.EventContentUpdate)
	require.Len(t, updates, 3)
	for i := 1; i < len(updates); i++ {
		assert.Greater(t, updates[i].ContentLength, updates[i-1].ContentLength)
	}
	assert.False(t, updates[0].IsIncremental)
	assert.True(t, updates[1].IsIncremental)

	assert.Len(t, ofType(events, pkg.EventAgentStart), 1)
	assert.Len(t, ofType(events, pkg.EventAgentComplete), 1)
}

func TestFormatter_SeqStrictlyIncreasing(t *testing.T) {
	ch := make(chan pkg.StreamEvent, 1024)
	f := NewFormatter(context.Background(), "s1", ch)

	var wg sync.WaitGroup
	for _, stage := range []pkg.StageName{pkg.StageDayPlan, pkg.StageTransport} {
		wg.Add(1)
		go func(stage pkg.StageName) {
			defer wg.Done()
			text := ""
			for i := 0; i < 50; i++ {
				text += "x"
				f.StageProgress(stage, text)
			}
		}(stage)
	}
	wg.Wait()
	f.Done()

	events := collect(ch)
	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, "s1", ev.SessionID)
	}
}

func TestFormatter_FinalResponseLongestLastWinsTies(t *testing.T) {
	ch := make(chan pkg.StreamEvent, 64)
	f := NewFormatter(context.Background(), "s1", ch)

	f.StageCommitted(pkg.StageDayPlan, pkg.StageResult{RawText: "abcd"})
	f.StageCommitted(pkg.StageTransport, pkg.StageResult{RawText: "wxyz"})
	f.StageCommitted(pkg.StageButler, pkg.StageResult{RawText: "ab"})
	f.Done()

	done := ofType(collect(ch), pkg.EventDone)
	require.Len(t, done, 1)
	assert.Equal(t, "wxyz", done[0].FinalResponse)
	assert.Equal(t, []string{"day_plan", "transport", "butler"}, done[0].AgentsUsed)
}

func TestFormatter_ErrorsDoNotStopSiblings(t *testing.T) {
	ch := make(chan pkg.StreamEvent, 64)
	f := NewFormatter(context.Background(), "s1", ch)

	f.StageStarted(pkg.StageTransport)
	f.StageFailed(pkg.StageTransport, errors.New("route service down"))
	f.StageSkipped(pkg.StageButler, errors.New("dependency failed: transport"))
	f.StageCommitted(pkg.StageDayPlan, pkg.StageResult{RawText: "Day 1"})
	f.Done()

	events := collect(ch)
	errs := ofType(events, pkg.EventError)
	require.Len(t, errs, 2)
	assert.Equal(t, pkg.StageTransport, errs[0].Agent)
	assert.Contains(t, errs[1].Message, "skipped")
	assert.Len(t, ofType(events, pkg.EventAgentComplete), 1)
	assert.Equal(t, pkg.EventDone, events[len(events)-1].Type)
}

func TestFormatter_DropsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan pkg.StreamEvent, 8)
	f := NewFormatter(ctx, "s1", ch)

	f.Start("go")
	cancel()
	f.StageProgress(pkg.StageTourSearch, "late")
	f.Done()

	events := collect(ch)
	require.Len(t, events, 1)
	assert.Equal(t, pkg.EventStart, events[0].Type)
	assert.Equal(t, uint64(1), f.Seq())
}

func TestFormatter_BlockedSendReleasedByCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan pkg.StreamEvent)
	f := NewFormatter(ctx, "s1", ch)

	done := make(chan struct{})
	go func() {
		f.Start("nobody listens")
		close(done)
	}()
	cancel()
	<-done
	assert.Zero(t, f.Seq())
}

func TestDetectContentType(t *testing.T) {
	tests := map[string]string{
		"We recommend the Confucius Temple":  "recommendation",
		"Day 1 itinerary":                    "planning",
		"Take the high-speed train":          "transport",
		"Stay at a hotel near Xinjiekou":     "hotel",
		"Request failed":                     "error",
		"Nanjing is lovely in autumn":        "text",
		"推荐夫子庙":                              "recommendation",
	}
	for in, want := range tests {
		assert.Equal(t, want, DetectContentType(in), in)
	}
}

func TestEncodeAndParse(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	ch := make(chan pkg.StreamEvent, 16)
	f := NewFormatter(context.Background(), "s1", ch)
	f.Start("Planning your trip")
	f.StageCommitted(pkg.StageTourSearch, pkg.StageResult{RawText: "Purple Mountain"})
	f.Error("upstream hiccup")
	f.Done()
	close(ch)
	require.NoError(t, Drain(ch, enc))

	raw := buf.String()
	assert.True(t, strings.HasPrefix(raw, "data: {"))
	assert.Equal(t, 6, strings.Count(raw, "\n\n"))

	var frames []Frame
	require.NoError(t, Parse(strings.NewReader(raw), func(fr Frame) error {
		frames = append(frames, fr)
		return nil
	}))
	require.Len(t, frames, 6)

	assert.Equal(t, "start", frames[0].Type())
	assert.Equal(t, "Planning your trip", frames[0]["message"])
	assert.Equal(t, "agent_start", frames[1].Type())
	assert.Equal(t, "Attraction Scout", frames[1]["agent_name"])
	assert.Equal(t, "content_update", frames[2].Type())
	assert.Equal(t, float64(len("Purple Mountain")), frames[2]["content_length"])
	assert.Equal(t, false, frames[2]["is_incremental"])
	assert.Equal(t, "agent_complete", frames[3].Type())
	assert.Equal(t, "error", frames[4].Type())
	assert.NotContains(t, frames[4], "agent")
	assert.Equal(t, "done", frames[5].Type())
	assert.Equal(t, "Purple Mountain", frames[5]["final_response"])
	assert.Equal(t, []any{"tour_search"}, frames[5]["agents_used"])
	for i, fr := range frames {
		assert.Equal(t, uint64(i+1), fr.Seq())
		assert.Equal(t, "s1", fr["session_id"])
		assert.NotEmpty(t, fr["timestamp"])
	}
}
