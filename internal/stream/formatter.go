// Package stream turns pipeline execution events into an ordered, deduplicated
// sequence of typed stream events.
package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"trip_planner/pkg"
)

var displayNames = map[pkg.StageName]string{
	pkg.StageNeedCollect:      "Trip Consultant",
	pkg.StageTourSearch:       "Attraction Scout",
	pkg.StageDayPlan:          "Itinerary Planner",
	pkg.StageTransport:        "Transport & Lodging Advisor",
	pkg.StageButler:           "Travel Butler",
	pkg.StageFinalIntegration: "Guide Editor",
}

// DisplayName returns the human readable name of a stage.
func DisplayName(stage pkg.StageName) string {
	if name, ok := displayNames[stage]; ok {
		return name
	}
	return string(stage)
}

var contentTypes = []struct {
	kind     string
	keywords []string
}{
	{"error", []string{"error", "failed", "错误", "失败"}},
	{"recommendation", []string{"recommend", "attraction", "sightseeing", "推荐", "景点", "风景", "游览"}},
	{"planning", []string{"itinerary", "schedule", "day 1", "行程", "计划", "安排", "规划"}},
	{"transport", []string{"train", "flight", "bus", "metro", "transport", "交通", "车票", "飞机", "火车"}},
	{"hotel", []string{"hotel", "lodging", "hostel", "酒店", "住宿", "宾馆", "民宿"}},
}

// DetectContentType classifies text by keyword, falling back to "text".
func DetectContentType(content string) string {
	lower := strings.ToLower(content)
	for _, ct := range contentTypes {
		for _, kw := range ct.keywords {
			if strings.Contains(lower, kw) {
				return ct.kind
			}
		}
	}
	return "text"
}

// Formatter observes one run and writes events to out. Sequence numbers are
// assigned under the same lock that performs the send, so seq order is
// channel order. Once ctx is done every further event is dropped.
type Formatter struct {
	ctx       context.Context
	out       chan<- pkg.StreamEvent
	sessionID string
	now       func() time.Time

	mu        sync.Mutex
	seq       uint64
	started   map[pkg.StageName]bool
	lastLen   map[pkg.StageName]int
	agents    []string
	final     string
	finalSet  bool
	completed map[pkg.StageName]bool
}

func NewFormatter(ctx context.Context, sessionID string, out chan<- pkg.StreamEvent) *Formatter {
	return &Formatter{
		ctx:       ctx,
		out:       out,
		sessionID: sessionID,
		now:       time.Now,
		started:   make(map[pkg.StageName]bool),
		lastLen:   make(map[pkg.StageName]int),
		completed: make(map[pkg.StageName]bool),
	}
}

// emit must be called with f.mu held.
func (f *Formatter) emit(ev pkg.StreamEvent) bool {
	if f.ctx.Err() != nil {
		return false
	}
	ev.Seq = f.seq + 1
	ev.SessionID = f.sessionID
	ev.Timestamp = f.now()

	select {
	case f.out <- ev:
		f.seq = ev.Seq
		return true
	case <-f.ctx.Done():
		log.Debug().Str("session_id", f.sessionID).Str("type", string(ev.Type)).Msg("Dropped stream event after cancel")
		return false
	}
}

// Start emits the opening bracket event.
func (f *Formatter) Start(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit(pkg.StreamEvent{Type: pkg.EventStart, Message: message})
}

func (f *Formatter) startLocked(stage pkg.StageName) {
	if f.started[stage] {
		return
	}
	f.started[stage] = true
	f.agents = append(f.agents, string(stage))
	f.emit(pkg.StreamEvent{Type: pkg.EventAgentStart, Agent: stage, AgentName: DisplayName(stage)})
}

func (f *Formatter) StageStarted(stage pkg.StageName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startLocked(stage)
}

// updateLocked emits a content update only when text is strictly longer than
// the last emitted text of the stage.
func (f *Formatter) updateLocked(stage pkg.StageName, text string) {
	f.startLocked(stage)
	prev := f.lastLen[stage]
	if len(text) <= prev {
		return
	}
	ev := pkg.StreamEvent{
		Type:          pkg.EventContentUpdate,
		Agent:         stage,
		AgentName:     DisplayName(stage),
		Content:       text,
		ContentLength: len(text),
		IsIncremental: prev > 0,
		ContentType:   DetectContentType(text),
	}
	if f.emit(ev) {
		f.lastLen[stage] = len(text)
	}
}

func (f *Formatter) StageProgress(stage pkg.StageName, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateLocked(stage, text)
}

// StageCommitted flushes the final text of the stage, records it as a final
// response candidate and closes the stage.
func (f *Formatter) StageCommitted(stage pkg.StageName, res pkg.StageResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateLocked(stage, res.RawText)
	if !f.finalSet || len(res.RawText) >= len(f.final) {
		f.final = res.RawText
		f.finalSet = true
	}
	if !f.completed[stage] {
		f.completed[stage] = true
		f.emit(pkg.StreamEvent{Type: pkg.EventAgentComplete, Agent: stage, AgentName: DisplayName(stage)})
	}
}

func (f *Formatter) StageFailed(stage pkg.StageName, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit(pkg.StreamEvent{Type: pkg.EventError, Agent: stage, AgentName: DisplayName(stage), Message: err.Error()})
}

func (f *Formatter) StageSkipped(stage pkg.StageName, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit(pkg.StreamEvent{
		Type:      pkg.EventError,
		Agent:     stage,
		AgentName: DisplayName(stage),
		Message:   "skipped: " + cause.Error(),
	})
}

// Error emits an error that is not tied to a stage.
func (f *Formatter) Error(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit(pkg.StreamEvent{Type: pkg.EventError, Message: message})
}

// Done emits the closing bracket event with the longest stage text of the run.
func (f *Formatter) Done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit(pkg.StreamEvent{
		Type:          pkg.EventDone,
		FinalResponse: f.final,
		AgentsUsed:    append([]string(nil), f.agents...),
	})
}

// FinalResponse returns the current final response candidate.
func (f *Formatter) FinalResponse() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.final
}

// Seq returns the last emitted sequence number.
func (f *Formatter) Seq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}
