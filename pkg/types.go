package pkg

import (
	"slices"
	"time"
)

// ----------------------------------------------------
// ================ Stages ================

// StageName identifies one stage of the planning pipeline. It doubles as the
// state key the stage owns.
type StageName string

const (
	StageNeedCollect      StageName = "need_collect"
	StageTourSearch       StageName = "tour_search"
	StageDayPlan          StageName = "day_plan"
	StageTransport        StageName = "transport"
	StageButler           StageName = "butler"
	StageFinalIntegration StageName = "final_integration"
)

// StageResult is the output a single stage writes into pipeline state.
type StageResult struct {
	Stage      StageName      `json:"stage"`
	RawText    string         `json:"raw_text"`
	Fields     map[string]any `json:"fields,omitempty"`
	ProducedAt time.Time      `json:"produced_at"`
}

// ----------------------------------------------------
// ================ Conversation ================

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a session's conversation history.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Stage     StageName `json:"stage,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ----------------------------------------------------
// ================ Routing ================

type DirectiveKind string

const (
	DirectiveContinue DirectiveKind = "continue"
	DirectiveProceed  DirectiveKind = "proceed"
)

// Directive is the routing decision for one request. A Continue directive
// keeps gathering requirements; a Proceed directive names the stage to
// (re-)enter and the upstream stages whose previous results are reused.
type Directive struct {
	Kind             DirectiveKind `json:"kind"`
	Confirmed        []string      `json:"confirmed,omitempty"`
	PendingQuestions []string      `json:"pending_questions,omitempty"`
	EntryStage       StageName     `json:"entry_stage,omitempty"`
	Skip             []StageName   `json:"skip,omitempty"`
	Reason           string        `json:"reason,omitempty"`
}

func Continue(confirmed, questions []string) Directive {
	return Directive{Kind: DirectiveContinue, Confirmed: confirmed, PendingQuestions: questions}
}

func Proceed(entry StageName, skip ...StageName) Directive {
	return Directive{Kind: DirectiveProceed, EntryStage: entry, Skip: skip}
}

func (d Directive) IsContinue() bool { return d.Kind == DirectiveContinue }

func (d Directive) Skips(stage StageName) bool { return slices.Contains(d.Skip, stage) }

// ----------------------------------------------------
// ================ Stream ================

type EventType string

const (
	EventStart         EventType = "start"
	EventAgentStart    EventType = "agent_start"
	EventContentUpdate EventType = "content_update"
	EventAgentComplete EventType = "agent_complete"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// StreamEvent is one ordered message of the outbound progress stream. Only the
// fields relevant to Type are populated; see Wire for the emitted shape.
type StreamEvent struct {
	Seq       uint64
	Type      EventType
	SessionID string
	Timestamp time.Time

	Message       string
	Agent         StageName
	AgentName     string
	Content       string
	ContentLength int
	IsIncremental bool
	ContentType   string
	FinalResponse string
	AgentsUsed    []string
}

// Wire returns the JSON object sent for the event, with the type-specific
// fields only.
func (e StreamEvent) Wire() map[string]any {
	out := map[string]any{
		"seq":        e.Seq,
		"type":       string(e.Type),
		"session_id": e.SessionID,
		"timestamp":  e.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	switch e.Type {
	case EventStart:
		out["message"] = e.Message
	case EventAgentStart, EventAgentComplete:
		out["agent"] = string(e.Agent)
		out["agent_name"] = e.AgentName
	case EventContentUpdate:
		out["agent"] = string(e.Agent)
		out["agent_name"] = e.AgentName
		out["content"] = e.Content
		out["content_length"] = e.ContentLength
		out["is_incremental"] = e.IsIncremental
		out["content_type"] = e.ContentType
	case EventDone:
		agents := e.AgentsUsed
		if agents == nil {
			agents = []string{}
		}
		out["final_response"] = e.FinalResponse
		out["agents_used"] = agents
	case EventError:
		if e.Agent != "" {
			out["agent"] = string(e.Agent)
		}
		out["message"] = e.Message
	}
	return out
}
