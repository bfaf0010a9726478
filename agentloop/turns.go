package agentloop

import (
	"strings"
	"time"

	"github.com/martinemde/stagehand/capability"
	"github.com/martinemde/stagehand/failure"
)

// Stage names one model call of a turn.
type Stage string

const (
	StageReasoning    Stage = "reasoning"
	StageAction       Stage = "action"
	StageEvaluation   Stage = "evaluation"
	StageOptimization Stage = "optimization"
)

// Label is the name a stage's output carries in the rendered history.
func (s Stage) Label() string {
	switch s {
	case StageReasoning:
		return "Reasoning"
	case StageAction:
		return "Action"
	case StageEvaluation:
		return "Evaluation"
	case StageOptimization:
		return "Optimization"
	}
	return string(s)
}

// Role tags a history record.
type Role string

const (
	RoleUser  Role = "user"
	RoleStage Role = "stage"
	RoleTool  Role = "tool"
	RoleNote  Role = "note"
)

// Record is a single entry in the conversation history.
type Record struct {
	Role  Role      `json:"role"`
	Stage Stage     `json:"stage,omitempty"`
	Text  string    `json:"text"`
	Time  time.Time `json:"time"`
}

// Render formats the record as one history line.
func (r Record) Render() string {
	switch r.Role {
	case RoleUser:
		return "User: " + r.Text
	case RoleStage:
		return r.Stage.Label() + ": " + r.Text
	case RoleTool:
		return "Tool: " + r.Text
	default:
		return "Note: " + r.Text
	}
}

// History is the ordered conversation record of a pipeline. It is
// append-only except for compaction, which replaces it with the latest user
// record and a summary.
type History struct {
	records []Record
}

func (h *History) append(role Role, stage Stage, text string) {
	h.records = append(h.records, Record{Role: role, Stage: stage, Text: text, Time: time.Now()})
}

func (h *History) replace(records []Record) {
	h.records = append([]Record(nil), records...)
}

// Records returns a copy of the records.
func (h *History) Records() []Record {
	return append([]Record(nil), h.records...)
}

// Len returns the number of records.
func (h *History) Len() int { return len(h.records) }

// Render returns the history as newline-separated lines.
func (h *History) Render() string {
	lines := make([]string, len(h.records))
	for i, r := range h.records {
		lines[i] = r.Render()
	}
	return strings.Join(lines, "\n")
}

// lastUser returns the most recent non-empty user record.
func (h *History) lastUser() (Record, bool) {
	for i := len(h.records) - 1; i >= 0; i-- {
		if h.records[i].Role == RoleUser && strings.TrimSpace(h.records[i].Text) != "" {
			return h.records[i], true
		}
	}
	return Record{}, false
}

// lastUserText returns the most recent non-empty user input.
func (h *History) lastUserText() string {
	r, _ := h.lastUser()
	return r.Text
}

// Decision is the outcome of a turn.
type Decision string

const (
	// Continue runs another automated turn.
	Continue Decision = "continue"
	// Stop returns control to the user.
	Stop Decision = "stop"
)

// StageReport describes one executed stage.
type StageReport struct {
	Stage    Stage
	Text     string
	Results  []capability.Result
	Failure  *failure.Error
	Sentinel bool
	Tokens   int
	Duration time.Duration
}

// OK reports whether the stage's model call succeeded.
func (r StageReport) OK() bool { return r.Failure == nil }

// TurnReport describes one executed turn.
type TurnReport struct {
	TurnID    string
	Decision  Decision
	Stages    []StageReport
	Compacted bool
	// BudgetAfter is the TurnBudget value once the turn finished.
	BudgetAfter int
}

// Stage returns the report for s, if it ran.
func (t TurnReport) Stage(s Stage) (StageReport, bool) {
	for _, r := range t.Stages {
		if r.Stage == s {
			return r, true
		}
	}
	return StageReport{}, false
}
