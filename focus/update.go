package focus

import (
	"context"
	"fmt"
	"sync"

	"github.com/martinemde/stagehand/capability"
	"github.com/martinemde/stagehand/failure"
)

// Pending holds a staged focus update until the pipeline commits it. Only
// the latest staged state survives.
type Pending struct {
	mu    sync.Mutex
	state *State
}

// Stage records s as the next state to persist.
func (p *Pending) Stage(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s = s.Normalized()
	p.state = &s
}

// Take returns the staged state and clears the slot.
func (p *Pending) Take() (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil {
		return State{}, false
	}
	s := *p.state
	p.state = nil
	return s, true
}

// Peek returns the staged state without clearing it.
func (p *Pending) Peek() (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil {
		return State{}, false
	}
	return *p.state, true
}

type updateArgs struct {
	CurrentFocus    string   `json:"current_focus" jsonschema:"description=What the agent is working on right now"`
	UserGoal        string   `json:"user_goal" jsonschema:"description=The overall goal the user wants to achieve"`
	TaskList        []string `json:"task_list,omitempty" jsonschema:"description=Every task needed to reach the goal"`
	TasksInProgress []string `json:"tasks_in_progress,omitempty"`
	FinishedTasks   []string `json:"finished_tasks,omitempty"`
	FailedTasks     []string `json:"failed_tasks,omitempty"`
	Progress        float64  `json:"progress,omitempty" jsonschema:"description=Progress toward the goal from 0 to 1"`
	ShouldDefocus   bool     `json:"should_defocus,omitempty" jsonschema:"description=True when the current focus should be dropped"`
	ObtainedData    string   `json:"obtained_data,omitempty"`
	AdditionalInfo  string   `json:"additional_info,omitempty"`
}

// UpdateCapabilityName is the name of the capability that stages focus
// updates.
const UpdateCapabilityName = "update_focus"

type updatesKey struct{}

// AllowUpdates returns a context under which update_focus stages updates.
// The pipeline grants it only while dispatching the Evaluation stage.
func AllowUpdates(ctx context.Context) context.Context {
	return context.WithValue(ctx, updatesKey{}, true)
}

func updatesAllowed(ctx context.Context) bool {
	ok, _ := ctx.Value(updatesKey{}).(bool)
	return ok
}

// Module returns the capability module that exposes update_focus. The
// capability stages a complete replacement state in pending; fields the
// model omits are reset to their zero value rather than merged. Calls made
// without AllowUpdates, or after the call's context is done, stage nothing.
func Module(pending *Pending) capability.Module {
	return capability.NewModule("focus", func() ([]*capability.Capability, error) {
		c, err := capability.Func(UpdateCapabilityName,
			"Replace the focus record: current focus, user goal, task lists, progress (0..1) and whether to defocus. Send every field you want to keep.",
			"focus",
			func(ctx context.Context, a updateArgs) (any, error) {
				if !updatesAllowed(ctx) {
					return nil, failure.New(failure.ExecutionError, "the focus can only be updated during the evaluation stage")
				}
				s := State{
					CurrentFocus:    a.CurrentFocus,
					UserGoal:        a.UserGoal,
					TaskList:        a.TaskList,
					TasksInProgress: a.TasksInProgress,
					FinishedTasks:   a.FinishedTasks,
					FailedTasks:     a.FailedTasks,
					Progress:        a.Progress,
					ShouldDefocus:   a.ShouldDefocus,
					ObtainedData:    a.ObtainedData,
					AdditionalInfo:  a.AdditionalInfo,
				}
				if err := s.Validate(); err != nil {
					return nil, failure.Wrap(failure.InvalidArgs, err, "rejected focus update")
				}
				// A call that outlived its timeout was already reported as failed.
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				pending.Stage(s)
				return fmt.Sprintf("focus staged: %q (progress %.2f, defocus %v)", s.CurrentFocus, s.Progress, s.ShouldDefocus), nil
			})
		if err != nil {
			return nil, err
		}
		return []*capability.Capability{c}, nil
	})
}
