// Package focus persists the agent's focus: the current goal, the task
// lists, progress and the defocus flag. The record is read by every stage
// and fully replaced, never merged, on write.
package focus

import (
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// State is the persisted focus record.
type State struct {
	CurrentFocus    string   `json:"current_focus" validate:"utf8"`
	UserGoal        string   `json:"user_goal" validate:"utf8"`
	TaskList        []string `json:"task_list" validate:"dive,utf8"`
	TasksInProgress []string `json:"tasks_in_progress" validate:"dive,utf8"`
	FinishedTasks   []string `json:"finished_tasks" validate:"dive,utf8"`
	FailedTasks     []string `json:"failed_tasks" validate:"dive,utf8"`
	Progress        float64  `json:"progress" validate:"gte=0,lte=1"`
	ShouldDefocus   bool     `json:"should_defocus"`

	ObtainedData   string `json:"obtained_data,omitempty" validate:"utf8"`
	AdditionalInfo string `json:"additional_info,omitempty" validate:"utf8"`
}

// RequiredKeys are the keys every persisted record must carry.
var RequiredKeys = []string{
	"current_focus",
	"user_goal",
	"task_list",
	"tasks_in_progress",
	"finished_tasks",
	"failed_tasks",
	"progress",
	"should_defocus",
}

var validate = newValidator()

// newValidator adds the utf8 tag: JSON encoding would silently replace
// invalid bytes, so they are rejected before a write.
func newValidator() *validator.Validate {
	v := validator.New()
	err := v.RegisterValidation("utf8", func(fl validator.FieldLevel) bool {
		return utf8.ValidString(fl.Field().String())
	})
	if err != nil {
		panic(err)
	}
	return v
}

// Default returns the empty focus used when nothing valid is persisted.
func Default() State {
	return State{}.Normalized()
}

// Normalized returns the canonical form of s: nil slices become empty
// ones, so the encoded record always carries every key as a list. A Store
// Read after Write(s) returns s.Normalized().
func (s State) Normalized() State {
	s.TaskList = nonNil(s.TaskList)
	s.TasksInProgress = nonNil(s.TasksInProgress)
	s.FinishedTasks = nonNil(s.FinishedTasks)
	s.FailedTasks = nonNil(s.FailedTasks)
	return s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string{}, s...)
}

// Validate checks field constraints.
func (s State) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid focus state: %w", err)
	}
	return nil
}

// Encode serializes s as the persisted JSON document.
func Encode(s State) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.MarshalIndent(s.Normalized(), "", "  ")
}

// Decode parses a persisted document. A document missing a required key or
// failing validation is rejected.
func Decode(data []byte) (State, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return State{}, fmt.Errorf("parse focus state: %w", err)
	}
	var missing []string
	for _, k := range RequiredKeys {
		if _, ok := keys[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return State{}, fmt.Errorf("focus state missing keys %v", missing)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("parse focus state: %w", err)
	}
	if err := s.Validate(); err != nil {
		return State{}, err
	}
	return s.Normalized(), nil
}

// String renders the state as indented JSON for prompts.
func (s State) String() string {
	data, err := json.MarshalIndent(s.Normalized(), "", "  ")
	if err != nil {
		type plain State
		return fmt.Sprintf("%+v", plain(s))
	}
	return string(data)
}
