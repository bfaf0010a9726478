package agentloop

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// DefaultSentinel marks a stage response that declares the user's goal met.
const DefaultSentinel = "***STOP!FINISHED***"

// Prompts holds the instruction text of each stage.
type Prompts struct {
	Reasoning    string `yaml:"reasoning"`
	Action       string `yaml:"action"`
	Evaluation   string `yaml:"evaluation"`
	Optimization string `yaml:"optimization"`
}

// DefaultPrompts returns the built-in stage instructions.
func DefaultPrompts() Prompts {
	return Prompts{
		Reasoning: "You are the reasoning stage of a multi-stage assistant. " +
			"Work out what the user wants, break the goal into concrete tasks and decide what to do next. " +
			"Call capabilities when you are missing information. " +
			"State the goal and the task list plainly; the evaluation stage records them in the focus.",
		Action: "You are the action stage. Take the next logical step toward the goal using the conversation so far. " +
			"Prefer calling capabilities over describing what you would do.",
		Evaluation: "You are the evaluation stage. Describe what has been accomplished and what remains. " +
			"Call update_focus with the complete, current focus: every field you omit is cleared.",
		Optimization: "Summarize the conversation for your own later use. " +
			"Keep the user's goal, the decisions made, data obtained and open tasks. " +
			"Drop raw capability output that is no longer needed.",
	}
}

func (p Prompts) withDefaults() Prompts {
	d := DefaultPrompts()
	if p.Reasoning == "" {
		p.Reasoning = d.Reasoning
	}
	if p.Action == "" {
		p.Action = d.Action
	}
	if p.Evaluation == "" {
		p.Evaluation = d.Evaluation
	}
	if p.Optimization == "" {
		p.Optimization = d.Optimization
	}
	return p
}

// environmentContext describes where the pipeline runs.
func environmentContext(workspace, model string) string {
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	if workspace != "" {
		fmt.Fprintf(&sb, "Workspace: %s\n", workspace)
	}
	fmt.Fprintf(&sb, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// promptInputs is everything a stage prompt may draw on.
type promptInputs struct {
	userText     string
	lastUser     string
	focus        string
	capabilities string
	history      string
	sentinel     string
}

func reasoningPrompt(in promptInputs) string {
	var sb strings.Builder
	if strings.TrimSpace(in.userText) == "" {
		sb.WriteString("User message: (none; continue working toward the goal)\n\n")
		if in.lastUser != "" {
			fmt.Fprintf(&sb, "Last user message:\n%s\n\n", in.lastUser)
		}
	} else {
		fmt.Fprintf(&sb, "User message:\n%s\n\n", in.userText)
	}
	fmt.Fprintf(&sb, "Focus:\n%s\n\n", in.focus)
	fmt.Fprintf(&sb, "Available capabilities:\n%s", in.capabilities)
	return sb.String()
}

func actionPrompt(in promptInputs) string {
	return fmt.Sprintf("Conversation:\n%s\n\nTake the next step according to the logical order of the tasks.", in.history)
}

func evaluationPrompt(in promptInputs) string {
	return fmt.Sprintf("Conversation:\n%s\n\nFocus:\n%s\n\n"+
		"Update the focus and describe what has been accomplished. "+
		"If and only if the user's goal is fully satisfied, include this exact marker in your reply: %s",
		in.history, in.focus, in.sentinel)
}

func optimizationPrompt(in promptInputs) string {
	return fmt.Sprintf("Conversation:\n%s\n\nFocus:\n%s", in.history, in.focus)
}
