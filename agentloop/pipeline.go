package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/stagehand/capability"
	"github.com/martinemde/stagehand/failure"
	"github.com/martinemde/stagehand/focus"
	"github.com/martinemde/stagehand/unifiedllm"
)

// levelTrace logs full prompts. It matches config.LevelTrace.
const levelTrace = slog.Level(-8)

// Config holds pipeline settings.
type Config struct {
	Model       string
	Provider    string
	Temperature *float64
	MaxTokens   *int

	// Sentinel is scanned verbatim in every stage response.
	Sentinel      string
	BudgetCeiling int
	TokenEncoding string
	// ModelTimeout bounds each stage's model call, retries included.
	ModelTimeout      time.Duration
	MaxAutomatedTurns int
	// LoopDetectionWindow is the number of recent capability calls checked
	// for repetition. Negative disables detection.
	LoopDetectionWindow int
	ResultCharLimits    map[string]int
	ResultCharLimit     int
	Workspace           string
	Prompts             Prompts
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Sentinel:            DefaultSentinel,
		BudgetCeiling:       DefaultBudgetCeiling,
		TokenEncoding:       DefaultEncoding,
		ModelTimeout:        3 * time.Minute,
		MaxAutomatedTurns:   4,
		LoopDetectionWindow: 10,
		ResultCharLimit:     DefaultResultCharLimit,
		Prompts:             DefaultPrompts(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Sentinel == "" {
		c.Sentinel = d.Sentinel
	}
	if c.BudgetCeiling <= 0 {
		c.BudgetCeiling = d.BudgetCeiling
	}
	if c.TokenEncoding == "" {
		c.TokenEncoding = d.TokenEncoding
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = d.ModelTimeout
	}
	if c.MaxAutomatedTurns <= 0 {
		c.MaxAutomatedTurns = d.MaxAutomatedTurns
	}
	if c.LoopDetectionWindow == 0 {
		c.LoopDetectionWindow = d.LoopDetectionWindow
	}
	if c.ResultCharLimit <= 0 {
		c.ResultCharLimit = d.ResultCharLimit
	}
	c.Prompts = c.Prompts.withDefaults()
	return c
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithTokenCounter replaces the counter selected by Config.TokenEncoding.
func WithTokenCounter(c TokenCounter) Option {
	return func(p *Pipeline) { p.counter = c }
}

// WithPending shares the slot the update_focus capability stages into.
func WithPending(pending *focus.Pending) Option {
	return func(p *Pipeline) { p.pending = pending }
}

func WithDispatcher(d *capability.Dispatcher) Option {
	return func(p *Pipeline) { p.dispatcher = d }
}

// Pipeline runs turns of Reasoning, Action and Evaluation stages, with an
// Optimization stage when the TurnBudget exceeds its ceiling. It owns the
// conversation history, the budget, and the only write path to the focus
// store.
type Pipeline struct {
	id         string
	client     unifiedllm.Completer
	registry   *capability.Registry
	dispatcher *capability.Dispatcher
	store      focus.Store
	pending    *focus.Pending
	counter    TokenCounter
	budget     *TurnBudget
	history    History
	signatures []string
	emitter    *EventEmitter
	config     Config
	logger     *slog.Logger
	mu         sync.Mutex
}

// NewPipeline creates a pipeline. A nil cfg uses DefaultConfig.
func NewPipeline(client unifiedllm.Completer, registry *capability.Registry, store focus.Store, cfg *Config, opts ...Option) *Pipeline {
	c := DefaultConfig()
	if cfg != nil {
		c = cfg.withDefaults()
	}
	if registry == nil {
		registry = capability.NewRegistry()
	}
	if store == nil {
		store = &focus.MemoryStore{}
	}

	id := uuid.New().String()
	p := &Pipeline{
		id:       id,
		client:   client,
		registry: registry,
		store:    store,
		budget:   NewTurnBudget(c.BudgetCeiling),
		emitter:  NewEventEmitter(id, 256),
		config:   c,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.pending == nil {
		p.pending = &focus.Pending{}
	}
	if p.dispatcher == nil {
		p.dispatcher = capability.NewDispatcher(registry, capability.WithLogger(p.logger))
	}
	if p.counter == nil {
		p.counter = NewTokenCounter(c.TokenEncoding, p.logger)
	}
	return p
}

// ID returns the pipeline identifier.
func (p *Pipeline) ID() string { return p.id }

// History returns a copy of the conversation history.
func (p *Pipeline) History() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history.Records()
}

// Budget returns the current TurnBudget value.
func (p *Pipeline) Budget() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.budget.Used()
}

// Events returns the event channel for the host application.
func (p *Pipeline) Events() <-chan Event {
	return p.emitter.Events()
}

// Close closes the event channel.
func (p *Pipeline) Close() {
	p.emitter.Close()
}

// Run executes a user turn followed by automated turns until a turn
// decides to stop or maxTurns turns have run. maxTurns <= 0 uses
// Config.MaxAutomatedTurns.
func (p *Pipeline) Run(ctx context.Context, userInput string, maxTurns int) ([]TurnReport, error) {
	if maxTurns <= 0 {
		maxTurns = p.config.MaxAutomatedTurns
	}
	var reports []TurnReport
	input := userInput
	for range maxTurns {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report := p.RunTurn(ctx, input)
		reports = append(reports, report)
		if report.Decision == Stop {
			break
		}
		input = ""
	}
	return reports, nil
}

// RunTurn runs every stage of one turn and returns its decision. An empty
// userInput runs an automated turn. Stage failures are recorded in the
// report and the history; they never end the turn early.
func (p *Pipeline) RunTurn(ctx context.Context, userInput string) TurnReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	turnID := uuid.New().String()
	report := TurnReport{TurnID: turnID, Decision: Continue}
	p.emitter.Emit(EventTurnStart, turnID, "", map[string]any{"input": userInput})

	if _, stale := p.pending.Take(); stale {
		p.logger.Warn("discarding focus update staged outside evaluation", "turn", turnID)
	}
	if strings.TrimSpace(userInput) != "" {
		p.history.append(RoleUser, "", userInput)
	}
	p.budget.Add(p.counter.Count(userInput))

	in := promptInputs{
		userText:     userInput,
		focus:        p.store.Read(ctx).String(),
		capabilities: p.registry.DescribeAll(),
		sentinel:     p.config.Sentinel,
	}
	if strings.TrimSpace(userInput) == "" {
		in.userText = ""
		in.lastUser = p.history.lastUserText()
	}
	report.Stages = append(report.Stages, p.runStage(ctx, turnID, StageReasoning, p.config.Prompts.Reasoning, reasoningPrompt(in), true))

	in.history = p.history.Render()
	report.Stages = append(report.Stages, p.runStage(ctx, turnID, StageAction, p.config.Prompts.Action, actionPrompt(in), true))

	in.history = p.history.Render()
	report.Stages = append(report.Stages, p.runStage(ctx, turnID, StageEvaluation, p.config.Prompts.Evaluation, evaluationPrompt(in), true))

	p.commitFocus(ctx, turnID)

	for _, s := range report.Stages {
		p.budget.Add(s.Tokens)
		if s.Sentinel {
			report.Decision = Stop
		}
	}

	if p.budget.Exceeded() {
		p.logger.Info("turn budget exceeded, compacting history",
			"turn", turnID, "budget", p.budget.Used(), "ceiling", p.budget.Ceiling())
		opt, compacted := p.optimize(ctx, turnID)
		report.Stages = append(report.Stages, opt)
		report.Compacted = compacted
	}

	if report.Decision == Stop {
		p.emitter.Emit(EventTermination, turnID, "", nil)
	}
	report.BudgetAfter = p.budget.Used()
	p.emitter.Emit(EventTurnEnd, turnID, "", map[string]any{
		"decision":  string(report.Decision),
		"compacted": report.Compacted,
		"budget":    report.BudgetAfter,
	})
	p.logger.Info("turn completed",
		"turn", turnID,
		"decision", report.Decision,
		"budget", report.BudgetAfter,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return report
}

// runStage performs one model call, records its output and dispatches the
// capability calls it requested.
func (p *Pipeline) runStage(ctx context.Context, turnID string, stage Stage, instruction, prompt string, withTools bool) StageReport {
	start := time.Now()
	report := StageReport{Stage: stage}
	p.emitter.Emit(EventStageStart, turnID, stage, nil)
	p.logger.Log(ctx, levelTrace, "stage prompt", "turn", turnID, "stage", stage, "prompt", prompt)

	resp, ferr := p.complete(ctx, stage, instruction, prompt, withTools)
	if ferr != nil {
		report.Failure = ferr
		report.Duration = time.Since(start)
		p.logger.Warn("stage failed", "turn", turnID, "stage", stage, "kind", ferr.Kind, "error", ferr)
		p.history.append(RoleNote, stage, fmt.Sprintf("%s stage failed: %s", stage.Label(), ferr.Error()))
		p.emitter.Emit(EventError, turnID, stage, map[string]any{"kind": string(ferr.Kind), "error": ferr.Error()})
		p.emitter.Emit(EventStageEnd, turnID, stage, map[string]any{"ok": false})
		return report
	}

	raw := resp.FullText()
	p.logger.Log(ctx, levelTrace, "stage response", "turn", turnID, "stage", stage, "response", raw)
	report.Text = strings.TrimSpace(resp.Text())
	report.Sentinel = strings.Contains(raw, p.config.Sentinel)
	report.Tokens = p.counter.Count(raw)

	text := report.Text
	if text == "" {
		text = "(no text)"
	}
	p.history.append(RoleStage, stage, text)

	if withTools {
		report.Results = p.dispatch(ctx, turnID, stage, resp)
	}
	report.Duration = time.Since(start)
	p.emitter.Emit(EventStageEnd, turnID, stage, map[string]any{
		"ok":       true,
		"text":     report.Text,
		"calls":    len(report.Results),
		"sentinel": report.Sentinel,
	})
	p.logger.Debug("stage completed", "turn", turnID, "stage", stage,
		"calls", len(report.Results), "tokens", report.Tokens, "sentinel", report.Sentinel,
		"elapsed", report.Duration.Round(time.Millisecond))
	return report
}

// complete calls the model. Every error is returned as a typed failure.
func (p *Pipeline) complete(ctx context.Context, stage Stage, instruction, prompt string, withTools bool) (*unifiedllm.Response, *failure.Error) {
	req := unifiedllm.Request{
		Model:    p.config.Model,
		Provider: p.config.Provider,
		Messages: []unifiedllm.Message{
			unifiedllm.SystemMessage(instruction + "\n\n" + environmentContext(p.config.Workspace, p.config.Model)),
			unifiedllm.UserMessage(prompt),
		},
		Temperature: p.config.Temperature,
		MaxTokens:   p.config.MaxTokens,
		Metadata:    map[string]string{"stage": string(stage), "pipeline": p.id},
	}
	if withTools {
		if defs := p.toolDefinitions(stage); len(defs) > 0 {
			req.ToolDefs = defs
			req.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.config.ModelTimeout)
	defer cancel()

	resp, err := p.client.Complete(callCtx, req)
	if err != nil {
		kind := failure.ModelCallError
		if unifiedllm.IsTimeout(err) || (errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil) {
			kind = failure.Timeout
		}
		return nil, failure.Wrap(kind, err, "%s model call failed", stage)
	}
	if resp == nil || (strings.TrimSpace(resp.FullText()) == "" && len(resp.ToolCalls()) == 0) {
		return nil, failure.New(failure.ModelCallError, "%s model call returned an empty response", stage)
	}
	return resp, nil
}

// toolDefinitions lists the capabilities offered to stage. Only Evaluation
// is offered update_focus.
func (p *Pipeline) toolDefinitions(stage Stage) []unifiedllm.ToolDefinition {
	defs := p.registry.ToolDefinitions()
	if stage == StageEvaluation {
		return defs
	}
	out := defs[:0:0]
	for _, d := range defs {
		if d.Name != focus.UpdateCapabilityName {
			out = append(out, d)
		}
	}
	return out
}

// dispatch executes the calls in resp in order and appends each result,
// truncated, to the history.
func (p *Pipeline) dispatch(ctx context.Context, turnID string, stage Stage, resp *unifiedllm.Response) []capability.Result {
	if stage == StageEvaluation {
		ctx = focus.AllowUpdates(ctx)
	}
	requests := capability.Requests(resp)
	results := make([]capability.Result, 0, len(requests))
	for _, req := range requests {
		p.emitter.Emit(EventCapabilityCallStart, turnID, stage, map[string]any{
			"name":      req.Name,
			"call_id":   req.ID,
			"arguments": string(req.Arguments),
		})

		res := p.dispatcher.Execute(ctx, req)
		results = append(results, res)
		output := res.Output()

		// The event stream carries the full output; the history gets it truncated.
		p.emitter.Emit(EventCapabilityCallEnd, turnID, stage, map[string]any{
			"name":        res.Name,
			"call_id":     res.CallID,
			"ok":          res.OK(),
			"output":      output,
			"duration_ms": res.Duration.Milliseconds(),
		})

		truncated := TruncateResult(output, res.Name, p.config.ResultCharLimits, p.config.ResultCharLimit)
		if res.OK() {
			p.history.append(RoleTool, stage, fmt.Sprintf("%s succeeded:\n%s", res.Name, truncated))
		} else {
			p.history.append(RoleTool, stage, fmt.Sprintf("%s failed: %s", res.Name, truncated))
		}
		p.recordCall(turnID, stage, req)
	}
	return results
}

// recordCall tracks call signatures and warns the model once the recent
// calls repeat.
func (p *Pipeline) recordCall(turnID string, stage Stage, req capability.Request) {
	window := p.config.LoopDetectionWindow
	if window < 0 {
		return
	}
	p.signatures = append(p.signatures, callSignature(req.Name, req.Arguments))
	if len(p.signatures) > window {
		p.signatures = p.signatures[len(p.signatures)-window:]
	}
	if !DetectLoop(p.signatures, window) {
		return
	}
	warning := fmt.Sprintf("Loop detected: the last %d capability calls follow a repeating pattern. Try a different approach.", window)
	p.history.append(RoleNote, stage, warning)
	p.emitter.Emit(EventLoopDetection, turnID, stage, map[string]any{"message": warning})
	p.logger.Warn("capability loop detected", "turn", turnID, "window", window)
	p.signatures = p.signatures[:0]
}

// commitFocus persists the focus update staged during this turn, if any.
func (p *Pipeline) commitFocus(ctx context.Context, turnID string) {
	state, ok := p.pending.Take()
	if !ok {
		return
	}
	if err := p.store.Write(ctx, state); err != nil {
		ferr := failure.From(err, failure.Persistence, "commit focus")
		p.logger.Error("focus commit failed", "turn", turnID, "error", ferr)
		p.history.append(RoleNote, StageEvaluation, "Focus update was not saved: "+ferr.Error())
		p.emitter.Emit(EventError, turnID, StageEvaluation, map[string]any{"kind": string(ferr.Kind), "error": ferr.Error()})
		return
	}
	p.emitter.Emit(EventFocusCommitted, turnID, StageEvaluation, map[string]any{
		"current_focus":  state.CurrentFocus,
		"progress":       state.Progress,
		"should_defocus": state.ShouldDefocus,
	})
}

// optimize asks the model to summarize the history. On success the history
// is replaced by the latest user record and the summary, and the budget is
// reset.
func (p *Pipeline) optimize(ctx context.Context, turnID string) (StageReport, bool) {
	in := promptInputs{history: p.history.Render(), focus: p.store.Read(ctx).String()}
	report := p.runStage(ctx, turnID, StageOptimization, p.config.Prompts.Optimization, optimizationPrompt(in), false)
	if !report.OK() {
		return report, false
	}
	if report.Text == "" {
		report.Failure = failure.New(failure.ModelCallError, "optimization returned no summary")
		p.history.append(RoleNote, StageOptimization, "Optimization stage failed: "+report.Failure.Error())
		return report, false
	}

	before, records := p.budget.Used(), p.history.Len()
	var kept []Record
	// Automated turns after compaction still need the request they serve.
	if user, ok := p.history.lastUser(); ok {
		kept = append(kept, user)
	}
	kept = append(kept, Record{
		Role:  RoleNote,
		Stage: StageOptimization,
		Text:  "Summary of the conversation so far:\n" + report.Text,
		Time:  time.Now(),
	})
	p.history.replace(kept)
	p.budget.Reset()
	p.signatures = p.signatures[:0]
	p.emitter.Emit(EventCompaction, turnID, StageOptimization, map[string]any{
		"budget_before":  before,
		"records_before": records,
	})
	return report, true
}
