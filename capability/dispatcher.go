package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/martinemde/stagehand/failure"
	"github.com/martinemde/stagehand/unifiedllm"
)

// DefaultCallTimeout bounds a single capability call.
const DefaultCallTimeout = 30 * time.Second

// Request is one capability invocation request extracted from a response.
type Request struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Result is the outcome of one Request: a value on success, a typed
// failure otherwise.
type Result struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
	Value     any
	Failure   *failure.Error
	Duration  time.Duration
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Failure == nil }

// Output renders the result as text for the conversation history.
func (r Result) Output() string {
	if r.Failure != nil {
		return r.Failure.Error()
	}
	switch v := r.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	data, err := json.Marshal(r.Value)
	if err != nil {
		return fmt.Sprintf("%v", r.Value)
	}
	return string(data)
}

// Dispatcher executes the capability calls found in model responses.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithCallTimeout sets the default per-call timeout.
func WithCallTimeout(d time.Duration) DispatcherOption {
	return func(x *Dispatcher) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(x *Dispatcher) {
		if l != nil {
			x.logger = l
		}
	}
}

// NewDispatcher creates a Dispatcher over registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		timeout:  DefaultCallTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Requests extracts the call requests of resp in the order they appear.
// Structured tool-call parts are taken as they are; text parts are scanned
// for embedded JSON call requests.
func Requests(resp *unifiedllm.Response) []Request {
	if resp == nil {
		return nil
	}
	var reqs []Request
	for _, part := range resp.Message.Content {
		switch part.Kind {
		case unifiedllm.ContentToolCall:
			if part.ToolCall != nil {
				reqs = append(reqs, Request{ID: part.ToolCall.ID, Name: part.ToolCall.Name, Arguments: part.ToolCall.Arguments})
			}
		case unifiedllm.ContentText:
			calls, _ := unifiedllm.ExtractToolCalls(part.Text)
			for _, c := range calls {
				reqs = append(reqs, Request{ID: c.ID, Name: c.Name, Arguments: c.Arguments})
			}
		}
	}
	return reqs
}

// Dispatch executes every call request in resp sequentially, in order, and
// returns exactly one Result per request.
func (d *Dispatcher) Dispatch(ctx context.Context, resp *unifiedllm.Response) []Result {
	reqs := Requests(resp)
	results := make([]Result, 0, len(reqs))
	for _, req := range reqs {
		results = append(results, d.Execute(ctx, req))
	}
	return results
}

// Execute runs a single request. It never panics and never returns an
// untyped error: every outcome is carried in the Result.
func (d *Dispatcher) Execute(ctx context.Context, req Request) Result {
	start := time.Now()
	res := Result{CallID: req.ID, Name: req.Name, Arguments: req.Arguments}
	if res.CallID == "" {
		res.CallID = unifiedllm.NewCallID()
	}

	finish := func() Result {
		res.Duration = time.Since(start)
		if res.Failure != nil {
			d.logger.Warn("capability call failed",
				"name", req.Name,
				"call_id", res.CallID,
				"kind", res.Failure.Kind,
				"error", res.Failure.Message,
			)
		} else {
			d.logger.Debug("capability call succeeded", "name", req.Name, "call_id", res.CallID, "elapsed", res.Duration)
		}
		return res
	}

	c, ok := d.registry.Get(req.Name)
	if !ok {
		res.Failure = failure.New(failure.NotFound, "capability '%s' not registered", req.Name)
		return finish()
	}

	args, err := decodeArguments(req.Arguments)
	if err == nil {
		args, err = coerceArguments(c.Descriptor, args)
	}
	if err == nil {
		err = validate(c, args)
	}
	if err != nil {
		res.Failure = failure.From(err, failure.InvalidArgs, "invalid arguments")
		return finish()
	}

	timeout := d.timeout
	if c.Timeout > 0 {
		timeout = c.Timeout
	}
	res.Value, err = invoke(ctx, c, args, timeout)
	if err != nil {
		res.Failure = failure.From(err, failure.ExecutionError, "capability '%s' failed", req.Name)
	}
	return finish()
}

func validate(c *Capability, args map[string]any) error {
	if c.validator == nil {
		return nil
	}
	if err := c.validator.Validate(args); err != nil {
		return failure.Wrap(failure.InvalidArgs, err, "arguments do not match %s", c.Descriptor.Signature())
	}
	return nil
}

type panicError struct {
	value any
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// invoke runs the handler inside a failure boundary bounded by timeout.
func invoke(ctx context.Context, c *Capability, args map[string]any, timeout time.Duration) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &panicError{value: r}}
			}
		}()
		v, err := c.handler(callCtx, args)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			var pe *panicError
			if errors.As(o.err, &pe) {
				return nil, failure.Wrap(failure.ExecutionError, o.err, "capability '%s' panicked", c.Name())
			}
			if errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, failure.Wrap(failure.Timeout, o.err, "capability '%s' exceeded %s", c.Name(), timeout)
			}
		}
		return o.value, o.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, failure.Wrap(failure.ExecutionError, ctx.Err(), "capability '%s' cancelled", c.Name())
		}
		return nil, failure.Wrap(failure.Timeout, callCtx.Err(), "capability '%s' exceeded %s", c.Name(), timeout)
	}
}
