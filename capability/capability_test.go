package capability

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/stagehand/failure"
	"github.com/martinemde/stagehand/unifiedllm"
)

type echoArgs struct {
	Text string `json:"text" jsonschema:"description=Text to echo back"`
}

func newEcho(t *testing.T) *Capability {
	t.Helper()
	c, err := Func("echo", "Echo the input text.", "test", func(ctx context.Context, a echoArgs) (any, error) {
		return a.Text, nil
	})
	require.NoError(t, err)
	return c
}

func callResponse(calls ...unifiedllm.ToolCallData) *unifiedllm.Response {
	parts := []unifiedllm.ContentPart{unifiedllm.TextPart("working on it")}
	for _, c := range calls {
		parts = append(parts, unifiedllm.ToolCallPart(c.ID, c.Name, c.Arguments))
	}
	return &unifiedllm.Response{Message: unifiedllm.Message{Role: unifiedllm.RoleAssistant, Content: parts}}
}

func call(id, name, args string) unifiedllm.ToolCallData {
	return unifiedllm.ToolCallData{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func TestFuncDescriptor(t *testing.T) {
	c := newEcho(t)

	assert.Equal(t, "echo", c.Name())
	assert.Equal(t, "test", c.Descriptor.Category)
	assert.Equal(t, []string{"text"}, c.Descriptor.Required)
	typ, ok := c.Descriptor.Parameters.Get("text")
	require.True(t, ok)
	assert.Equal(t, TypeString, typ)
	assert.Equal(t, "echo(text: string)", c.Descriptor.Signature())
	assert.NotContains(t, c.Descriptor.Schema, "$schema")
	assert.Equal(t, "object", c.Descriptor.Schema["type"])
}

func TestDefineDefaults(t *testing.T) {
	c, err := Define(Spec{
		Name:   "blob",
		Params: []Param{{Name: "payload"}, {Name: "count", Type: "Integer", Required: true}},
	}, func(ctx context.Context, args map[string]any) (any, error) { return args, nil })
	require.NoError(t, err)

	assert.Equal(t, "Capability blob", c.Descriptor.Description)
	assert.Equal(t, DefaultCategory, c.Descriptor.Category)
	assert.Equal(t, "blob(payload?: any, count: integer)", c.Descriptor.Signature())

	keys := []string{}
	for pair := c.Descriptor.Parameters.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	assert.Equal(t, []string{"payload", "count"}, keys, "parameters keep declaration order")
}

func TestDefineRejectsBadSpecs(t *testing.T) {
	noop := func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }

	_, err := Define(Spec{}, noop)
	assert.Error(t, err)

	_, err = Define(Spec{Name: "x"}, nil)
	assert.Error(t, err)

	_, err = Define(Spec{Name: "x", Params: []Param{{Name: "a", Type: "complex"}}}, noop)
	assert.ErrorContains(t, err, "unknown type")
}

func TestDispatchEcho(t *testing.T) {
	reg := NewRegistry()
	reg.Register(newEcho(t))
	d := NewDispatcher(reg)

	results := d.Dispatch(context.Background(), callResponse(call("c1", "echo", `{"text":"hi"}`)))

	require.Len(t, results, 1)
	assert.True(t, results[0].OK())
	assert.Equal(t, "hi", results[0].Value)
	assert.Equal(t, "c1", results[0].CallID)
}

func TestGetByNameReturnsMatchingDescriptor(t *testing.T) {
	reg := NewRegistry()
	reg.Register(newEcho(t))
	for _, name := range reg.Names() {
		c, ok := reg.Get(name)
		require.True(t, ok)
		assert.Equal(t, name, c.Descriptor.Name)
	}
	_, ok := reg.Get("missing")
	assert.False(t, ok)
}

func TestDispatchNotFoundNeverInvokes(t *testing.T) {
	invoked := false
	c, err := Define(Spec{Name: "spy"}, func(ctx context.Context, args map[string]any) (any, error) {
		invoked = true
		return nil, nil
	})
	require.NoError(t, err)
	reg := NewRegistry()
	reg.Register(c)

	results := NewDispatcher(reg).Dispatch(context.Background(), callResponse(call("c1", "nope", `{}`)))

	require.Len(t, results, 1)
	require.NotNil(t, results[0].Failure)
	assert.Equal(t, failure.NotFound, results[0].Failure.Kind)
	assert.Equal(t, "capability 'nope' not registered", results[0].Failure.Message)
	assert.False(t, invoked)
}

func TestDispatchBatchWithOneFailure(t *testing.T) {
	var order []string
	boom, err := Define(Spec{Name: "boom"}, func(ctx context.Context, args map[string]any) (any, error) {
		order = append(order, "boom")
		return nil, errors.New("exploded")
	})
	require.NoError(t, err)
	rec, err := Define(Spec{Name: "rec", Params: []Param{{Name: "n", Type: TypeInteger}}}, func(ctx context.Context, args map[string]any) (any, error) {
		order = append(order, "rec")
		return args["n"], nil
	})
	require.NoError(t, err)

	reg := NewRegistry()
	reg.Register(boom)
	reg.Register(rec)

	resp := callResponse(
		call("a", "rec", `{"n": 1}`),
		call("b", "rec", `{"n": 2}`),
		call("c", "boom", `{}`),
		call("d", "rec", `{"n": 4}`),
	)
	results := NewDispatcher(reg).Dispatch(context.Background(), resp)

	require.Len(t, results, 4)
	for i, r := range results {
		if i == 2 {
			require.NotNil(t, r.Failure)
			assert.Equal(t, failure.ExecutionError, r.Failure.Kind)
			assert.Contains(t, r.Output(), "exploded")
			continue
		}
		assert.True(t, r.OK(), "result %d", i)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, []string{results[0].CallID, results[1].CallID, results[2].CallID, results[3].CallID})
	assert.Equal(t, []string{"rec", "rec", "boom", "rec"}, order, "calls run sequentially in order")
	assert.Equal(t, float64(4), results[3].Value)
}

func TestDispatchArgumentHandling(t *testing.T) {
	type args struct {
		Path    string  `json:"path"`
		Limit   int     `json:"limit,omitempty"`
		Ratio   float64 `json:"ratio,omitempty"`
		Verbose bool    `json:"verbose,omitempty"`
	}
	c, err := Func("probe", "", "test", func(ctx context.Context, a args) (any, error) {
		return a, nil
	})
	require.NoError(t, err)
	reg := NewRegistry()
	reg.Register(c)
	d := NewDispatcher(reg)

	tests := []struct {
		name     string
		args     string
		wantKind failure.Kind
		want     args
	}{
		{"exact types", `{"path": "a", "limit": 3}`, "", args{Path: "a", Limit: 3}},
		{"coerced strings", `{"path": "a", "limit": "7", "ratio": "0.5", "verbose": "true"}`, "", args{Path: "a", Limit: 7, Ratio: 0.5, Verbose: true}},
		{"number to string", `{"path": 12}`, "", args{Path: "12"}},
		{"missing optional", `{"path": "only"}`, "", args{Path: "only"}},
		{"null arguments with missing required", `null`, failure.InvalidArgs, args{}},
		{"bad integer", `{"path": "a", "limit": "many"}`, failure.InvalidArgs, args{}},
		{"fractional integer", `{"path": "a", "limit": 1.5}`, failure.InvalidArgs, args{}},
		{"unknown parameter", `{"path": "a", "extra": 1}`, failure.InvalidArgs, args{}},
		{"object for string", `{"path": {"x": 1}}`, failure.InvalidArgs, args{}},
		{"not an object", `["a"]`, failure.InvalidArgs, args{}},
		{"invalid json", `{"path": `, failure.InvalidArgs, args{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Execute(context.Background(), Request{ID: "x", Name: "probe", Arguments: json.RawMessage(tt.args)})
			if tt.wantKind != "" {
				require.NotNil(t, res.Failure)
				assert.Equal(t, tt.wantKind, res.Failure.Kind)
				return
			}
			require.Nil(t, res.Failure)
			assert.Equal(t, tt.want, res.Value)
		})
	}
}

func TestDispatchPanicBecomesExecutionError(t *testing.T) {
	c, err := Define(Spec{Name: "panicky"}, func(ctx context.Context, args map[string]any) (any, error) {
		panic("kaboom")
	})
	require.NoError(t, err)
	reg := NewRegistry()
	reg.Register(c)

	res := NewDispatcher(reg).Execute(context.Background(), Request{Name: "panicky"})

	require.NotNil(t, res.Failure)
	assert.Equal(t, failure.ExecutionError, res.Failure.Kind)
	assert.Contains(t, res.Failure.Error(), "kaboom")
	assert.NotEmpty(t, res.CallID)
}

func TestDispatchTimeout(t *testing.T) {
	c, err := Define(Spec{Name: "slow"}, func(ctx context.Context, args map[string]any) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	require.NoError(t, err)
	stubborn, err := Define(Spec{Name: "stubborn", Timeout: 20 * time.Millisecond}, func(ctx context.Context, args map[string]any) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return "ignored", nil
	})
	require.NoError(t, err)

	reg := NewRegistry()
	reg.Register(c)
	reg.Register(stubborn)
	d := NewDispatcher(reg, WithCallTimeout(20*time.Millisecond))

	for _, name := range []string{"slow", "stubborn"} {
		res := d.Execute(context.Background(), Request{Name: name})
		require.NotNil(t, res.Failure, name)
		assert.Equal(t, failure.Timeout, res.Failure.Kind, name)
	}
}

func TestRequestsMixedResponse(t *testing.T) {
	resp := &unifiedllm.Response{Message: unifiedllm.Message{Content: []unifiedllm.ContentPart{
		unifiedllm.TextPart(`First {"name": "echo", "arguments": {"text": "one"}} then`),
		unifiedllm.ToolCallPart("c2", "echo", json.RawMessage(`{"text": "two"}`)),
		unifiedllm.TextPart(`no calls here`),
		unifiedllm.TextPart(`[{"name": "echo", "arguments": {"text": "three"}}]`),
	}}}

	reqs := Requests(resp)
	require.Len(t, reqs, 3)
	texts := make([]string, 0, 3)
	for _, r := range reqs {
		var a echoArgs
		require.NoError(t, json.Unmarshal(r.Arguments, &a))
		texts = append(texts, a.Text)
	}
	assert.Equal(t, []string{"one", "two", "three"}, texts)
	assert.Empty(t, Requests(nil))
}

func TestResultOutput(t *testing.T) {
	assert.Equal(t, "hi", Result{Value: "hi"}.Output())
	assert.Equal(t, `{"a":1}`, Result{Value: map[string]int{"a": 1}}.Output())
	assert.Equal(t, "", Result{}.Output())
	out := Result{Failure: failure.New(failure.NotFound, "capability 'x' not registered")}.Output()
	assert.True(t, strings.HasPrefix(out, "not_found"))
}
