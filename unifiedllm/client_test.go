package unifiedllm

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// mockAdapter is a test double for ProviderAdapter.
type mockAdapter struct {
	name     string
	response *Response
	errs     []error
	calls    int
	delay    time.Duration
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	m.calls++
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	return m.response, nil
}

func newMockAdapter(name, text string) *mockAdapter {
	return &mockAdapter{
		name: name,
		response: &Response{
			ID:           "test_resp",
			Model:        "test-model",
			Provider:     name,
			Message:      AssistantMessage(text),
			FinishReason: FinishReason{Reason: "stop"},
			Usage:        Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		},
	}
}

func hi() Request {
	return Request{Model: "test-model", Messages: []Message{UserMessage("Hi")}}
}

func TestClientProviderRouting(t *testing.T) {
	openai := newMockAdapter("openai", "OpenAI response")
	anthropic := newMockAdapter("anthropic", "Anthropic response")

	client := NewClient(
		WithProvider("openai", openai),
		WithProvider("anthropic", anthropic),
		WithDefaultProvider("openai"),
	)

	req := hi()
	req.Provider = "anthropic"
	resp, err := client.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Anthropic response" {
		t.Errorf("expected Anthropic response, got %q", resp.Text())
	}

	resp, err = client.Complete(context.Background(), hi())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "OpenAI response" {
		t.Errorf("expected OpenAI response, got %q", resp.Text())
	}
}

func TestClientSingleProviderIsDefault(t *testing.T) {
	client := NewClient(WithProvider("only", newMockAdapter("only", "only response")))
	resp, err := client.Complete(context.Background(), hi())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "only response" {
		t.Errorf("expected %q, got %q", "only response", resp.Text())
	}
}

func TestClientNoProvider(t *testing.T) {
	_, err := NewClient().Complete(context.Background(), hi())
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	var order []int
	mark := func(n int) Middleware {
		return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
			order = append(order, n)
			resp, err := next(ctx, req)
			order = append(order, -n)
			return resp, err
		}
	}

	client := NewClient(
		WithProvider("test", newMockAdapter("test", "response")),
		WithMiddleware(mark(1), mark(2)),
	)
	if _, err := client.Complete(context.Background(), hi()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []int{1, 2, -2, -1}
	if len(order) != len(expected) {
		t.Fatalf("expected %d middleware calls, got %d", len(expected), len(order))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %d, got %d", i, v, order[i])
		}
	}
}

func TestRetryMiddleware(t *testing.T) {
	mock := newMockAdapter("test", "eventually")
	mock.errs = []error{&ServerError{ProviderError: ProviderError{Retryable: true}}}

	client := NewClient(
		WithProvider("test", mock),
		WithMiddleware(RetryMiddleware(fastPolicy(2))),
	)
	resp, err := client.Complete(context.Background(), hi())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "eventually" || mock.calls != 2 {
		t.Errorf("expected success on second call, got %q after %d calls", resp.Text(), mock.calls)
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	mock := newMockAdapter("test", "too slow")
	mock.delay = time.Second

	client := NewClient(
		WithProvider("test", mock),
		WithMiddleware(TimeoutMiddleware(20*time.Millisecond)),
	)
	_, err := client.Complete(context.Background(), hi())
	if !IsTimeout(err) {
		t.Fatalf("expected RequestTimeoutError, got %T: %v", err, err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected timeout to wrap context.DeadlineExceeded")
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	mock := newMockAdapter("test", "ok")
	mock.errs = []error{errors.New("boom")}
	client := NewClient(WithProvider("test", mock), WithMiddleware(LoggingMiddleware(logger)))

	if _, err := client.Complete(context.Background(), hi()); err == nil {
		t.Fatal("expected first call to fail")
	}
	if _, err := client.Complete(context.Background(), hi()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "model call failed") || !strings.Contains(out, "error=boom") {
		t.Errorf("expected failure log, got:\n%s", out)
	}
	if !strings.Contains(out, "model call completed") {
		t.Errorf("expected completion log, got:\n%s", out)
	}
}

func TestResponseAccessors(t *testing.T) {
	resp := Response{
		Message: Message{Role: RoleAssistant, Content: []ContentPart{
			TextPart("Let me check. "),
			ToolCallPart("c1", "echo", []byte(`{"text":"a"}`)),
			TextPart("Done."),
			ToolCallPart("c2", "echo", []byte(`{"text":"b"}`)),
		}},
	}
	if got := resp.Text(); got != "Let me check. Done." {
		t.Errorf("unexpected text %q", got)
	}
	calls := resp.ToolCalls()
	if len(calls) != 2 || calls[0].ID != "c1" || calls[1].ID != "c2" {
		t.Errorf("expected calls in order, got %+v", calls)
	}
	if resp.FullText() != resp.Text() {
		t.Error("expected FullText to fall back to text parts")
	}
	resp.RawText = "raw"
	if resp.FullText() != "raw" {
		t.Error("expected FullText to prefer RawText")
	}
}

func TestUsageAdd(t *testing.T) {
	got := Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}.Add(Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30})
	if got != (Usage{InputTokens: 11, OutputTokens: 22, TotalTokens: 33}) {
		t.Errorf("unexpected sum %+v", got)
	}
}
