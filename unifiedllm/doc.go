// Package unifiedllm is the model-call boundary of the agent loop. It wraps
// the gollm library (github.com/teilomillet/gollm) behind a small
// provider-agnostic Completer interface.
//
// # Client
//
// A Client routes each Request to a registered ProviderAdapter and runs it
// through a middleware chain:
//
//	adapter, _ := unifiedllm.NewGollmAdapter("openai", unifiedllm.WithModel("gpt-4o-mini"))
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("openai", adapter),
//	    unifiedllm.WithMiddleware(
//	        unifiedllm.LoggingMiddleware(logger),
//	        unifiedllm.RetryMiddleware(unifiedllm.DefaultRetryPolicy()),
//	        unifiedllm.TimeoutMiddleware(60*time.Second),
//	    ),
//	)
//	resp, err := client.Complete(ctx, unifiedllm.Request{
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//
// # Tool calls
//
// gollm returns plain text. GollmAdapter lifts call requests embedded in that
// text (see ExtractToolCalls) into ContentToolCall parts, so callers see a
// Response with an ordered mixture of text and structured calls.
//
// # Errors
//
// Provider failures are classified into the SDKError hierarchy
// (AuthenticationError, RateLimitError, RequestTimeoutError, ...). IsRetryable
// decides what RetryMiddleware retries.
package unifiedllm
