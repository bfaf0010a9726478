package unifiedllm

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// argumentKeys are the object keys accepted as the argument payload of an
// embedded call, in lookup order.
var argumentKeys = []string{"arguments", "args", "parameters", "input"}

var emptyFence = regexp.MustCompile("```[a-zA-Z]*\\s*```")

// ExtractToolCalls scans free-form model output for embedded JSON call
// requests and returns them in the order they appear, together with the text
// that remains once those JSON values are removed.
//
// Recognized shapes:
//
//	{"tool_calls": [ <call>, ... ]}
//	[ <call>, ... ]
//	<call>
//
// where <call> is {"name": ..., "arguments": {...}} (also "args",
// "parameters" or "input") or {"type": "function", "function": {"name": ...,
// "arguments": "<json string>"}}. JSON values that do not match one of these
// shapes are left in the text untouched.
func ExtractToolCalls(text string) ([]ToolCallData, string) {
	var (
		calls []ToolCallData
		kept  strings.Builder
		last  int
	)
	for i := 0; i < len(text); {
		if c := text[i]; c != '{' && c != '[' {
			i++
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			i++
			continue
		}
		end := i + int(dec.InputOffset())
		if found, ok := parseCallValue(raw); ok {
			kept.WriteString(text[last:i])
			last = end
			calls = append(calls, found...)
		}
		i = end
	}
	if len(calls) == 0 && last == 0 {
		return nil, text
	}
	kept.WriteString(text[last:])
	cleaned := emptyFence.ReplaceAllString(kept.String(), "")
	return calls, strings.TrimSpace(cleaned)
}

func parseCallValue(raw json.RawMessage) ([]ToolCallData, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, false
	}
	switch raw[0] {
	case '[':
		return parseCallArray(raw)
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, false
		}
		if inner, ok := obj["tool_calls"]; ok {
			return parseCallArray(inner)
		}
		call, ok := parseCallObject(obj)
		if !ok {
			return nil, false
		}
		return []ToolCallData{call}, true
	}
	return nil, false
}

func parseCallArray(raw json.RawMessage) ([]ToolCallData, bool) {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	calls := make([]ToolCallData, 0, len(items))
	for _, item := range items {
		call, ok := parseCallObject(item)
		if !ok {
			return nil, false
		}
		calls = append(calls, call)
	}
	return calls, len(calls) > 0 || string(bytes.TrimSpace(raw)) == "[]"
}

func parseCallObject(obj map[string]json.RawMessage) (ToolCallData, bool) {
	var id string
	if rawID, ok := obj["id"]; ok {
		_ = json.Unmarshal(rawID, &id)
	}
	if fn, ok := obj["function"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(fn, &inner); err != nil {
			return ToolCallData{}, false
		}
		obj = inner
	}

	var name string
	if err := json.Unmarshal(obj["name"], &name); err != nil || name == "" {
		return ToolCallData{}, false
	}

	var args json.RawMessage
	found := false
	for _, key := range argumentKeys {
		if v, ok := obj[key]; ok {
			args, found = v, true
			break
		}
	}
	if !found {
		return ToolCallData{}, false
	}

	if id == "" {
		id = NewCallID()
	}
	return ToolCallData{ID: id, Name: name, Arguments: normalizeArguments(args)}, true
}

// normalizeArguments unwraps arguments that were encoded as a JSON string and
// maps null to an empty object. Anything else is passed through so that the
// dispatcher can reject it.
func normalizeArguments(args json.RawMessage) json.RawMessage {
	args = bytes.TrimSpace(args)
	if len(args) == 0 || string(args) == "null" {
		return json.RawMessage(`{}`)
	}
	if args[0] == '"' {
		var s string
		if err := json.Unmarshal(args, &s); err == nil {
			s = strings.TrimSpace(s)
			if s == "" {
				return json.RawMessage(`{}`)
			}
			if json.Valid([]byte(s)) {
				return json.RawMessage(s)
			}
		}
	}
	return args
}

// NewCallID returns a fresh identifier for a tool call.
func NewCallID() string {
	return "call_" + uuid.New().String()[:8]
}
