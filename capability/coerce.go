package capability

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/martinemde/stagehand/failure"
)

// decodeArguments turns the raw argument payload of a call request into an
// argument object.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil, failure.Wrap(failure.InvalidArgs, err, "arguments are not valid JSON")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, failure.New(failure.InvalidArgs, "arguments must be a JSON object, got %s", jsonKind(v))
	}
	return obj, nil
}

// coerceArguments converts supplied values to the declared parameter types
// where the conversion is lossless (e.g. "3" to 3 for an integer). Values of
// undeclared parameters are left alone for schema validation to reject.
func coerceArguments(d Descriptor, args map[string]any) (map[string]any, error) {
	if d.Parameters == nil {
		return args, nil
	}
	out := make(map[string]any, len(args))
	for name, value := range args {
		typ, declared := d.Parameters.Get(name)
		if !declared || value == nil {
			out[name] = value
			continue
		}
		coerced, err := coerceValue(typ, value)
		if err != nil {
			return nil, failure.New(failure.InvalidArgs, "argument '%s': %v", name, err)
		}
		out[name] = coerced
	}
	return out, nil
}

func coerceValue(typ string, v any) (any, error) {
	switch typ {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(x), nil
		}
		return nil, fmt.Errorf("cannot convert %s to string", jsonKind(v))

	case TypeInteger:
		switch x := v.(type) {
		case float64:
			if x != math.Trunc(x) {
				return nil, fmt.Errorf("cannot convert %v to integer", x)
			}
			return x, nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to integer", x)
			}
			return float64(n), nil
		}
		return nil, fmt.Errorf("cannot convert %s to integer", jsonKind(v))

	case TypeNumber:
		switch x := v.(type) {
		case float64:
			return x, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to number", x)
			}
			return f, nil
		}
		return nil, fmt.Errorf("cannot convert %s to number", jsonKind(v))

	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(x)) {
			case "true", "yes", "1":
				return true, nil
			case "false", "no", "0":
				return false, nil
			}
			return nil, fmt.Errorf("cannot convert %q to boolean", x)
		case float64:
			if x == 0 || x == 1 {
				return x == 1, nil
			}
		}
		return nil, fmt.Errorf("cannot convert %s to boolean", jsonKind(v))

	case TypeArray:
		switch x := v.(type) {
		case []any:
			return x, nil
		case string:
			var arr []any
			if err := json.Unmarshal([]byte(x), &arr); err == nil {
				return arr, nil
			}
			return []any{x}, nil
		}
		return []any{v}, nil

	case TypeObject:
		switch x := v.(type) {
		case map[string]any:
			return x, nil
		case string:
			var obj map[string]any
			if err := json.Unmarshal([]byte(x), &obj); err == nil {
				return obj, nil
			}
			return nil, fmt.Errorf("cannot convert %q to object", x)
		}
		return nil, fmt.Errorf("cannot convert %s to object", jsonKind(v))
	}
	return v, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
