package agentloop

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateOutput(t *testing.T) {
	t.Run("short output is untouched", func(t *testing.T) {
		assert.Equal(t, "hello", TruncateOutput("hello", 10, TruncateHeadTail))
	})

	t.Run("head and tail", func(t *testing.T) {
		out := TruncateOutput(strings.Repeat("a", 10)+strings.Repeat("b", 10), 10, TruncateHeadTail)
		assert.True(t, strings.HasPrefix(out, "aaaaa\n\n[WARNING: Output was truncated. 10 characters"))
		assert.True(t, strings.HasSuffix(out, "]\n\nbbbbb"))
	})

	t.Run("tail", func(t *testing.T) {
		out := TruncateOutput("0123456789", 4, TruncateTail)
		assert.Equal(t, "[WARNING: Output was truncated. First 6 characters were removed.]\n\n6789", out)
	})

	t.Run("never splits a rune", func(t *testing.T) {
		out := TruncateOutput(strings.Repeat("é", 20), 9, TruncateHeadTail)
		assert.True(t, strings.HasPrefix(out, "éé\n\n"), out)
		assert.NotContains(t, out, "�")
	})
}

func TestTruncateLines(t *testing.T) {
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = string(rune('a' + i))
	}
	out := TruncateLines(strings.Join(lines, "\n"), 4)
	assert.Equal(t, "a\nb\n[... 6 lines omitted ...]\ni\nj", out)
	assert.Equal(t, "a\nb", TruncateLines("a\nb", 4))
}

func TestTruncateResult(t *testing.T) {
	long := strings.Repeat("z", 3000)

	assert.Contains(t, TruncateResult(long, "update_focus", nil, 0), "[WARNING: Output was truncated.")
	assert.Equal(t, long, TruncateResult(long, "unknown", nil, 0))
	assert.Equal(t, long, TruncateResult(long, "update_focus", map[string]int{"update_focus": 5000}, 0))
	assert.Contains(t, TruncateResult(long, "unknown", nil, 100), "2900 characters were removed")

	out := TruncateResult(long, "save_to_file", nil, 0)
	assert.True(t, strings.HasPrefix(out, "[WARNING: Output was truncated. First 1000 characters were removed.]"))

	script := strings.Repeat("line\n", 400)
	assert.Contains(t, TruncateResult(script, "execute_script", nil, 0), "lines omitted")
}

func TestDetectLoop(t *testing.T) {
	tests := []struct {
		name   string
		sigs   []string
		window int
		want   bool
	}{
		{"too few calls", []string{"a", "a"}, 3, false},
		{"single repeated call", []string{"x", "a", "a", "a", "a"}, 4, true},
		{"alternating pair", []string{"a", "b", "a", "b"}, 4, true},
		{"triple", []string{"a", "b", "c", "a", "b", "c"}, 6, true},
		{"no pattern", []string{"a", "b", "c", "d"}, 4, false},
		{"disabled", []string{"a", "a"}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectLoop(tt.sigs, tt.window))
		})
	}
}

func TestCallSignature(t *testing.T) {
	a := callSignature("echo", []byte(`{"text":"x"}`))
	assert.Equal(t, a, callSignature("echo", []byte(`{"text":"x"}`)))
	assert.NotEqual(t, a, callSignature("echo", []byte(`{"text":"y"}`)))
	assert.NotEqual(t, a, callSignature("read", []byte(`{"text":"x"}`)))
	assert.True(t, strings.HasPrefix(a, "echo:"))
}
