package agentloop

import (
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultBudgetCeiling is the TurnBudget value above which the history is
// compacted.
const DefaultBudgetCeiling = 50000

// DefaultEncoding is the tiktoken encoding used to count tokens.
const DefaultEncoding = "cl100k_base"

// TokenCounter measures text in budget units.
type TokenCounter interface {
	Count(text string) int
}

// WordCounter counts whitespace-separated words.
type WordCounter struct{}

func (WordCounter) Count(text string) int { return len(strings.Fields(text)) }

// TiktokenCounter counts BPE tokens.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// NewTokenCounter returns a tiktoken counter for encoding, falling back to
// a WordCounter when the encoding cannot be loaded (it is fetched on first
// use unless cached locally).
func NewTokenCounter(encoding string, logger *slog.Logger) TokenCounter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	if encoding == "words" {
		return WordCounter{}
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("token encoding unavailable, counting words", "encoding", encoding, "error", err)
		return WordCounter{}
	}
	return &TiktokenCounter{enc: enc}
}

// TurnBudget is the running token count across turns. It is reset only by
// a successful compaction.
type TurnBudget struct {
	used    int
	ceiling int
}

// NewTurnBudget creates an empty budget with the given ceiling.
func NewTurnBudget(ceiling int) *TurnBudget {
	if ceiling <= 0 {
		ceiling = DefaultBudgetCeiling
	}
	return &TurnBudget{ceiling: ceiling}
}

func (b *TurnBudget) Add(n int) {
	if n > 0 {
		b.used += n
	}
}

func (b *TurnBudget) Used() int    { return b.used }
func (b *TurnBudget) Ceiling() int { return b.ceiling }

// Exceeded reports whether the running count is above the ceiling.
func (b *TurnBudget) Exceeded() bool { return b.used > b.ceiling }

func (b *TurnBudget) Reset() { b.used = 0 }
