package llm

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// perMessageOverhead approximates the role and framing tokens chat models add
// around every message.
const perMessageOverhead = 4

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("llm: tiktoken encoding unavailable, using estimate", "err", err)
			return
		}
		enc = e
	})
	return enc
}

// CountTextTokens returns the cl100k_base token count of text. When the
// encoding cannot be loaded it falls back to a four-characters-per-token
// estimate, which errs on the high side for English prose.
func CountTextTokens(text string) int {
	if text == "" {
		return 0
	}
	if e := encoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// CountMessageTokens sums [CountTextTokens] over messages plus a fixed
// per-message overhead. Provider implementations use it for CountTokens.
func CountMessageTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += CountTextTokens(m.Content) + perMessageOverhead
	}
	return total
}

// TruncateToTokens shortens text so it encodes to at most maxTokens tokens.
// Text already within budget is returned unchanged.
func TruncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	e := encoding()
	if e == nil {
		limit := maxTokens * 4
		if len(text) <= limit {
			return text
		}
		return strings.ToValidUTF8(text[:limit], "")
	}
	tokens := e.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return e.Decode(tokens[:maxTokens])
}
