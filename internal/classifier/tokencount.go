package classifier

import (
	"strings"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// TiktokenCounter counts tokens using the cl100k_base encoding, the same
// family of encoding used by recent Anthropic/OpenAI-compatible models.
// It satisfies TokenCounter.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter builds a counter backed by cl100k_base. Falls back
// to a nil encoder (word-count behavior) if the encoding cannot be
// loaded, since TokenCountRule's contract only requires monotonicity in
// text length, not a specific algorithm.
func NewTiktokenCounter() *TiktokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &TiktokenCounter{enc: nil}
	}
	return &TiktokenCounter{enc: enc}
}

func (c *TiktokenCounter) Count(texts []string) int {
	joined := strings.Join(texts, "\n")
	if c.enc == nil {
		return len(strings.Fields(joined))
	}
	return len(c.enc.Encode(joined, nil, nil))
}
