// Package classifier implements the first-match-wins request classifier:
// an ordered rule set that assigns a routing label to an inbound request.
package classifier

import "strings"

// Request is the subset of an inbound LLM completion request a Rule can
// inspect. It intentionally mirrors only the fields rules match against.
type Request struct {
	Model    string
	Messages []RequestMessage
	Tools    []RequestTool
	Thinking any
	HasThinking bool
}

// RequestMessage is one message in the request's conversation history.
type RequestMessage struct {
	Role    string
	Content string
}

// RequestTool describes one entry in the request's tool list.
type RequestTool struct {
	Name string
}

// Rule evaluates whether an inbound request matches a classification
// label. Rules are stateless after construction: Evaluate must not
// mutate the rule or depend on anything but its arguments.
type Rule interface {
	Evaluate(req *Request) bool
}

// ThinkingRule matches any request carrying a thinking field, regardless
// of its value.
type ThinkingRule struct{}

func (ThinkingRule) Evaluate(req *Request) bool {
	return req.HasThinking
}

// MatchModelRule matches when the requested model name contains the
// configured substring, case-insensitively.
type MatchModelRule struct {
	Substr string
}

func NewMatchModelRule(substr string) MatchModelRule {
	return MatchModelRule{Substr: strings.ToLower(substr)}
}

func (r MatchModelRule) Evaluate(req *Request) bool {
	return strings.Contains(strings.ToLower(req.Model), r.Substr)
}

// MatchToolRule matches when any tool in the request's tool list has the
// given name, exactly.
type MatchToolRule struct {
	Name string
}

func (r MatchToolRule) Evaluate(req *Request) bool {
	for _, t := range req.Tools {
		if t.Name == r.Name {
			return true
		}
	}
	return false
}

// TokenCountRule matches when the approximate token count of all message
// content reaches the configured threshold. Any count ≥ 0 threshold
// matches every non-empty message list.
type TokenCountRule struct {
	Threshold int
	Counter   TokenCounter
}

// TokenCounter computes an approximate token count for a slice of message
// contents. Any implementation monotonic in text length satisfies the
// rule's intent.
type TokenCounter interface {
	Count(texts []string) int
}

func (r TokenCountRule) Evaluate(req *Request) bool {
	if len(req.Messages) == 0 {
		return false
	}
	texts := make([]string, len(req.Messages))
	for i, m := range req.Messages {
		texts[i] = m.Content
	}
	counter := r.Counter
	if counter == nil {
		counter = wordCountCounter{}
	}
	return counter.Count(texts) >= r.Threshold
}

// wordCountCounter is the fallback counter used when no TokenCounter is
// configured: monotonic in text length, satisfying the rule's contract
// without pulling in a tokenizer.
type wordCountCounter struct{}

func (wordCountCounter) Count(texts []string) int {
	total := 0
	for _, t := range texts {
		total += len(strings.Fields(t))
	}
	return total
}
