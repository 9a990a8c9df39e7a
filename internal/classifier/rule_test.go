package classifier

import "testing"

func TestThinkingRule(t *testing.T) {
	cases := []struct {
		name string
		req  *Request
		want bool
	}{
		{"no thinking field", &Request{}, false},
		{"thinking present", &Request{HasThinking: true}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := (ThinkingRule{}).Evaluate(tc.req); got != tc.want {
				t.Errorf("Evaluate() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMatchModelRule_CaseInsensitive(t *testing.T) {
	rule := NewMatchModelRule("haiku")
	cases := []struct {
		model string
		want  bool
	}{
		{"claude-haiku-4-5-20251001", true},
		{"claude-HAIKU-4-5", true},
		{"claude-sonnet-4-5", false},
	}
	for _, tc := range cases {
		req := &Request{Model: tc.model}
		if got := rule.Evaluate(req); got != tc.want {
			t.Errorf("Evaluate(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}
}

func TestMatchToolRule_ExactNameOnly(t *testing.T) {
	rule := MatchToolRule{Name: "bash"}
	req := &Request{Tools: []RequestTool{{Name: "bash_tool"}, {Name: "bash"}}}
	if !rule.Evaluate(req) {
		t.Fatal("expected exact tool name match to succeed")
	}
	req2 := &Request{Tools: []RequestTool{{Name: "bash_tool"}}}
	if rule.Evaluate(req2) {
		t.Fatal("expected substring tool name to not match")
	}
	if rule.Evaluate(&Request{}) {
		t.Fatal("expected empty tool list to not match")
	}
}

type fixedCounter struct{ n int }

func (f fixedCounter) Count([]string) int { return f.n }

func TestTokenCountRule(t *testing.T) {
	cases := []struct {
		name      string
		threshold int
		count     int
		messages  []RequestMessage
		want      bool
	}{
		{"zero threshold matches non-empty", 0, 5, []RequestMessage{{Content: "hi"}}, true},
		{"zero threshold never matches empty", 0, 0, nil, false},
		{"below threshold", 100, 10, []RequestMessage{{Content: "hi"}}, false},
		{"at threshold", 10, 10, []RequestMessage{{Content: "hi"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := TokenCountRule{Threshold: tc.threshold, Counter: fixedCounter{n: tc.count}}
			req := &Request{Messages: tc.messages}
			if got := rule.Evaluate(req); got != tc.want {
				t.Errorf("Evaluate() = %v, want %v", got, tc.want)
			}
		})
	}
}
