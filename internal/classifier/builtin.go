package classifier

import "fmt"

// RuleConfig is the config-layer shape of one rule entry: a discriminator
// naming one of the compiled-in rule kinds, plus its parameters. This
// replaces the source's dotted-path dynamic loading (spec design note
// §9, recommendation (a)): every rule kind in this spec is known ahead of
// time, so unknown kinds are a startup error rather than an import
// failure at request time.
type RuleConfig struct {
	Label string
	Kind  string
	Param string // MatchModelRule substring, or MatchToolRule name
	Threshold int // TokenCountRule threshold
}

// BuildRuleSet constructs a RuleSet from configuration, resolving each
// entry's Kind against the compiled-in rule constructors. An unknown
// Kind is a startup-fatal configuration error.
func BuildRuleSet(entries []RuleConfig, counter TokenCounter) (*RuleSet, error) {
	rules := make([]LabeledRule, 0, len(entries))
	for _, e := range entries {
		rule, err := buildRule(e, counter)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", e.Label, err)
		}
		rules = append(rules, LabeledRule{Label: e.Label, Rule: rule})
	}
	return NewRuleSet(rules), nil
}

func buildRule(e RuleConfig, counter TokenCounter) (Rule, error) {
	switch e.Kind {
	case "thinking":
		return ThinkingRule{}, nil
	case "match_model":
		if e.Param == "" {
			return nil, fmt.Errorf("match_model rule requires a non-empty substring")
		}
		return NewMatchModelRule(e.Param), nil
	case "match_tool":
		if e.Param == "" {
			return nil, fmt.Errorf("match_tool rule requires a non-empty tool name")
		}
		return MatchToolRule{Name: e.Param}, nil
	case "token_count":
		return TokenCountRule{Threshold: e.Threshold, Counter: counter}, nil
	default:
		return nil, fmt.Errorf("unknown rule kind %q", e.Kind)
	}
}
