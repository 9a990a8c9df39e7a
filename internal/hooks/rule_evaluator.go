package hooks

import (
	"github.com/ccproxy/ccproxy/internal/classifier"
	"github.com/ccproxy/ccproxy/internal/pipeline"
)

// RuleEvaluatorGuard runs unless the request is already flagged as a
// health check.
func RuleEvaluatorGuard(ctx *pipeline.Context) bool {
	return !ctx.IsHealthCheck()
}

// NewRuleEvaluator builds the rule_evaluator HookSpec, closing over the
// classifier it delegates to.
func NewRuleEvaluator(classify *classifier.Classifier) pipeline.HookSpec {
	return pipeline.HookSpec{
		Name:   "rule_evaluator",
		Reads:  nil,
		Writes: pipeline.WritesKeys("ccproxy_model_name", "ccproxy_alias_model"),
		Guard:  RuleEvaluatorGuard,
		Handler: func(ctx *pipeline.Context, _ map[string]any) *pipeline.Context {
			ctx.SetAliasModel(ctx.Model)
			ctx.SetModelName(classify.Classify(contextToRequest(ctx)))
			return ctx
		},
	}
}

func contextToRequest(ctx *pipeline.Context) *classifier.Request {
	req := &classifier.Request{
		Model:       ctx.Model,
		HasThinking: ctx.Thinking != nil,
	}
	for _, m := range ctx.Messages {
		text, _ := m.Content.(string)
		req.Messages = append(req.Messages, classifier.RequestMessage{Role: m.Role, Content: text})
	}
	for _, t := range ctx.Tools {
		req.Tools = append(req.Tools, classifier.RequestTool{Name: t.Name})
	}
	return req
}
