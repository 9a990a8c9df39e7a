package hooks

import (
	"strings"

	"github.com/ccproxy/ccproxy/internal/pipeline"
)

// InjectIdentityGuard runs for OAuth requests routed to an Anthropic-type
// provider. Detection is by header presence, not token format, so it
// covers every Anthropic-compatible OAuth provider, not only Anthropic's
// own sentinel scheme.
func InjectIdentityGuard(ctx *pipeline.Context) bool {
	if !IsOAuthRequest(ctx) {
		return false
	}
	cfg, _ := modelConfigFrom(ctx)
	return RoutesToAnthropicProvider(cfg.APIBase) || RoutesToClaudeModel(ctx)
}

// NewInjectIdentity builds the inject_claude_code_identity HookSpec.
// Anthropic's OAuth tokens are scoped to Claude Code: the request must
// carry a system message that starts with the Claude Code preamble, or
// the upstream API rejects it.
func NewInjectIdentity() pipeline.HookSpec {
	return pipeline.HookSpec{
		Name:   "inject_claude_code_identity",
		Reads:  pipeline.ReadsKeys("authorization", "ccproxy_litellm_model", "ccproxy_model_config", "system"),
		Writes: pipeline.WritesKeys("system"),
		Guard:  InjectIdentityGuard,
		Handler: func(ctx *pipeline.Context, _ map[string]any) *pipeline.Context {
			InjectClaudeCodeIdentity(ctx)
			return ctx
		},
	}
}

// InjectClaudeCodeIdentity prepends the Claude Code system preamble to
// ctx.System, handling all three inbound shapes (absent, plain string,
// typed blocks). Exported so the handler's health-check auth injection
// path (spec.md §4.7) can apply the same mutation outside the hook DAG.
func InjectClaudeCodeIdentity(ctx *pipeline.Context) {
	switch {
	case ctx.System == nil:
		ctx.System = &pipeline.System{Text: ClaudeCodeSystemPrefix}
	case len(ctx.System.Blocks) > 0:
		if !anyBlockHasPrefix(ctx.System.Blocks) {
			prefixBlock := pipeline.SystemBlock{Type: "text", Text: ClaudeCodeSystemPrefix}
			ctx.System.Blocks = append([]pipeline.SystemBlock{prefixBlock}, ctx.System.Blocks...)
		}
	default:
		if !strings.Contains(ctx.System.Text, ClaudeCodeSystemPrefix) {
			ctx.System.Text = ClaudeCodeSystemPrefix + "\n\n" + ctx.System.Text
		}
	}
}

func anyBlockHasPrefix(blocks []pipeline.SystemBlock) bool {
	for _, b := range blocks {
		if b.Type == "text" && strings.Contains(b.Text, ClaudeCodeSystemPrefix) {
			return true
		}
	}
	return false
}
