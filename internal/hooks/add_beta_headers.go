package hooks

import "github.com/ccproxy/ccproxy/internal/pipeline"

// AddBetaHeadersGuard runs when routing to an Anthropic-type provider
// whose routing entry has no api_key of its own.
func AddBetaHeadersGuard(ctx *pipeline.Context) bool {
	routedModel, ok := ctx.LitellmModel()
	if !ok || routedModel == "" {
		return false
	}
	cfg, _ := modelConfigFrom(ctx)
	return cfg.APIKey == "" && DetectProvider(routedModel, cfg.CustomLLMProvider, cfg.APIBase) == "anthropic"
}

// NewAddBetaHeaders builds the add_beta_headers HookSpec. It merges the
// required Claude Code beta flags into any existing anthropic-beta value
// so a Claude Max OAuth token is accepted by Anthropic's API.
func NewAddBetaHeaders() pipeline.HookSpec {
	return pipeline.HookSpec{
		Name:   "add_beta_headers",
		Reads:  pipeline.ReadsKeys("ccproxy_litellm_model", "ccproxy_model_config"),
		Writes: pipeline.WritesKeys("anthropic-beta", "anthropic-version", "provider_specific_header", "extra_headers"),
		Guard:  AddBetaHeadersGuard,
		Handler: func(ctx *pipeline.Context, _ map[string]any) *pipeline.Context {
			existing := ctx.ProviderHeaders.ExtraHeaders["anthropic-beta"]
			merged := mergeBetas(AnthropicBetaHeaders, existing)

			ctx.ProviderHeaders.CustomLLMProvider = "anthropic"
			ctx.ProviderHeaders.SetExtraHeader("anthropic-beta", merged)
			ctx.ProviderHeaders.SetExtraHeader("anthropic-version", AnthropicAPIVersion)

			if ctx.Raw == nil {
				ctx.Raw = make(map[string]any)
			}
			rawExtra, _ := ctx.Raw["extra_headers"].(map[string]string)
			if rawExtra == nil {
				rawExtra = make(map[string]string)
			}
			rawExtra["anthropic-beta"] = merged
			rawExtra["anthropic-version"] = AnthropicAPIVersion
			ctx.Raw["extra_headers"] = rawExtra

			return ctx
		},
	}
}
