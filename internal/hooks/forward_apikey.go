package hooks

import "github.com/ccproxy/ccproxy/internal/pipeline"

// ForwardAPIKeyGuard runs when the inbound request carries an x-api-key
// header. This is the supplemental hook spec.md's §9 design note calls
// out as a straightforward addition alongside the seven core hooks.
func ForwardAPIKeyGuard(ctx *pipeline.Context) bool {
	v, ok := ctx.Header("x-api-key")
	return ok && v != ""
}

// NewForwardAPIKey builds the forward_apikey HookSpec: it carries a
// client-supplied x-api-key straight through to the upstream provider.
func NewForwardAPIKey() pipeline.HookSpec {
	return pipeline.HookSpec{
		Name:   "forward_apikey",
		Reads:  pipeline.ReadsKeys("secret_fields"),
		Writes: pipeline.WritesKeys("x-api-key", "provider_specific_header"),
		Guard:  ForwardAPIKeyGuard,
		Handler: func(ctx *pipeline.Context, _ map[string]any) *pipeline.Context {
			apiKey, ok := ctx.Header("x-api-key")
			if !ok || apiKey == "" {
				return ctx
			}
			ctx.ProviderHeaders.SetExtraHeader("x-api-key", apiKey)
			return ctx
		},
	}
}
