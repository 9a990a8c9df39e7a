// Package hooks implements the seven built-in pipeline hooks (plus the
// supplemental forward_apikey hook) and the shared guard predicates they
// use to decide whether to run.
package hooks

import (
	"strings"

	"github.com/ccproxy/ccproxy/internal/pipeline"
	"github.com/ccproxy/ccproxy/internal/router"
)

// IsOAuthRequest reports whether the inbound authorization header is a
// Bearer token.
func IsOAuthRequest(ctx *pipeline.Context) bool {
	auth, ok := ctx.Header("authorization")
	return ok && strings.HasPrefix(strings.ToLower(auth), "bearer ")
}

// RoutesToAnthropicProvider reports whether the resolved upstream
// destination is part of the Anthropic family (anthropic.com or a host
// declared to speak its wire protocol, e.g. z.ai).
func RoutesToAnthropicProvider(apiBase string) bool {
	lower := strings.ToLower(apiBase)
	return strings.Contains(lower, "anthropic.com") || strings.Contains(lower, "z.ai")
}

// RoutesToClaudeModel reports whether the resolved upstream model name
// looks like a Claude model.
func RoutesToClaudeModel(ctx *pipeline.Context) bool {
	model, _ := ctx.LitellmModel()
	return strings.Contains(strings.ToLower(model), "claude")
}

// IsSentinelKey reports whether a bearer token (without the "Bearer "
// prefix) is a ccproxy sentinel key.
func IsSentinelKey(token string) bool {
	return strings.HasPrefix(token, OAuthSentinelPrefix)
}

// HasModelRouting reports whether model_router has already resolved a
// label for this request.
func HasModelRouting(ctx *pipeline.Context) bool {
	_, ok := ctx.ModelName()
	return ok
}

// HasModelConfig reports whether a routing table entry has been attached.
func HasModelConfig(ctx *pipeline.Context) bool {
	_, ok := ctx.ModelConfig()
	return ok
}

// StripBearer removes a leading "Bearer " (case-insensitive), returning
// the bare token unchanged if the prefix isn't present.
func StripBearer(value string) string {
	if len(value) >= 7 && strings.EqualFold(value[:7], "bearer ") {
		return value[7:]
	}
	return value
}

// modelConfigFrom extracts the router.ModelConfig model_router attached
// to the context, if any. ModelConfig is stored as `any` on Context so
// the pipeline package stays free of a router import.
func modelConfigFrom(ctx *pipeline.Context) (router.ModelConfig, bool) {
	v, ok := ctx.ModelConfig()
	if !ok {
		return router.ModelConfig{}, false
	}
	cfg, ok := v.(router.ModelConfig)
	return cfg, ok
}
