package hooks

import (
	"fmt"

	"github.com/ccproxy/ccproxy/internal/credentials"
	"github.com/ccproxy/ccproxy/internal/pipeline"
)

// ForwardOAuthGuard runs once model_router has resolved an upstream model;
// it decides for itself whether there's anything to forward.
func ForwardOAuthGuard(ctx *pipeline.Context) bool {
	_, ok := ctx.LitellmModel()
	return ok
}

// NewForwardOAuth builds the forward_oauth HookSpec, closing over the
// credential manager it draws cached tokens and user agents from.
func NewForwardOAuth(creds *credentials.Manager) pipeline.HookSpec {
	return pipeline.HookSpec{
		Name:   "forward_oauth",
		Reads:  pipeline.ReadsKeys("ccproxy_litellm_model", "ccproxy_model_config", "authorization"),
		Writes: pipeline.WritesKeys("authorization", "x-api-key", "api_key", "provider_specific_header"),
		Guard:  ForwardOAuthGuard,
		Handler: func(ctx *pipeline.Context, _ map[string]any) *pipeline.Context {
			routedModel, _ := ctx.LitellmModel()
			if routedModel == "" {
				return ctx
			}

			cfg, _ := modelConfigFrom(ctx)
			if cfg.APIKey != "" {
				return ctx
			}

			providerName, ok := creds.GetProviderForDestination(cfg.APIBase)
			if !ok {
				providerName = DetectProvider(routedModel, cfg.CustomLLMProvider, cfg.APIBase)
			}
			if providerName == "" {
				return ctx
			}

			authHeader, _ := ctx.Header("authorization")
			authHeader = substituteSentinel(authHeader, creds)

			if authHeader == "" {
				token, ok := creds.GetOAuthToken(providerName)
				if !ok || token == "" {
					return ctx
				}
				authHeader = "Bearer " + token
			}

			ctx.ProviderHeaders.CustomLLMProvider = providerName
			ctx.ProviderHeaders.SetExtraHeader("authorization", authHeader)
			ctx.ProviderHeaders.SetExtraHeader("x-api-key", "")

			if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
				ctx.APIKey = authHeader[7:]
				if _, ok := ctx.Metadata["model_group"]; !ok {
					group := ctx.Model
					if group == "" {
						group = "default"
					}
					ctx.Metadata["model_group"] = group
				}
			}

			if userAgent, ok := creds.GetOAuthUserAgent(providerName); ok && userAgent != "" {
				ctx.ProviderHeaders.SetExtraHeader("user-agent", userAgent)
			}

			return ctx
		},
	}
}

// substituteSentinel replaces a ccproxy sentinel bearer token with the
// cached OAuth token for the provider it names. Returns "" if the token
// is a sentinel for a provider with no cached token, signaling the
// caller to drop the header rather than forward the sentinel upstream.
func substituteSentinel(authHeader string, creds *credentials.Manager) string {
	token := StripBearer(authHeader)
	if !IsSentinelKey(token) {
		return authHeader
	}
	sentinelProvider := token[len(OAuthSentinelPrefix):]
	oauthToken, ok := creds.GetOAuthToken(sentinelProvider)
	if !ok || oauthToken == "" {
		return ""
	}
	return fmt.Sprintf("Bearer %s", oauthToken)
}
