package hooks

import (
	"context"
	"testing"

	"github.com/ccproxy/ccproxy/internal/credentials"
	"github.com/ccproxy/ccproxy/internal/pipeline"
	"github.com/ccproxy/ccproxy/internal/router"
)

type staticExecutor struct {
	tokens map[string]string
}

func (e staticExecutor) Execute(_ context.Context, src credentials.Source) (string, error) {
	return e.tokens[src.Provider], nil
}

func newTestManager(t *testing.T, tokens map[string]string, destinations map[string][]string) *credentials.Manager {
	t.Helper()
	var sources []credentials.Source
	for provider := range tokens {
		sources = append(sources, credentials.Source{
			Provider:     provider,
			Command:      "echo token",
			Destinations: destinations[provider],
		})
	}
	mgr, err := credentials.New(sources, credentials.Options{Executor: staticExecutor{tokens: tokens}})
	if err != nil {
		t.Fatalf("unexpected error building manager: %v", err)
	}
	return mgr
}

func TestForwardOAuth_SubstitutesSentinelKey(t *testing.T) {
	creds := newTestManager(t, map[string]string{"anthropic": "cached-oauth-token"}, nil)
	spec := NewForwardOAuth(creds)

	ctx := pipeline.NewContext()
	ctx.SetLitellmModel("claude-3-5-sonnet")
	ctx.SetModelConfig(router.ModelConfig{CustomLLMProvider: "anthropic"})
	ctx.RawHeaders["authorization"] = "Bearer " + OAuthSentinelPrefix + "anthropic"

	result := spec.Handler(ctx, nil)

	got := result.ProviderHeaders.ExtraHeaders["authorization"]
	if got != "Bearer cached-oauth-token" {
		t.Fatalf("expected substituted bearer token, got %q", got)
	}
	if result.ProviderHeaders.ExtraHeaders["x-api-key"] != "" {
		t.Fatal("expected x-api-key cleared for OAuth bearer auth")
	}
	if result.APIKey != "cached-oauth-token" {
		t.Fatalf("expected ctx.APIKey set from bearer token, got %q", result.APIKey)
	}
}

func TestForwardOAuth_FallsBackToCachedTokenWhenNoAuthHeader(t *testing.T) {
	creds := newTestManager(t, map[string]string{"anthropic": "cached-oauth-token"}, nil)
	spec := NewForwardOAuth(creds)

	ctx := pipeline.NewContext()
	ctx.SetLitellmModel("claude-3-5-sonnet")
	ctx.SetModelConfig(router.ModelConfig{CustomLLMProvider: "anthropic"})

	result := spec.Handler(ctx, nil)

	if result.ProviderHeaders.ExtraHeaders["authorization"] != "Bearer cached-oauth-token" {
		t.Fatalf("expected cached token forwarded, got %q", result.ProviderHeaders.ExtraHeaders["authorization"])
	}
}

func TestForwardOAuth_NoProviderDetectedIsNoop(t *testing.T) {
	creds := newTestManager(t, map[string]string{"anthropic": "cached-oauth-token"}, nil)
	spec := NewForwardOAuth(creds)

	ctx := pipeline.NewContext()
	ctx.SetLitellmModel("some-unknown-model")

	result := spec.Handler(ctx, nil)

	if _, ok := result.ProviderHeaders.ExtraHeaders["authorization"]; ok {
		t.Fatal("expected no authorization header set when provider can't be detected")
	}
}

func TestForwardOAuth_PerModelAPIKeyShortCircuits(t *testing.T) {
	creds := newTestManager(t, map[string]string{"anthropic": "cached-oauth-token"}, nil)
	spec := NewForwardOAuth(creds)

	ctx := pipeline.NewContext()
	ctx.SetLitellmModel("claude-3-5-sonnet")
	ctx.SetModelConfig(router.ModelConfig{CustomLLMProvider: "anthropic", APIKey: "configured-key"})
	ctx.RawHeaders["authorization"] = "Bearer " + OAuthSentinelPrefix + "anthropic"

	result := spec.Handler(ctx, nil)

	if _, ok := result.ProviderHeaders.ExtraHeaders["authorization"]; ok {
		t.Fatal("expected no OAuth header set when model config carries its own api_key")
	}
	if _, ok := result.ProviderHeaders.ExtraHeaders["x-api-key"]; ok {
		t.Fatal("expected x-api-key left untouched when model config carries its own api_key")
	}
}

func TestForwardOAuth_DestinationMatchTakesPriorityOverNameHeuristic(t *testing.T) {
	destinations := map[string][]string{"zai": {"z.ai"}}
	creds := newTestManager(t, map[string]string{"zai": "zai-oauth-token"}, destinations)
	spec := NewForwardOAuth(creds)

	ctx := pipeline.NewContext()
	ctx.SetLitellmModel("glm-4.5")
	ctx.SetModelConfig(router.ModelConfig{APIBase: "https://api.z.ai/v1"})

	result := spec.Handler(ctx, nil)

	if result.ProviderHeaders.CustomLLMProvider != "zai" {
		t.Fatalf("expected destination match to resolve provider %q, got %q", "zai", result.ProviderHeaders.CustomLLMProvider)
	}
	if result.ProviderHeaders.ExtraHeaders["authorization"] != "Bearer zai-oauth-token" {
		t.Fatalf("expected zai's cached token forwarded, got %q", result.ProviderHeaders.ExtraHeaders["authorization"])
	}
}

func TestForwardOAuthGuard(t *testing.T) {
	ctx := pipeline.NewContext()
	if ForwardOAuthGuard(ctx) {
		t.Fatal("expected guard false before model_router runs")
	}
	ctx.SetLitellmModel("claude-3-5-sonnet")
	if !ForwardOAuthGuard(ctx) {
		t.Fatal("expected guard true once litellm_model is set")
	}
}
