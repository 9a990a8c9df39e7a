package hooks

import (
	"testing"

	"github.com/ccproxy/ccproxy/internal/pipeline"
	"github.com/ccproxy/ccproxy/internal/router"
)

func TestAddBetaHeaders_MergesWithExistingValue(t *testing.T) {
	spec := NewAddBetaHeaders()
	ctx := pipeline.NewContext()
	ctx.SetLitellmModel("claude-3-5-sonnet")
	ctx.SetModelConfig(router.ModelConfig{CustomLLMProvider: "anthropic"})
	ctx.ProviderHeaders.SetExtraHeader("anthropic-beta", "custom-beta-1")

	result := spec.Handler(ctx, nil)

	got := result.ProviderHeaders.ExtraHeaders["anthropic-beta"]
	want := "oauth-2025-04-20,claude-code-20250219,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14,custom-beta-1"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if result.ProviderHeaders.ExtraHeaders["anthropic-version"] != AnthropicAPIVersion {
		t.Fatalf("expected anthropic-version set, got %q", result.ProviderHeaders.ExtraHeaders["anthropic-version"])
	}
}

func TestAddBetaHeadersGuard_NonAnthropicIsSkipped(t *testing.T) {
	ctx := pipeline.NewContext()
	ctx.SetLitellmModel("gpt-4")
	ctx.SetModelConfig(router.ModelConfig{CustomLLMProvider: "openai"})
	if AddBetaHeadersGuard(ctx) {
		t.Fatal("expected guard false for a non-Anthropic provider")
	}
}

func TestAddBetaHeadersGuard_AnthropicByModelName(t *testing.T) {
	ctx := pipeline.NewContext()
	ctx.SetLitellmModel("claude-3-opus")
	if !AddBetaHeadersGuard(ctx) {
		t.Fatal("expected guard true for a claude-named model with no explicit provider")
	}
}

func TestAddBetaHeadersGuard_SkipsWhenModelHasOwnAPIKey(t *testing.T) {
	ctx := pipeline.NewContext()
	ctx.SetLitellmModel("claude-3-opus")
	ctx.SetModelConfig(router.ModelConfig{CustomLLMProvider: "anthropic", APIKey: "configured-key"})
	if AddBetaHeadersGuard(ctx) {
		t.Fatal("expected guard false for an Anthropic model carrying its own api_key")
	}
}
