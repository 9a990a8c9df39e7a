package hooks

import (
	"testing"

	"github.com/ccproxy/ccproxy/internal/pipeline"
)

func TestForwardAPIKey_ForwardsHeader(t *testing.T) {
	spec := NewForwardAPIKey()
	ctx := pipeline.NewContext()
	ctx.RawHeaders["x-api-key"] = "client-key-123"

	result := spec.Handler(ctx, nil)

	if result.ProviderHeaders.ExtraHeaders["x-api-key"] != "client-key-123" {
		t.Fatalf("expected x-api-key forwarded, got %q", result.ProviderHeaders.ExtraHeaders["x-api-key"])
	}
}

func TestForwardAPIKeyGuard(t *testing.T) {
	ctx := pipeline.NewContext()
	if ForwardAPIKeyGuard(ctx) {
		t.Fatal("expected guard false without x-api-key")
	}
	ctx.RawHeaders["x-api-key"] = "client-key-123"
	if !ForwardAPIKeyGuard(ctx) {
		t.Fatal("expected guard true once x-api-key is present")
	}
}
