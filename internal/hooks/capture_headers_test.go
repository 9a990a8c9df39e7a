package hooks

import (
	"testing"

	"github.com/ccproxy/ccproxy/internal/pipeline"
)

func TestCaptureHeaders_RedactsAuthorization(t *testing.T) {
	spec := NewCaptureHeaders()
	ctx := pipeline.NewContext()
	ctx.Raw["proxy_server_request"] = map[string]any{
		"method": "POST",
		"url":    "https://proxy.internal/v1/messages?x=1",
	}
	ctx.RawHeaders["authorization"] = "Bearer sk-ant-REDACTED"
	ctx.RawHeaders["x-request-id"] = "req-1"

	result := spec.Handler(ctx, nil)
	trace := result.TraceMetadata()

	if trace["header_authorization"] == "Bearer sk-ant-REDACTED" {
		t.Fatal("expected authorization value redacted")
	}
	if trace["header_x-request-id"] != "req-1" {
		t.Fatalf("expected non-sensitive header passed through, got %v", trace["header_x-request-id"])
	}
	if trace["http_method"] != "POST" {
		t.Fatalf("expected http_method captured, got %v", trace["http_method"])
	}
	if trace["http_path"] != "/v1/messages" {
		t.Fatalf("expected http_path captured, got %v", trace["http_path"])
	}
}

func TestCaptureHeaders_FiltersToRequestedHeaders(t *testing.T) {
	spec := NewCaptureHeaders()
	ctx := pipeline.NewContext()
	ctx.Raw["proxy_server_request"] = map[string]any{}
	ctx.RawHeaders["x-request-id"] = "req-1"
	ctx.RawHeaders["x-other"] = "value"

	result := spec.Handler(ctx, map[string]any{"headers": []string{"x-request-id"}})
	trace := result.TraceMetadata()

	if _, ok := trace["header_x-other"]; ok {
		t.Fatal("expected filtered-out header to be absent")
	}
	if trace["header_x-request-id"] != "req-1" {
		t.Fatal("expected filtered-in header to be present")
	}
}

func TestCaptureHeadersGuard_RequiresProxyServerRequest(t *testing.T) {
	ctx := pipeline.NewContext()
	if CaptureHeadersGuard(ctx) {
		t.Fatal("expected guard false without proxy_server_request")
	}
}
