package hooks

import (
	"testing"

	"github.com/ccproxy/ccproxy/internal/pipeline"
)

func requestWithUserID(userID string) *pipeline.Context {
	ctx := pipeline.NewContext()
	ctx.Raw["proxy_server_request"] = map[string]any{
		"body": map[string]any{
			"metadata": map[string]any{
				"user_id": userID,
			},
		},
	}
	return ctx
}

func TestExtractSessionID_ParsesFullUserID(t *testing.T) {
	spec := NewExtractSessionID()
	ctx := requestWithUserID("user_abc123_account_acct-uuid_session_sess-uuid")

	result := spec.Handler(ctx, nil)

	if result.Metadata["session_id"] != "sess-uuid" {
		t.Fatalf("expected session_id extracted, got %v", result.Metadata["session_id"])
	}
	trace := result.TraceMetadata()
	if trace["claude_user_hash"] != "abc123" {
		t.Fatalf("expected claude_user_hash extracted, got %v", trace["claude_user_hash"])
	}
	if trace["claude_account_id"] != "acct-uuid" {
		t.Fatalf("expected claude_account_id extracted, got %v", trace["claude_account_id"])
	}
}

func TestExtractSessionID_MissingSessionMarkerIsNoop(t *testing.T) {
	spec := NewExtractSessionID()
	ctx := requestWithUserID("user_abc123_account_acct-uuid")

	result := spec.Handler(ctx, nil)

	if _, ok := result.Metadata["session_id"]; ok {
		t.Fatal("expected no session_id set without a _session_ marker")
	}
}

func TestExtractSessionIDGuard_RequiresProxyServerRequest(t *testing.T) {
	ctx := pipeline.NewContext()
	if ExtractSessionIDGuard(ctx) {
		t.Fatal("expected guard false without proxy_server_request")
	}
	ctx.Raw["proxy_server_request"] = map[string]any{}
	if !ExtractSessionIDGuard(ctx) {
		t.Fatal("expected guard true once proxy_server_request is present")
	}
}
