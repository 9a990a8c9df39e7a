package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/ccproxy/ccproxy/internal/classifier"
	"github.com/ccproxy/ccproxy/internal/credentials"
	"github.com/ccproxy/ccproxy/internal/hooks"
	"github.com/ccproxy/ccproxy/internal/pipeline"
	"github.com/ccproxy/ccproxy/internal/router"
)

type staticExecutor struct {
	tokens map[string]string
}

func (e staticExecutor) Execute(_ context.Context, src credentials.Source) (string, error) {
	return e.tokens[src.Provider], nil
}

func newTestHandler(t *testing.T, tokens map[string]string, destinations map[string][]string) *Handler {
	t.Helper()
	var sources []credentials.Source
	for provider := range tokens {
		sources = append(sources, credentials.Source{
			Provider:     provider,
			Command:      "echo token",
			Destinations: destinations[provider],
		})
	}
	creds, err := credentials.New(sources, credentials.Options{Executor: staticExecutor{tokens: tokens}})
	if err != nil {
		t.Fatalf("building credentials manager: %v", err)
	}

	table, err := router.New(func() ([]router.ModelConfig, error) {
		return []router.ModelConfig{
			{Label: "default", Model: "claude-3-5-sonnet", CustomLLMProvider: "anthropic"},
		}, nil
	}, false)
	if err != nil {
		t.Fatalf("building router table: %v", err)
	}

	classify := classifier.NewClassifier(classifier.NewRuleSet(nil), nil)

	dag, err := pipeline.BuildDAG(hooks.Builtin(classify, table, creds), nil)
	if err != nil {
		t.Fatalf("building dag: %v", err)
	}
	executor := pipeline.NewExecutor(dag, nil)

	return New(executor, creds, nil, nil, nil)
}

func TestPreCall_RoutesOrdinaryRequest(t *testing.T) {
	h := newTestHandler(t, map[string]string{"anthropic": "cached-token"}, nil)

	ctx := pipeline.NewContext()
	ctx.Model = "sonnet"

	result, err := h.PreCall(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	model, _ := result.LitellmModel()
	if model != "claude-3-5-sonnet" {
		t.Fatalf("expected routed model, got %q", model)
	}

	status, ok := h.LastStatus()
	if !ok {
		t.Fatal("expected a status snapshot after PreCall")
	}
	if status.Model != "claude-3-5-sonnet" {
		t.Fatalf("expected status model to match routed model, got %q", status.Model)
	}
}

func TestPreCall_HealthCheckIsFlaggedAndSkipsRouting(t *testing.T) {
	h := newTestHandler(t, map[string]string{"anthropic": "cached-token"}, nil)

	ctx := pipeline.NewContext()
	ctx.Model = "sonnet"
	ctx.Raw["metadata"] = map[string]any{"tags": []any{"litellm-internal-health-check"}}

	result, err := h.PreCall(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsHealthCheck() {
		t.Fatal("expected is_health_check to be set")
	}
	if _, ok := result.ModelName(); ok {
		t.Fatal("expected rule_evaluator to be skipped for a health check")
	}
	if result.MaxTokens != 1 {
		t.Fatalf("expected max_tokens forced to 1, got %d", result.MaxTokens)
	}
}

func TestIsHealthCheckRequest(t *testing.T) {
	ctx := pipeline.NewContext()
	if isHealthCheckRequest(ctx) {
		t.Fatal("expected false with no metadata")
	}
	ctx.Raw["metadata"] = map[string]any{"tags": []any{"some-other-tag"}}
	if isHealthCheckRequest(ctx) {
		t.Fatal("expected false without the health-check marker")
	}
	ctx.Raw["metadata"] = map[string]any{"tags": []any{"litellm-internal-health-check"}}
	if !isHealthCheckRequest(ctx) {
		t.Fatal("expected true with the health-check marker present")
	}
}

func TestPostCallFailure_RefreshesTokenOnAuthError(t *testing.T) {
	h := newTestHandler(t, map[string]string{"anthropic": "refreshed-token"}, nil)

	ctx := pipeline.NewContext()
	ctx.SetLitellmModel("claude-3-5-sonnet")

	result, err := h.PostCallFailure(ctx, errors.New("upstream returned 401 unauthorized"), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected a retry result")
	}
	if result.AuthorizationHeader != "Bearer refreshed-token" {
		t.Fatalf("expected refreshed bearer token, got %q", result.AuthorizationHeader)
	}
	if result.Provider != "anthropic" {
		t.Fatalf("expected provider anthropic, got %q", result.Provider)
	}
}

func TestPostCallFailure_NonAuthErrorPropagates(t *testing.T) {
	h := newTestHandler(t, map[string]string{"anthropic": "refreshed-token"}, nil)
	ctx := pipeline.NewContext()
	ctx.SetLitellmModel("claude-3-5-sonnet")

	result, err := h.PostCallFailure(ctx, errors.New("upstream returned 500"), 0)
	if err != nil || result != nil {
		t.Fatal("expected nil, nil for a non-auth error")
	}
}

func TestPostCallFailure_RetryBudgetExhausted(t *testing.T) {
	h := newTestHandler(t, map[string]string{"anthropic": "refreshed-token"}, nil)
	ctx := pipeline.NewContext()
	ctx.SetLitellmModel("claude-3-5-sonnet")

	result, err := h.PostCallFailure(ctx, errors.New("401 unauthorized"), 1)
	if err != nil || result != nil {
		t.Fatal("expected nil, nil once the retry budget is exhausted")
	}
}
