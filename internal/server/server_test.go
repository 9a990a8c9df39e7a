package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ccproxy/ccproxy/internal/classifier"
	"github.com/ccproxy/ccproxy/internal/credentials"
	hpkg "github.com/ccproxy/ccproxy/internal/handler"
	"github.com/ccproxy/ccproxy/internal/hooks"
	"github.com/ccproxy/ccproxy/internal/pipeline"
	"github.com/ccproxy/ccproxy/internal/router"
)

type staticExecutor struct{ tokens map[string]string }

func (e staticExecutor) Execute(_ context.Context, src credentials.Source) (string, error) {
	return e.tokens[src.Provider], nil
}

func newTestServer(t *testing.T, upstream string) *Server {
	t.Helper()
	creds, err := credentials.New(nil, credentials.Options{Executor: staticExecutor{}})
	if err != nil {
		t.Fatalf("building credentials manager: %v", err)
	}
	table, err := router.New(func() ([]router.ModelConfig, error) {
		return []router.ModelConfig{{Label: "default", Model: "claude-3-5-sonnet", APIBase: upstream}}, nil
	}, false)
	if err != nil {
		t.Fatalf("building router table: %v", err)
	}
	classify := classifier.NewClassifier(classifier.NewRuleSet(nil), nil)
	dag, err := pipeline.BuildDAG(hooks.Builtin(classify, table, creds), nil)
	if err != nil {
		t.Fatalf("building dag: %v", err)
	}
	h := hpkg.New(pipeline.NewExecutor(dag, nil), creds, nil, nil, nil)
	return New(Options{Handler: h, DefaultUpstream: upstream})
}

func TestHandleCompletion_ForwardsRoutedRequestUpstream(t *testing.T) {
	var gotBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL)

	reqBody := `{"model":"sonnet","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(reqBody)))
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotBody["model"] != "claude-3-5-sonnet" {
		t.Fatalf("expected routed model forwarded upstream, got %v", gotBody["model"])
	}
}

func TestHandleCompletion_InvalidJSONRejected(t *testing.T) {
	srv := newTestServer(t, "http://unused")
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestContextFromBody_ExtractsTypedFields(t *testing.T) {
	raw := map[string]any{
		"model":      "sonnet",
		"messages":   []any{map[string]any{"role": "user", "content": "hi"}},
		"system":     "be nice",
		"max_tokens": float64(256),
		"stream":     true,
		"untouched":  "survives",
	}
	ctx := contextFromBody(raw, http.Header{})

	if ctx.Model != "sonnet" {
		t.Fatalf("expected model sonnet, got %q", ctx.Model)
	}
	if len(ctx.Messages) != 1 || ctx.Messages[0].Role != "user" {
		t.Fatalf("expected one user message, got %+v", ctx.Messages)
	}
	if ctx.System == nil || ctx.System.Text != "be nice" {
		t.Fatalf("expected system text, got %+v", ctx.System)
	}
	if ctx.MaxTokens != 256 {
		t.Fatalf("expected max_tokens 256, got %d", ctx.MaxTokens)
	}
	if !ctx.Stream {
		t.Fatal("expected stream true")
	}
	if ctx.Raw["untouched"] != "survives" {
		t.Fatal("expected untouched raw field to survive")
	}
}

func TestBodyFromContext_RoundTripsUntouchedFields(t *testing.T) {
	ctx := pipeline.NewContext()
	ctx.Raw["proxy_server_request"] = map[string]any{"method": "POST"}
	ctx.Model = "claude-3-5-sonnet"
	ctx.Stream = true

	body, err := bodyFromContext(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded["model"] != "claude-3-5-sonnet" {
		t.Fatalf("expected model in output body, got %v", decoded["model"])
	}
	if _, ok := decoded["proxy_server_request"]; !ok {
		t.Fatal("expected untouched raw field preserved in output body")
	}
}
