package mitm

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ccproxy/ccproxy/internal/config"
)

type fakeStorage struct {
	created    []*Trace
	completed  map[string]Completion
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{completed: make(map[string]Completion)}
}

func (f *fakeStorage) CreateTrace(t *Trace) error {
	f.created = append(f.created, t)
	return nil
}

func (f *fakeStorage) CompleteTrace(id string, c Completion) error {
	f.completed[id] = c
	return nil
}

func (f *fakeStorage) Close() error { return nil }

func TestAddon_FixOAuthHeaders_RemovesXAPIKeyAndMergesBetas(t *testing.T) {
	addon := NewAddon(config.MitmConfig{}, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", bytes.NewReader([]byte(`{"messages":[]}`)))
	req.Host = "api.anthropic.com"
	req.Header.Set("authorization", "Bearer sk-ant-oat-token")
	req.Header.Set("x-api-key", "should-be-removed")
	req.Header.Set("anthropic-beta", "custom-beta")

	addon.Director(req)

	if req.Header.Get("x-api-key") != "" {
		t.Fatal("expected x-api-key removed for OAuth bearer request")
	}
	got := req.Header.Get("anthropic-beta")
	want := "oauth-2025-04-20,claude-code-20250219,interleaved-thinking-2025-05-14,custom-beta"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestAddon_FixOAuthHeaders_SkipsNonAnthropicHost(t *testing.T) {
	addon := NewAddon(config.MitmConfig{}, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", nil)
	req.Host = "api.openai.com"
	req.Header.Set("authorization", "Bearer sk-oat-token")
	req.Header.Set("x-api-key", "keep-me")

	addon.Director(req)

	if req.Header.Get("x-api-key") != "keep-me" {
		t.Fatal("expected x-api-key untouched for a non-Anthropic host")
	}
}

func TestAddon_InjectsIdentityIntoStringSystem(t *testing.T) {
	addon := NewAddon(config.MitmConfig{}, nil, nil)
	body := []byte(`{"messages":[{"role":"user","content":"hi"}],"system":"be nice"}`)
	req := httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", bytes.NewReader(body))
	req.Host = "api.anthropic.com"
	req.Header.Set("authorization", "Bearer sk-ant-oat-token")

	addon.Director(req)

	raw, _ := io.ReadAll(req.Body)
	if !bytes.Contains(raw, []byte(claudeCodeSystemPrefix)) {
		t.Fatalf("expected identity prefix injected into body, got %s", raw)
	}
}

func TestAddon_CreatesAndCompletesTrace(t *testing.T) {
	storage := newFakeStorage()
	addon := NewAddon(config.MitmConfig{CaptureBodies: true}, storage, nil)

	req := httptest.NewRequest(http.MethodGet, "https://api.openai.com/v1/models", nil)
	req.Host = "api.openai.com"
	addon.Director(req)

	if len(storage.created) != 1 {
		t.Fatalf("expected one trace created, got %d", len(storage.created))
	}
	traceID := storage.created[0].ID

	resp := &http.Response{StatusCode: 200, Header: http.Header{}, Request: req, Body: io.NopCloser(bytes.NewReader(nil))}
	if err := addon.ModifyResponse(resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := storage.completed[traceID]; !ok {
		t.Fatal("expected trace completed")
	}
}
