package mitm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ccproxy/ccproxy/internal/config"
)

// claudeCodeSystemPrefix is the required Claude Code OAuth system-prompt
// preamble. Duplicated from internal/hooks's pipeline-level hook rather
// than imported: the mitm addon and the transformation pipeline act at
// different layers (raw HTTP bytes vs. a parsed Context) and, per the
// original split between pipeline/hooks/ and mitm/addon.py, apply this
// fixup independently so either layer alone is still correct.
const claudeCodeSystemPrefix = "You are Claude Code, Anthropic's official CLI for Claude."

type flowIDKey struct{}

func withFlowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, flowIDKey{}, id)
}

func flowIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(flowIDKey{}).(string)
	return id, ok
}

// Addon wires the traffic-capture/OAuth-header-fixup behavior into a
// net/http/httputil.ReverseProxy via its Director, ModifyResponse, and
// ErrorHandler hooks, reaching the original design's two outcomes —
// header rewriting and trace capture — through the stdlib reverse-proxy
// extension points instead of a separate MITM process.
type Addon struct {
	cfg     config.MitmConfig
	storage Storage
	logger  *slog.Logger

	mu     sync.Mutex
	starts map[string]time.Time
}

// NewAddon builds an Addon. storage may be nil, in which case header
// fixups still run but no trace is persisted.
func NewAddon(cfg config.MitmConfig, storage Storage, logger *slog.Logger) *Addon {
	return &Addon{cfg: cfg, storage: storage, logger: logger, starts: make(map[string]time.Time)}
}

// Director fixes up OAuth-sensitive headers and, when the request body
// is readable, injects the Claude Code identity prefix — then (if
// storage is configured) opens a trace for the request.
func (a *Addon) Director(req *http.Request) {
	a.fixOAuthHeaders(req)
	if a.storage == nil {
		return
	}
	a.createTrace(req)
}

// ModifyResponse completes the trace opened by Director.
func (a *Addon) ModifyResponse(resp *http.Response) error {
	if a.storage == nil {
		return nil
	}
	a.completeTrace(resp.Request, Completion{
		StatusCode:      resp.StatusCode,
		ResponseHeaders: flattenHeader(resp.Header),
		ResponseBody:    a.peekBody(resp),
		ContentType:     resp.Header.Get("content-type"),
		EndedAt:         time.Now(),
	})
	return nil
}

// ErrorHandler completes the trace with an error outcome, then writes a
// 502 to the client. It is meant to be installed as the ReverseProxy's
// ErrorHandler.
func (a *Addon) ErrorHandler(w http.ResponseWriter, req *http.Request, err error) {
	if a.storage != nil {
		a.completeTrace(req, Completion{
			StatusCode:   0,
			ErrorMessage: err.Error(),
			EndedAt:      time.Now(),
		})
	}
	if a.logger != nil {
		a.logger.Warn("upstream request failed", "error", err, "url", req.URL.String())
	}
	w.WriteHeader(http.StatusBadGateway)
}

// fixOAuthHeaders strips x-api-key and ensures the required anthropic-beta
// set for OAuth Bearer requests to Anthropic's API (LiteLLM always sends
// x-api-key; Anthropic rejects the request if both headers are present).
func (a *Addon) fixOAuthHeaders(req *http.Request) {
	if !strings.Contains(strings.ToLower(req.Host), "api.anthropic.com") {
		return
	}
	auth := req.Header.Get("authorization")
	if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return
	}
	req.Header.Del("x-api-key")

	required := []string{"oauth-2025-04-20", "claude-code-20250219", "interleaved-thinking-2025-05-14"}
	existing := req.Header.Get("anthropic-beta")
	req.Header.Set("anthropic-beta", mergeBetas(required, existing))

	a.injectIdentity(req)
}

// mergeBetas dedups required betas against any already-present value,
// required-first. Mirrors internal/hooks's identically-named helper;
// see claudeCodeSystemPrefix for why it isn't shared across packages.
func mergeBetas(required []string, existing string) string {
	seen := make(map[string]struct{}, len(required))
	var out []string
	add := func(v string) {
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	for _, b := range required {
		add(b)
	}
	for _, b := range strings.Split(existing, ",") {
		add(strings.TrimSpace(b))
	}
	return strings.Join(out, ",")
}

func (a *Addon) injectIdentity(req *http.Request) {
	if req.Body == nil {
		return
	}
	raw, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return
	}
	req.Body = io.NopCloser(bytes.NewReader(raw))

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return
	}
	if _, ok := body["messages"]; !ok {
		return
	}

	modified, newBody := injectIdentityIntoBody(body)
	if !modified {
		return
	}
	encoded, err := json.Marshal(newBody)
	if err != nil {
		return
	}
	req.Body = io.NopCloser(bytes.NewReader(encoded))
	req.ContentLength = int64(len(encoded))
	req.Header.Set("content-length", strconv.Itoa(len(encoded)))
}

func injectIdentityIntoBody(body map[string]any) (bool, map[string]any) {
	const prefix = claudeCodeSystemPrefix
	system, has := body["system"]
	switch {
	case !has || system == nil:
		body["system"] = prefix
		return true, body
	case isString(system):
		s := system.(string)
		if strings.HasPrefix(s, prefix) {
			return false, body
		}
		body["system"] = prefix + "\n\n" + s
		return true, body
	case isBlockList(system):
		blocks := system.([]any)
		for _, b := range blocks {
			block, ok := b.(map[string]any)
			if !ok {
				continue
			}
			if block["type"] == "text" {
				if text, ok := block["text"].(string); ok && strings.HasPrefix(text, prefix) {
					return false, body
				}
			}
		}
		body["system"] = append([]any{map[string]any{"type": "text", "text": prefix}}, blocks...)
		return true, body
	default:
		return false, body
	}
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func isBlockList(v any) bool {
	_, ok := v.([]any)
	return ok
}

func (a *Addon) createTrace(req *http.Request) {
	id := uuid.NewString()
	ctx := req.Context()
	req2 := req.WithContext(withFlowID(ctx, id))
	*req = *req2

	path := req.URL.Path
	traffic := classifyTraffic(req.Host, path, a.cfg.LLMHosts)

	trace := &Trace{
		ID:             id,
		TrafficType:    traffic,
		Method:         req.Method,
		URL:            req.URL.String(),
		Host:           req.Host,
		Path:           path,
		RequestHeaders: flattenHeader(req.Header),
		ContentType:    req.Header.Get("content-type"),
		StartedAt:      time.Now(),
	}

	if a.cfg.CaptureBodies && req.Body != nil {
		raw, err := io.ReadAll(req.Body)
		if err == nil {
			req.Body = io.NopCloser(bytes.NewReader(raw))
			trace.RequestBody = a.truncate(raw)
			trace.RequestBodyLen = len(raw)
		}
	}

	if err := a.storage.CreateTrace(trace); err != nil && a.logger != nil {
		a.logger.Error("failed to create trace", "error", err, "trace_id", id)
	}
	a.mu.Lock()
	a.starts[id] = trace.StartedAt
	a.mu.Unlock()
}

func (a *Addon) completeTrace(req *http.Request, c Completion) {
	id, ok := flowIDFrom(req.Context())
	if !ok {
		return
	}
	a.mu.Lock()
	started, hasStart := a.starts[id]
	delete(a.starts, id)
	a.mu.Unlock()
	if hasStart {
		c.DurationMS = float64(time.Since(started).Microseconds()) / 1000.0
	}
	if err := a.storage.CompleteTrace(id, c); err != nil && a.logger != nil {
		a.logger.Error("failed to complete trace", "error", err, "trace_id", id)
	}
}

func (a *Addon) peekBody(resp *http.Response) []byte {
	if !a.cfg.CaptureBodies || resp.Body == nil {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	return a.truncate(raw)
}

func (a *Addon) truncate(body []byte) []byte {
	if a.cfg.MaxBodySize > 0 && len(body) > a.cfg.MaxBodySize {
		return body[:a.cfg.MaxBodySize]
	}
	return body
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

