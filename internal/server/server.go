// Package server implements the minimal net/http front end spec.md §4.7
// calls the "host HTTP proxy framework", reduced to the smallest surface
// needed for a runnable, testable binary: parse the inbound envelope
// (§6), run it through handler.Handler.PreCall, forward upstream, and
// retry once via handler.Handler.PostCallFailure on a 401.
package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ccproxy/ccproxy/internal/handler"
	"github.com/ccproxy/ccproxy/internal/pipeline"
	"github.com/ccproxy/ccproxy/internal/router"
)

// maxRequestBody caps how much of the inbound envelope gets read.
const maxRequestBody = 10 * 1024 * 1024

// Options configures a new Server.
type Options struct {
	Handler *handler.Handler
	Logger  *slog.Logger

	// DefaultUpstream is the api_base used when the resolved
	// router.ModelConfig carries none (e.g. passthrough with no
	// matching table entry). Required.
	DefaultUpstream string

	// Client is the upstream HTTP client. A tuned default is used if nil.
	Client *http.Client
}

// Server is the HTTP front end: one handler mounted at the completion
// endpoint, built with a connection-pooled upstream client tuned for
// bursty, long-lived LLM requests.
type Server struct {
	handler  *handler.Handler
	logger   *slog.Logger
	client   *http.Client
	fallback string
}

// New builds a Server from Options, supplying a tuned upstream
// http.Client if none was given.
func New(opts Options) *Server {
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     120 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				ForceAttemptHTTP2:   true,
			},
			// No Timeout: streaming completions can run for minutes;
			// nothing in this module buffers or times out the SSE body.
		}
	}
	return &Server{handler: opts.Handler, logger: opts.Logger, client: client, fallback: opts.DefaultUpstream}
}

// Mux returns the request router, ready to hand to http.Server.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", s.handleCompletion)
	return mux
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	ctx := contextFromBody(raw, r.Header)

	next, err := s.handler.PreCall(ctx)
	if err != nil {
		s.logError("pre_call failed", err)
		http.Error(w, "request rejected by routing pipeline", http.StatusBadGateway)
		return
	}

	s.forward(w, r, next, 0)
}

// forward sends the (possibly hook-mutated) request upstream, retrying
// once via handler.PostCallFailure if the upstream responds 401 —
// spec.md §9's Open Question: the retry's success is returned through
// the ordinary response path below, not disguised as a synthetic 200.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, ctx *pipeline.Context, retryCount int) {
	upstream, outBody, err := s.buildUpstreamRequest(ctx)
	if err != nil {
		s.logError("building upstream request", err)
		http.Error(w, "failed to build upstream request", http.StatusInternalServerError)
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstream, bytes.NewReader(outBody))
	if err != nil {
		s.logError("creating upstream request", err)
		http.Error(w, "failed to create upstream request", http.StatusInternalServerError)
		return
	}
	copyHeaders(upstreamReq.Header, ctx)
	upstreamReq.ContentLength = int64(len(outBody))

	resp, err := s.client.Do(upstreamReq)
	if err != nil {
		s.logError("upstream request failed", err)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		retryResult, retryErr := s.handler.PostCallFailure(ctx, fmt.Errorf("upstream returned 401 unauthorized"), retryCount)
		if retryErr == nil && retryResult != nil {
			ctx.ProviderHeaders.SetExtraHeader("authorization", retryResult.AuthorizationHeader)
			ctx.ProviderHeaders.SetExtraHeader("x-api-key", "")
			s.forward(w, r, ctx, retryCount+1)
			return
		}
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// buildUpstreamRequest resolves the destination URL from the routed
// ModelConfig's api_base (falling back to the server's configured
// default) and re-serializes the Context back into a JSON body,
// overlaying the hook-mutated typed fields onto the preserved Raw map
// so untouched fields survive the round trip losslessly.
func (s *Server) buildUpstreamRequest(ctx *pipeline.Context) (string, []byte, error) {
	base := s.fallback
	if cfg, ok := ctx.ModelConfig(); ok {
		if mc, ok := cfg.(router.ModelConfig); ok && mc.APIBase != "" {
			base = mc.APIBase
		}
	}
	body, err := bodyFromContext(ctx)
	if err != nil {
		return "", nil, err
	}
	return strings.TrimRight(base, "/") + "/v1/messages", body, nil
}

func copyHeaders(dst http.Header, ctx *pipeline.Context) {
	for name, value := range ctx.Headers {
		dst.Set(name, value)
	}
	for name, value := range ctx.ProviderHeaders.ExtraHeaders {
		dst.Set(name, value)
	}
	dst.Set("content-type", "application/json")
}

var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func (s *Server) logError(msg string, err error) {
	if s.logger != nil {
		s.logger.Error(msg, "error", err)
	}
}

// contextFromBody builds a pipeline.Context from the decoded JSON
// envelope (spec.md §6's inbound contract), extracting the typed fields
// every hook reads/writes and preserving everything else on ctx.Raw.
func contextFromBody(raw map[string]any, headers http.Header) *pipeline.Context {
	ctx := pipeline.NewContext()
	ctx.Raw = raw

	if model, ok := raw["model"].(string); ok {
		ctx.Model = model
	}
	if msgs, ok := raw["messages"].([]any); ok {
		for _, m := range msgs {
			if mm, ok := m.(map[string]any); ok {
				role, _ := mm["role"].(string)
				ctx.Messages = append(ctx.Messages, pipeline.Message{Role: role, Content: mm["content"]})
			}
		}
	}
	ctx.System = systemFromRaw(raw["system"])
	if tools, ok := raw["tools"].([]any); ok {
		for _, t := range tools {
			if tm, ok := t.(map[string]any); ok {
				name, _ := tm["name"].(string)
				desc, _ := tm["description"].(string)
				ctx.Tools = append(ctx.Tools, pipeline.Tool{Name: name, Description: desc, InputSchema: tm["input_schema"]})
			}
		}
	}
	ctx.Thinking = raw["thinking"]
	if maxTokens, ok := raw["max_tokens"].(float64); ok {
		ctx.MaxTokens = int(maxTokens)
	}
	if stream, ok := raw["stream"].(bool); ok {
		ctx.Stream = stream
	}

	for name := range headers {
		ctx.Headers[strings.ToLower(name)] = headers.Get(name)
	}
	if psr, ok := raw["proxy_server_request"].(map[string]any); ok {
		if hdrs, ok := psr["headers"].(map[string]any); ok {
			for name, v := range hdrs {
				if s, ok := v.(string); ok {
					ctx.RawHeaders[strings.ToLower(name)] = s
				}
			}
		}
		if secret, ok := psr["secret_fields"].(map[string]any); ok {
			if rawHeaders, ok := secret["raw_headers"].(map[string]any); ok {
				for name, v := range rawHeaders {
					if s, ok := v.(string); ok {
						ctx.RawHeaders[strings.ToLower(name)] = s
					}
				}
			}
		}
	}

	return ctx
}

func systemFromRaw(v any) *pipeline.System {
	switch sys := v.(type) {
	case string:
		if sys == "" {
			return nil
		}
		return &pipeline.System{Text: sys}
	case []any:
		sysVal := &pipeline.System{}
		for _, b := range sys {
			if bm, ok := b.(map[string]any); ok {
				typ, _ := bm["type"].(string)
				text, _ := bm["text"].(string)
				sysVal.Blocks = append(sysVal.Blocks, pipeline.SystemBlock{Type: typ, Text: text})
			}
		}
		return sysVal
	default:
		return nil
	}
}

// bodyFromContext overlays the Context's typed fields back onto its
// preserved Raw map and marshals the result, so a hook-mutated model,
// system prompt, or messages list reaches the upstream body while every
// field no hook touches survives unchanged.
func bodyFromContext(ctx *pipeline.Context) ([]byte, error) {
	out := make(map[string]any, len(ctx.Raw)+4)
	for k, v := range ctx.Raw {
		out[k] = v
	}
	out["model"] = ctx.Model
	if len(ctx.Messages) > 0 {
		msgs := make([]map[string]any, 0, len(ctx.Messages))
		for _, m := range ctx.Messages {
			msgs = append(msgs, map[string]any{"role": m.Role, "content": m.Content})
		}
		out["messages"] = msgs
	}
	if ctx.System.IsSet() {
		out["system"] = systemToRaw(ctx.System)
	}
	if ctx.MaxTokens > 0 {
		out["max_tokens"] = ctx.MaxTokens
	}
	out["stream"] = ctx.Stream
	if ctx.Thinking != nil {
		out["thinking"] = ctx.Thinking
	}
	return json.Marshal(out)
}

func systemToRaw(sys *pipeline.System) any {
	if len(sys.Blocks) > 0 {
		blocks := make([]map[string]any, 0, len(sys.Blocks))
		for _, b := range sys.Blocks {
			blocks = append(blocks, map[string]any{"type": b.Type, "text": b.Text})
		}
		return blocks
	}
	return sys.Text
}
