// Package handler adapts the out-of-scope host HTTP framework's
// pre-call/post-call-failure callback surface to the pipeline, the way
// the original's CCProxyHandler.async_pre_call_hook and
// async_post_call_failure_hook do (spec.md §4.7).
package handler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ccproxy/ccproxy/internal/credentials"
	"github.com/ccproxy/ccproxy/internal/hooks"
	"github.com/ccproxy/ccproxy/internal/metrics"
	"github.com/ccproxy/ccproxy/internal/pipeline"
	"github.com/ccproxy/ccproxy/internal/router"
)

const healthCheckTag = "litellm-internal-health-check"

// maxRetryAttempts bounds the 401 retry to a single attempt per request,
// per spec.md §5 "at-most-once semantics".
const maxRetryAttempts = 1

// Status is the best-effort single-slot "last status" snapshot spec.md
// §4.7 step 5 describes for status-query UIs (the `ccproxy status` CLI
// command and the websocket status broadcaster).
type Status struct {
	Rule          string    `json:"rule"`
	Model         string    `json:"model"`
	OriginalModel string    `json:"original_model"`
	IsPassthrough bool      `json:"is_passthrough"`
	Timestamp     time.Time `json:"timestamp"`
}

// Handler wires a built pipeline.Executor to the credential manager for
// the two callback operations the host framework invokes per request.
type Handler struct {
	executor *pipeline.Executor
	creds    *credentials.Manager
	logger   *slog.Logger
	metrics  *metrics.Collector

	refreshOnce sync.Once

	mu         sync.Mutex
	lastStatus *Status
	onStatus   func(Status)
}

// New builds a Handler. onStatus, if non-nil, is called after every
// successful PreCall with the updated status snapshot — the hook the
// websocket status broadcaster attaches to. collector may be nil (every
// Collector method is then a no-op), matching a disabled metrics_enabled.
func New(executor *pipeline.Executor, creds *credentials.Manager, logger *slog.Logger, collector *metrics.Collector, onStatus func(Status)) *Handler {
	return &Handler{executor: executor, creds: creds, logger: logger, metrics: collector, onStatus: onStatus}
}

// PreCall implements spec.md §4.7's pre_call: starts the background OAuth
// refresh loop (idempotent), flags and special-cases health checks,
// drives the hook pipeline, and updates the status snapshot.
func (h *Handler) PreCall(ctx *pipeline.Context) (*pipeline.Context, error) {
	h.refreshOnce.Do(func() {
		h.creds.StartBackgroundRefresh(context.Background())
	})

	if isHealthCheckRequest(ctx) {
		ctx.SetIsHealthCheck(true)
		// Health-check probes only need to confirm a credential is
		// valid, never a full completion.
		ctx.MaxTokens = 1
		h.injectHealthCheckAuth(ctx)
	}

	start := time.Now()
	next, err := h.executor.Execute(ctx, nil)
	h.metrics.ObservePipelineDuration(next.Model, time.Since(start))
	if err != nil {
		h.metrics.ObserveRequest(next.Model, next.IsPassthrough(), "error")
		return next, err
	}

	h.updateStatus(next)
	h.metrics.ObserveRequest(next.Model, next.IsPassthrough(), "ok")
	return next, nil
}

// isHealthCheckRequest reports whether the inbound envelope's
// metadata.tags names the host framework's internal health-check marker.
// Preserved verbatim on Context.Raw since no typed Context field models
// an arbitrary tags list.
func isHealthCheckRequest(ctx *pipeline.Context) bool {
	meta, ok := ctx.Raw["metadata"].(map[string]any)
	if !ok {
		return false
	}
	tags, ok := meta["tags"].([]any)
	if !ok {
		return false
	}
	for _, t := range tags {
		if s, ok := t.(string); ok && s == healthCheckTag {
			return true
		}
	}
	return false
}

// injectHealthCheckAuth runs before the pipeline because the host
// framework validates credentials before dispatching to hooks: a health
// check that never reaches forward_oauth still needs a working
// Authorization header to probe the provider it validates.
func (h *Handler) injectHealthCheckAuth(ctx *pipeline.Context) {
	provider, ok := h.resolveHealthCheckProvider(ctx)
	if !ok {
		return
	}
	token, ok := h.creds.GetOAuthToken(provider)
	if !ok || token == "" {
		return
	}

	ctx.APIKey = token
	if provider == "anthropic" {
		ctx.ProviderHeaders.CustomLLMProvider = provider
		ctx.ProviderHeaders.SetExtraHeader("authorization", "Bearer "+token)
		ctx.ProviderHeaders.SetExtraHeader("x-api-key", "")
		ctx.ProviderHeaders.SetExtraHeader("anthropic-beta", strings.Join(hooks.AnthropicBetaHeaders, ","))
		ctx.ProviderHeaders.SetExtraHeader("anthropic-version", hooks.AnthropicAPIVersion)
		hooks.InjectClaudeCodeIdentity(ctx)
	}
}

func (h *Handler) resolveHealthCheckProvider(ctx *pipeline.Context) (string, bool) {
	if cfg, ok := ctx.Raw["ccproxy_model_config"]; ok {
		if m, ok := cfg.(map[string]any); ok {
			if apiBase, _ := m["api_base"].(string); apiBase != "" {
				if provider, ok := h.creds.GetProviderForDestination(apiBase); ok {
					return provider, true
				}
			}
		}
	}
	provider := hooks.DetectProvider(ctx.Model, "", "")
	if provider == "" {
		return "", false
	}
	return provider, true
}

func (h *Handler) updateStatus(ctx *pipeline.Context) {
	model, _ := ctx.LitellmModel()
	if model == "" {
		model = ctx.Model
	}
	rule, _ := ctx.ModelName()
	original, _ := ctx.AliasModel()
	status := Status{
		Rule:          rule,
		Model:         model,
		OriginalModel: original,
		IsPassthrough: ctx.IsPassthrough(),
		Timestamp:     time.Now(),
	}

	h.mu.Lock()
	h.lastStatus = &status
	h.mu.Unlock()

	if h.onStatus != nil {
		h.onStatus(status)
	}
}

// LastStatus returns the most recent PreCall's status snapshot, or false
// if no request has completed PreCall yet.
func (h *Handler) LastStatus() (Status, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastStatus == nil {
		return Status{}, false
	}
	return *h.lastStatus, true
}

// RetryResult carries the outcome of a successful 401 refresh: the caller
// (internal/server) retries upstream with AuthorizationHeader and forwards
// that retry's response through its normal success path —
// spec.md §9's Open Question decision against the 401-disguised-as-200
// workaround the original used to escape its host framework's error path.
type RetryResult struct {
	AuthorizationHeader string
	Provider            string
}

// PostCallFailure implements spec.md §4.7's post_call_failure: on a 401
// it refreshes the provider's OAuth token once and hands back the header
// the caller should retry the upstream call with. A nil, nil return means
// propagate the original error; a nil error with an empty result also
// means propagate (not an auth error, or retry budget exhausted).
func (h *Handler) PostCallFailure(ctx *pipeline.Context, cause error, retryCount int) (*RetryResult, error) {
	if !isAuthError(cause) {
		return nil, nil
	}
	if retryCount >= maxRetryAttempts {
		if h.logger != nil {
			h.logger.Warn("401 retry: max retry attempts reached, not retrying", "max", maxRetryAttempts)
		}
		return nil, nil
	}

	provider, ok := h.resolveFailureProvider(ctx)
	if !ok {
		if h.logger != nil {
			h.logger.Debug("401 retry: could not determine provider from request data")
		}
		return nil, nil
	}

	token, ok := h.creds.Refresh(provider)
	if !ok {
		h.metrics.ObserveCredentialRefresh(provider, "failure")
		if h.logger != nil {
			h.logger.Warn("401 retry: failed to refresh oauth token", "provider", provider)
		}
		return nil, nil
	}
	h.metrics.ObserveCredentialRefresh(provider, "success")

	if h.logger != nil {
		h.logger.Info("401 retry: refreshed oauth token, retrying", "provider", provider)
	}
	return &RetryResult{AuthorizationHeader: "Bearer " + token, Provider: provider}, nil
}

// resolveFailureProvider mirrors _extract_provider_from_request_data's
// fallback: model-config destination match (the routed config
// model_router stored, else a raw ccproxy_model_config map), then
// model-name heuristic off the routed model, then the original client
// model.
func (h *Handler) resolveFailureProvider(ctx *pipeline.Context) (string, bool) {
	if v, ok := ctx.ModelConfig(); ok {
		if cfg, ok := v.(router.ModelConfig); ok && cfg.APIBase != "" {
			if provider, ok := h.creds.GetProviderForDestination(cfg.APIBase); ok {
				return provider, true
			}
		}
	}
	if cfg, ok := ctx.Raw["ccproxy_model_config"]; ok {
		if m, ok := cfg.(map[string]any); ok {
			if apiBase, _ := m["api_base"].(string); apiBase != "" {
				if provider, ok := h.creds.GetProviderForDestination(apiBase); ok {
					return provider, true
				}
			}
		}
	}

	model, _ := ctx.LitellmModel()
	if model == "" {
		model = ctx.Model
	}
	if model == "" {
		return "", false
	}
	provider := hooks.DetectProvider(model, "", "")
	if provider == "" {
		return "", false
	}
	return provider, true
}

// isAuthError reports whether err looks like a 401, by message substring
// the way the original's _is_auth_error/_is_auth_exception do in the
// absence of a typed upstream-error hierarchy to inspect.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "401") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "authentication")
}
