package hooks

import (
	"net/url"
	"strings"

	"github.com/ccproxy/ccproxy/internal/pipeline"
)

// sensitiveHeaderPrefixes lists the header names whose values get
// redacted before landing in trace_metadata: authorization and x-api-key
// keep only their last four characters (when longer than 8), cookie is
// fully redacted.
var sensitiveHeaderPrefixes = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"cookie":        true,
}

// redactHeaderValue preserves enough of a sensitive header's value to be
// identifiable in a trace without leaking the secret itself.
func redactHeaderValue(name, value string) string {
	lower := strings.ToLower(name)
	if !sensitiveHeaderPrefixes[lower] {
		if len(value) > 200 {
			return value[:200]
		}
		return value
	}
	if lower == "cookie" {
		return "[REDACTED]"
	}
	var suffix string
	if len(value) > 8 {
		suffix = value[len(value)-4:]
	}
	return "..." + suffix
}

// CaptureHeadersGuard runs only when the host framework attached the raw
// inbound proxy request to the context.
func CaptureHeadersGuard(ctx *pipeline.Context) bool {
	_, ok := ctx.Raw["proxy_server_request"]
	return ok
}

// NewCaptureHeaders builds the capture_headers HookSpec. It mirrors every
// inbound header into trace_metadata (redacting secrets) along with the
// HTTP method and path, for observability backends that consume
// trace_metadata from the pipeline's tracing sink.
func NewCaptureHeaders() pipeline.HookSpec {
	return pipeline.HookSpec{
		Name:   "capture_headers",
		Reads:  pipeline.ReadsKeys("proxy_server_request"),
		Writes: pipeline.WritesKeys("trace_metadata"),
		Guard:  CaptureHeadersGuard,
		Handler: func(ctx *pipeline.Context, params map[string]any) *pipeline.Context {
			trace := ctx.TraceMetadata()

			var filter map[string]bool
			if raw, ok := params["headers"].([]string); ok {
				filter = make(map[string]bool, len(raw))
				for _, h := range raw {
					filter[strings.ToLower(h)] = true
				}
			}

			request, _ := ctx.Raw["proxy_server_request"].(map[string]any)
			headers, _ := request["headers"].(map[string]string)

			merged := make(map[string]string, len(headers)+len(ctx.RawHeaders))
			for k, v := range headers {
				merged[strings.ToLower(k)] = v
			}
			for k, v := range ctx.RawHeaders {
				merged[k] = v
			}

			for name, value := range merged {
				if value == "" {
					continue
				}
				if filter != nil && !filter[name] {
					continue
				}
				trace["header_"+name] = redactHeaderValue(name, value)
			}

			if method, _ := request["method"].(string); method != "" {
				trace["http_method"] = method
			}
			if rawURL, _ := request["url"].(string); rawURL != "" {
				if parsed, err := url.Parse(rawURL); err == nil && parsed.Path != "" {
					trace["http_path"] = parsed.Path
				}
			}

			return ctx
		},
	}
}
