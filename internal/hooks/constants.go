package hooks

import "strings"

// OAuthSentinelPrefix is the literal prefix on an inbound bearer token
// that signals the proxy should substitute a cached OAuth token for the
// provider named by the suffix.
const OAuthSentinelPrefix = "sk-ant-oat-ccproxy-"

// AnthropicBetaHeaders is the full required-beta list for OAuth-
// authenticated Claude Code requests handled by add_beta_headers.
var AnthropicBetaHeaders = []string{
	"oauth-2025-04-20",
	"claude-code-20250219",
	"interleaved-thinking-2025-05-14",
	"fine-grained-tool-streaming-2025-05-14",
}

// ClaudeCodeSystemPrefix is the literal system-message preamble required
// by Anthropic's OAuth tokens.
const ClaudeCodeSystemPrefix = "You are Claude Code, Anthropic's official CLI for Claude."

// AnthropicAPIVersion is the anthropic-version header value add_beta_headers attaches.
const AnthropicAPIVersion = "2023-06-01"

// mergeBetas merges required betas with any existing comma-separated
// beta header value, deduplicating while preserving required-first
// order, mirroring dict.fromkeys(required + existing) in the original.
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
