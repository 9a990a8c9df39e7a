package hooks

import "strings"

// DetectProvider is a small, local stand-in for litellm's get_llm_provider
// resolution: given the routed model name and the routing table entry's
// custom_llm_provider/api_base, it names the upstream family a hook needs
// to branch on (oauth forwarding, beta headers, identity injection).
func DetectProvider(routedModel, customProvider, apiBase string) string {
	if customProvider != "" {
		return customProvider
	}
	if apiBase != "" {
		lower := strings.ToLower(apiBase)
		if strings.Contains(lower, "anthropic.com") || strings.Contains(lower, "z.ai") {
			return "anthropic"
		}
	}
	lower := strings.ToLower(routedModel)
	switch {
	case strings.Contains(lower, "claude"):
		return "anthropic"
	case strings.Contains(lower, "gemini"), strings.Contains(lower, "palm"):
		return "gemini"
	case strings.Contains(lower, "gpt"):
		return "openai"
	default:
		return ""
	}
}
