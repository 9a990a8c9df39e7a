package hooks

import (
	"strings"

	"github.com/ccproxy/ccproxy/internal/pipeline"
)

// ExtractSessionIDGuard runs only when the host framework attached the raw
// inbound proxy request to the context.
func ExtractSessionIDGuard(ctx *pipeline.Context) bool {
	_, ok := ctx.Raw["proxy_server_request"]
	return ok
}

// NewExtractSessionID builds the extract_session_id HookSpec. Claude Code
// embeds session info in metadata.user_id with the shape
// user_{hash}_account_{uuid}_session_{uuid}; this hook pulls the session
// id (and, incidentally, the user hash / account id) out for tracing.
func NewExtractSessionID() pipeline.HookSpec {
	return pipeline.HookSpec{
		Name:   "extract_session_id",
		Reads:  pipeline.ReadsKeys("proxy_server_request"),
		Writes: pipeline.WritesKeys("session_id", "trace_metadata"),
		Guard:  ExtractSessionIDGuard,
		Handler: func(ctx *pipeline.Context, _ map[string]any) *pipeline.Context {
			userID := extractUserID(ctx.Raw)
			if userID == "" || !strings.Contains(userID, "_session_") {
				return ctx
			}

			parts := strings.SplitN(userID, "_session_", 2)
			if len(parts) != 2 {
				return ctx
			}
			sessionID := parts[1]
			ctx.Metadata["session_id"] = sessionID

			prefix := parts[0]
			if strings.Contains(prefix, "_account_") {
				userAccount := strings.SplitN(prefix, "_account_", 2)
				if len(userAccount) == 2 {
					trace := ctx.TraceMetadata()
					trace["claude_user_hash"] = strings.TrimPrefix(userAccount[0], "user_")
					trace["claude_account_id"] = userAccount[1]
				}
			}
			return ctx
		},
	}
}

func extractUserID(raw map[string]any) string {
	request, _ := raw["proxy_server_request"].(map[string]any)
	body, _ := request["body"].(map[string]any)
	if body == nil {
		return ""
	}
	meta, _ := body["metadata"].(map[string]any)
	if meta == nil {
		return ""
	}
	userID, _ := meta["user_id"].(string)
	return userID
}
