// Package mitm implements the traffic capture addon: a ReverseProxy
// Director/ModifyResponse/ErrorHandler trio that classifies every
// upstream call, rewrites OAuth-sensitive headers, and — when a storage
// backend is configured — persists a request/response trace.
package mitm

import (
	"strings"
	"time"
)

// Trace records one captured HTTP exchange, request fields populated up
// front and response fields filled in by CompleteTrace once the
// upstream call finishes (or errors).
type Trace struct {
	ID          string
	TrafficType string // llm, mcp, web, other
	Method      string
	URL         string
	Host        string
	Path        string

	RequestHeaders map[string]string
	RequestBody    []byte
	RequestBodyLen int
	ContentType    string
	StartedAt      time.Time

	StatusCode      int
	ResponseHeaders map[string]string
	ResponseBody    []byte
	ResponseBodyLen int
	DurationMS      float64
	ErrorMessage    string
	EndedAt         time.Time
}

// Completion carries the fields CompleteTrace fills in once a response
// (or error) is observed for a previously created trace.
type Completion struct {
	StatusCode      int
	ResponseHeaders map[string]string
	ResponseBody    []byte
	ContentType     string
	DurationMS      float64
	ErrorMessage    string
	EndedAt         time.Time
}

// Storage persists traces. A nil Storage disables persistence entirely;
// the addon still performs its header fixups in that case.
type Storage interface {
	CreateTrace(t *Trace) error
	CompleteTrace(id string, c Completion) error
	Close() error
}

// classifyTraffic buckets a request by host/path so trace queries can
// filter by traffic type.
func classifyTraffic(host, path string, llmHosts []string) string {
	hostLower, pathLower := strings.ToLower(host), strings.ToLower(path)
	for _, pattern := range llmHosts {
		if strings.Contains(hostLower, strings.ToLower(pattern)) {
			return "llm"
		}
	}
	if strings.Contains(hostLower, "mcp") || strings.Contains(pathLower, "mcp") {
		return "mcp"
	}
	switch hostLower {
	case "localhost", "127.0.0.1", "::1":
		return "other"
	}
	return "web"
}
