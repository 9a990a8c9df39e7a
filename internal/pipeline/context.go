// Package pipeline implements the per-request transformation pipeline:
// the mutable Context carried through every hook, the hook dependency DAG,
// and the executor that runs hooks in topological order.
package pipeline

import "strings"

// Message is one entry in the request's conversation history.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// SystemBlock is one typed block of a structured system prompt.
type SystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// System holds the union of the two shapes the inbound system prompt can
// take: a plain string, or an array of typed blocks.
type System struct {
	Text   string
	Blocks []SystemBlock
}

// IsSet reports whether a system prompt was present at all.
func (s *System) IsSet() bool {
	return s != nil && (s.Text != "" || len(s.Blocks) > 0)
}

// Tool describes one entry in the request's tool list.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"input_schema"`
}

// ProviderHeaders carries the headers that will be attached to the
// upstream call, separate from the inbound headers the client sent.
type ProviderHeaders struct {
	CustomLLMProvider string
	ExtraHeaders      map[string]string
}

func (p *ProviderHeaders) ensureExtra() map[string]string {
	if p.ExtraHeaders == nil {
		p.ExtraHeaders = make(map[string]string)
	}
	return p.ExtraHeaders
}

// SetExtraHeader sets a header that will be forwarded upstream.
func (p *ProviderHeaders) SetExtraHeader(name, value string) {
	p.ensureExtra()[strings.ToLower(name)] = value
}

// Context is the mutable record carried through every hook in the
// pipeline. It is owned by a single goroutine for the lifetime of one
// request: no hook may be invoked concurrently on the same Context.
type Context struct {
	Model      string
	Messages   []Message
	System     *System
	Tools      []Tool
	Thinking   any
	MaxTokens  int
	Stream     bool
	Metadata   map[string]any
	Headers    map[string]string // visible, lowercased keys
	RawHeaders map[string]string // sensitive, lowercased keys

	ProviderHeaders ProviderHeaders
	LitellmCallID   string
	APIKey          string

	// Raw preserves any inbound field this struct does not model
	// explicitly, so a round-trip through internal/server's
	// contextFromBody/bodyFromContext is lossless
	// for fields no hook touches.
	Raw map[string]any
}

// NewContext builds an empty Context with initialized maps.
func NewContext() *Context {
	return &Context{
		Metadata:   make(map[string]any),
		Headers:    make(map[string]string),
		RawHeaders: make(map[string]string),
		Raw:        make(map[string]any),
	}
}

// Header resolves a header value case-insensitively, preferring
// RawHeaders over Headers per spec: sensitive/original values take
// precedence over values the host framework may have already rewritten.
func (c *Context) Header(name string) (string, bool) {
	key := strings.ToLower(name)
	if v, ok := c.RawHeaders[key]; ok {
		return v, true
	}
	v, ok := c.Headers[key]
	return v, ok
}

// metadata accessors for the well-known ccproxy_* keys.

func (c *Context) getMetaString(key string) (string, bool) {
	v, ok := c.Metadata[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (c *Context) getMetaBool(key string) bool {
	v, ok := c.Metadata[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// ModelName is the classification label produced by rule_evaluator.
func (c *Context) ModelName() (string, bool) { return c.getMetaString("ccproxy_model_name") }
func (c *Context) SetModelName(v string)     { c.Metadata["ccproxy_model_name"] = v }

// AliasModel is the client-requested model, saved before routing mutates Model.
func (c *Context) AliasModel() (string, bool) { return c.getMetaString("ccproxy_alias_model") }
func (c *Context) SetAliasModel(v string)     { c.Metadata["ccproxy_alias_model"] = v }

// LitellmModel is the resolved upstream model name.
func (c *Context) LitellmModel() (string, bool) { return c.getMetaString("ccproxy_litellm_model") }
func (c *Context) SetLitellmModel(v string)      { c.Metadata["ccproxy_litellm_model"] = v }

// ModelConfig is the resolved routing table entry, stored generically so
// the pipeline package has no dependency on the router package.
func (c *Context) ModelConfig() (any, bool) {
	v, ok := c.Metadata["ccproxy_model_config"]
	return v, ok
}
func (c *Context) SetModelConfig(v any) { c.Metadata["ccproxy_model_config"] = v }

func (c *Context) IsPassthrough() bool      { return c.getMetaBool("ccproxy_is_passthrough") }
func (c *Context) SetIsPassthrough(v bool) { c.Metadata["ccproxy_is_passthrough"] = v }

func (c *Context) IsHealthCheck() bool      { return c.getMetaBool("ccproxy_is_health_check") }
func (c *Context) SetIsHealthCheck(v bool) { c.Metadata["ccproxy_is_health_check"] = v }

// TraceMetadata returns the nested trace_metadata map, creating it on
// first write.
func (c *Context) TraceMetadata() map[string]any {
	v, ok := c.Metadata["trace_metadata"]
	if !ok {
		m := make(map[string]any)
		c.Metadata["trace_metadata"] = m
		return m
	}
	m, ok := v.(map[string]any)
	if !ok {
		m = make(map[string]any)
		c.Metadata["trace_metadata"] = m
	}
	return m
}

// Clone returns a deep-enough copy for error isolation: a hook that
// panics must not leave partial writes visible on the Context the
// executor continues with.
func (c *Context) Clone() *Context {
	clone := &Context{
		Model:         c.Model,
		Thinking:      c.Thinking,
		MaxTokens:     c.MaxTokens,
		Stream:        c.Stream,
		LitellmCallID: c.LitellmCallID,
		APIKey:        c.APIKey,
	}
	clone.Messages = append([]Message(nil), c.Messages...)
	clone.Tools = append([]Tool(nil), c.Tools...)
	if c.System != nil {
		sysCopy := *c.System
		sysCopy.Blocks = append([]SystemBlock(nil), c.System.Blocks...)
		clone.System = &sysCopy
	}
	clone.Metadata = deepCopyMap(c.Metadata)
	clone.Headers = copyStringMap(c.Headers)
	clone.RawHeaders = copyStringMap(c.RawHeaders)
	clone.ProviderHeaders = ProviderHeaders{
		CustomLLMProvider: c.ProviderHeaders.CustomLLMProvider,
		ExtraHeaders:      copyStringMap(c.ProviderHeaders.ExtraHeaders),
	}
	clone.Raw = deepCopyMap(c.Raw)
	return clone
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
