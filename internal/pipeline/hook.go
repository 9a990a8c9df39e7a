package pipeline

// GuardFunc decides whether a hook should run for a given Context. A nil
// GuardFunc is treated as always-true.
type GuardFunc func(*Context) bool

// HandlerFunc mutates and returns a Context. Handlers are expected to be
// deterministic given their inputs; idempotency is not required.
type HandlerFunc func(ctx *Context, params map[string]any) *Context

// HookSpec describes one pipeline hook: its declared read/write keys (used
// to build the dependency DAG), its guard, and its handler. Two HookSpecs
// with the same Name are considered equal; a registry must enforce
// uniqueness of Name.
type HookSpec struct {
	Name    string
	Handler HandlerFunc
	Guard   GuardFunc
	Reads   map[string]struct{}
	Writes  map[string]struct{}
	Params  map[string]any
}

// ShouldRun evaluates the hook's guard, defaulting to true when none is set.
func (h HookSpec) ShouldRun(ctx *Context) bool {
	if h.Guard == nil {
		return true
	}
	return h.Guard(ctx)
}

// Execute runs the hook's handler with params merged with any extra
// per-call parameters (extra wins on key conflict).
func (h HookSpec) Execute(ctx *Context, extra map[string]any) *Context {
	merged := make(map[string]any, len(h.Params)+len(extra))
	for k, v := range h.Params {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return h.Handler(ctx, merged)
}

// ReadsKeys returns a set literal as a map[string]struct{} convenience
// constructor.
func ReadsKeys(keys ...string) map[string]struct{} {
	return keySet(keys)
}

// WritesKeys returns a set literal as a map[string]struct{} convenience
// constructor.
func WritesKeys(keys ...string) map[string]struct{} {
	return keySet(keys)
}

func keySet(keys []string) map[string]struct{} {
	s := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}
