package pipeline

import (
	"fmt"
	"log/slog"
)

// FatalError marks an error that must propagate out of Execute instead
// of being isolated like an ordinary hook failure — e.g. a routing error
// raised by model_router, which spec.md classifies as a distinct error
// category surfaced to the client as a server error, not swallowed.
type FatalError struct {
	Hook string
	Err  error
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: %v", e.Hook, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Executor runs a HookDAG's ExecutionOrder against a Context for one
// request, honoring per-hook overrides and isolating hook failures.
type Executor struct {
	dag    *HookDAG
	byName map[string]HookSpec
	logger *slog.Logger

	// OnHookFailure, if set, is called with the hook's name whenever a
	// panic is isolated. Left nil when no metrics collector is wired.
	OnHookFailure func(hookName string)
}

// NewExecutor builds an Executor from a HookDAG.
func NewExecutor(dag *HookDAG, logger *slog.Logger) *Executor {
	byName := make(map[string]HookSpec, len(dag.specs))
	for _, s := range dag.specs {
		byName[s.Name] = s
	}
	return &Executor{dag: dag, byName: byName, logger: logger}
}

// Execute runs every hook in ExecutionOrder, resolving the per-hook
// override from the x-ccproxy-hooks header (if present on ctx.Headers),
// and returns the final Context. A hook whose guard or handler fails is
// logged and skipped: the Context passed to the next hook is exactly the
// Context as it stood before that hook ran. A hook that panics with a
// *FatalError aborts the pipeline and returns that error to the caller
// instead of being isolated.
func (e *Executor) Execute(ctx *Context, extraParams map[string]any) (*Context, error) {
	overrideHeader := ExtractOverrideHeader(ctx.Headers)
	overrides := ParseOverrides(overrideHeader)

	for _, name := range e.dag.ExecutionOrder {
		spec, ok := e.byName[name]
		if !ok {
			continue
		}
		next, err := e.runHook(spec, ctx, overrides, extraParams)
		if err != nil {
			return ctx, err
		}
		ctx = next
	}
	return ctx, nil
}

func (e *Executor) runHook(spec HookSpec, ctx *Context, overrides OverrideSet, extraParams map[string]any) (result *Context, fatal error) {
	preHook := ctx.Clone()
	result = ctx

	defer func() {
		if r := recover(); r != nil {
			if fe, ok := r.(*FatalError); ok {
				fatal = fe
				result = ctx
				return
			}
			if e.logger != nil {
				e.logger.Error("hook panicked, isolating",
					"hook", spec.Name,
					"error_type", fmt.Sprintf("%T", r),
					"error", fmt.Sprint(r))
			}
			if e.OnHookFailure != nil {
				e.OnHookFailure(spec.Name)
			}
			result = preHook
		}
	}()

	guardResult := spec.ShouldRun(ctx)
	if !overrides.ShouldRun(spec.Name, guardResult) {
		return ctx, nil
	}

	return spec.Execute(ctx, extraParams), nil
}
