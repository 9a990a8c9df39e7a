package pipeline

import (
	"errors"
	"testing"
)

func TestExecutor_FatalErrorPropagatesInsteadOfIsolating(t *testing.T) {
	specs := []HookSpec{
		{
			Name: "router",
			Handler: func(ctx *Context, _ map[string]any) *Context {
				panic(&FatalError{Hook: "router", Err: errors.New("no model for label")})
			},
		},
	}
	dag, err := BuildDAG(specs, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, execErr := NewExecutor(dag, nil).Execute(NewContext(), nil)
	if execErr == nil {
		t.Fatal("expected a fatal routing error to propagate")
	}
	var fatal *FatalError
	if !errors.As(execErr, &fatal) {
		t.Fatalf("expected *FatalError, got %T", execErr)
	}
}

func TestExecutor_ErrorIsolationRevertsHookWrites(t *testing.T) {
	specs := []HookSpec{
		{
			Name:   "writer",
			Writes: WritesKeys("a"),
			Handler: func(ctx *Context, _ map[string]any) *Context {
				ctx.Metadata["a"] = "before-panic"
				panic("boom")
			},
		},
		{
			Name:  "reader",
			Reads: ReadsKeys("a"),
			Handler: func(ctx *Context, _ map[string]any) *Context {
				ctx.Metadata["saw_a"] = ctx.Metadata["a"]
				return ctx
			},
		},
	}
	dag, err := BuildDAG(specs, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := NewContext()
	exec := NewExecutor(dag, nil)
	result, _ := exec.Execute(ctx, nil)

	if _, ok := result.Metadata["a"]; ok {
		t.Fatalf("expected panicking hook's write to be reverted, got %v", result.Metadata["a"])
	}
	if result.Metadata["saw_a"] != nil {
		t.Fatalf("expected downstream hook to see no write, got %v", result.Metadata["saw_a"])
	}
}

func TestExecutor_OverrideForceSkip(t *testing.T) {
	ran := false
	specs := []HookSpec{
		{
			Name:  "always",
			Guard: func(*Context) bool { return true },
			Handler: func(ctx *Context, _ map[string]any) *Context {
				ran = true
				return ctx
			},
		},
	}
	dag, err := BuildDAG(specs, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := NewContext()
	ctx.Headers["x-ccproxy-hooks"] = "-always"
	_, _ = NewExecutor(dag, nil).Execute(ctx, nil)
	if ran {
		t.Fatal("expected force-skip override to prevent execution")
	}
}

func TestExecutor_OverrideForceRun(t *testing.T) {
	ran := false
	specs := []HookSpec{
		{
			Name:  "conditional",
			Guard: func(*Context) bool { return false },
			Handler: func(ctx *Context, _ map[string]any) *Context {
				ran = true
				return ctx
			},
		},
	}
	dag, err := BuildDAG(specs, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := NewContext()
	ctx.Headers["X-CCProxy-Hooks"] = "+conditional"
	_, _ = NewExecutor(dag, nil).Execute(ctx, nil)
	if !ran {
		t.Fatal("expected force-run override to trigger execution despite false guard")
	}
}
