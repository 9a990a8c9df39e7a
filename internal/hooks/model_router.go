package hooks

import (
	"github.com/ccproxy/ccproxy/internal/pipeline"
	"github.com/ccproxy/ccproxy/internal/router"
)

// ModelRouterGuard runs once rule_evaluator has assigned a label.
func ModelRouterGuard(ctx *pipeline.Context) bool {
	_, hasLabel := ctx.ModelName()
	_, hasAlias := ctx.AliasModel()
	return hasLabel && hasAlias
}

// NewModelRouter builds the model_router HookSpec, closing over the
// routing table it resolves labels against. observeFallback, if given,
// is called with "passthrough", "default_entry", or "error" whenever
// the router takes one of those fallback paths instead of an ordinary
// label match; omit it when no metrics collector is wired.
func NewModelRouter(table *router.Table, observeFallback ...func(outcome string)) pipeline.HookSpec {
	var observe func(string)
	if len(observeFallback) > 0 {
		observe = observeFallback[0]
	}
	return pipeline.HookSpec{
		Name:   "model_router",
		Reads:  pipeline.ReadsKeys("ccproxy_model_name", "ccproxy_alias_model"),
		Writes: pipeline.WritesKeys("model", "ccproxy_litellm_model", "ccproxy_model_config", "ccproxy_is_passthrough"),
		Guard:  ModelRouterGuard,
		Handler: func(ctx *pipeline.Context, _ map[string]any) *pipeline.Context {
			label, _ := ctx.ModelName()
			originalModel, _ := ctx.AliasModel()

			if label == "default" && table.DefaultPassthroughEnabled() {
				cfg, _ := table.GetModelForLabel(originalModel)
				ctx.SetLitellmModel(originalModel)
				ctx.Model = originalModel
				ctx.SetModelConfig(cfg)
				ctx.SetIsPassthrough(true)
				if observe != nil {
					observe("passthrough")
				}
				return ctx
			}

			cfg, ok := table.GetModelForLabel(label)
			if !ok {
				_ = table.ReloadModels()
				cfg, ok = table.GetModelForLabel(label)
			}
			if !ok {
				if defaultCfg, hasDefault := table.GetModelForLabel("default"); hasDefault {
					cfg, ok = defaultCfg, true
					if observe != nil {
						observe("default_entry")
					}
				} else if table.DefaultPassthroughEnabled() {
					ctx.SetLitellmModel(originalModel)
					ctx.Model = originalModel
					ctx.SetIsPassthrough(true)
					if observe != nil {
						observe("passthrough")
					}
					return ctx
				} else {
					if observe != nil {
						observe("error")
					}
					panic(&pipeline.FatalError{
						Hook: "model_router",
						Err:  &router.RoutingError{Label: label},
					})
				}
			}

			ctx.Model = cfg.Model
			ctx.SetLitellmModel(cfg.Model)
			ctx.SetModelConfig(cfg)
			ctx.SetIsPassthrough(false)
			return ctx
		},
	}
}
