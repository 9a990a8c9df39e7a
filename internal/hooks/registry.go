package hooks

import (
	"github.com/ccproxy/ccproxy/internal/classifier"
	"github.com/ccproxy/ccproxy/internal/credentials"
	"github.com/ccproxy/ccproxy/internal/pipeline"
	"github.com/ccproxy/ccproxy/internal/router"
)

// Builtin returns every built-in hook spec, ready to hand to
// pipeline.BuildDAG. Ordering here is irrelevant: the DAG derives
// execution order from each spec's declared Reads/Writes.
// observeRoutingFallback, if given, is forwarded to NewModelRouter; omit
// it when no metrics collector is wired.
func Builtin(classify *classifier.Classifier, table *router.Table, creds *credentials.Manager, observeRoutingFallback ...func(outcome string)) []pipeline.HookSpec {
	return []pipeline.HookSpec{
		NewRuleEvaluator(classify),
		NewModelRouter(table, observeRoutingFallback...),
		NewForwardOAuth(creds),
		NewAddBetaHeaders(),
		NewInjectIdentity(),
		NewExtractSessionID(),
		NewCaptureHeaders(),
		NewForwardAPIKey(),
	}
}
