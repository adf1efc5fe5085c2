package engine

import (
	"github.com/orchestra-run/orchestra/internal/pipeline/model"
	"github.com/orchestra-run/orchestra/internal/pipeline/runtime"
)

// NewContextWithGraphAttrs seeds a run's Context with every graph-level
// attribute under a "graph." prefix, so edge conditions and handler
// templates can read context.graph.<attr> alongside the per-stage values
// executeWithRetry layers in later. "graph.goal" is stamped explicitly
// even when the graph carries no goal attribute, since goal-gate stages
// (spec.md 4.4) and report rendering both read it unconditionally and
// should see an empty string rather than a missing key.
func NewContextWithGraphAttrs(g *model.Graph) *runtime.Context {
	ctx := runtime.NewContext()
	if g == nil {
		ctx.Set("graph.goal", "")
		return ctx
	}
	for k, v := range g.Attrs {
		ctx.Set("graph."+k, v)
	}
	if _, ok := g.Attrs["goal"]; !ok {
		ctx.Set("graph.goal", "")
	}
	return ctx
}
