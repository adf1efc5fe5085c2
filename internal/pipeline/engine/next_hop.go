package engine

import (
	"strings"

	"github.com/orchestra-run/orchestra/internal/pipeline/cond"
	"github.com/orchestra-run/orchestra/internal/pipeline/model"
	"github.com/orchestra-run/orchestra/internal/pipeline/runtime"
)

// nextHopSource records which rule of spec.md §4.2/§4.4 produced a hop, so
// callers (resume, cxdb event payloads) can distinguish an ordinary edge
// pick from a goal-gate-manufactured reroute without re-deriving it.
type nextHopSource string

const (
	nextHopSourceEdgeSelection nextHopSource = "edge_selection"
	nextHopSourceConditional   nextHopSource = "conditional"
	nextHopSourceRetryTarget   nextHopSource = "retry_target"
)

// syntheticEdgeAttrs names the attribute keys stamped onto a
// retry_target-manufactured edge — there is no such edge in the author's
// .dot source, so downstream consumers (cxdb payload encoding, the stdout
// observer) need a way to tell it apart from a real graph edge.
const (
	attrSyntheticEdgeKind  = "orchestra.synthetic_edge"
	attrRetryTargetSource  = "orchestra.retry_target_source"
	attrRetryTargetApplies = "orchestra.retry_target_applies"
	reasonFanInFailure     = "fan_in_failure"
)

type resolvedNextHop struct {
	Edge              *model.Edge
	Source            nextHopSource
	RetryTargetSource string
}

// resolveNextHop is the single entry point the runner and resume path use
// to pick where execution goes after `from` finishes. A fan-in stage that
// failed gets special handling (spec.md §4.9: a merge conflict or an
// unsatisfied join is a goal-gate-shaped failure, not an ordinary edge
// miss) — everything else goes through plain edge selection (§4.2).
func resolveNextHop(g *model.Graph, from string, out runtime.Outcome, ctx *runtime.Context, failureClass string) (*resolvedNextHop, error) {
	if g == nil {
		return nil, nil
	}
	from = strings.TrimSpace(from)
	if from == "" {
		return nil, nil
	}

	if isFanInFailureLike(g, from, out.Status) {
		return resolveFanInFailureHop(g, from, out, ctx, failureClass)
	}

	next, err := selectNextEdge(g, from, out, ctx)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, nil
	}
	return &resolvedNextHop{Edge: next, Source: nextHopSourceEdgeSelection}, nil
}

// resolveFanInFailureHop implements the reroute half of §4.9: a failed join
// first gets a chance at an author-written conditional edge (e.g. "route to
// a remediation stage on fail"); only once no conditional matches does it
// fall back to the goal-gate retry_target chain, and never for a
// deterministic failure, which would just reroute into the same dead end.
func resolveFanInFailureHop(g *model.Graph, from string, out runtime.Outcome, ctx *runtime.Context, failureClass string) (*resolvedNextHop, error) {
	conditional, err := selectMatchingConditionalEdge(g, from, out, ctx)
	if err != nil {
		return nil, err
	}
	if conditional != nil {
		return &resolvedNextHop{Edge: conditional, Source: nextHopSourceConditional}, nil
	}
	if normalizedFailureClassOrDefault(failureClass) == failureClassDeterministic {
		return nil, nil
	}

	target, source := resolveRetryTargetWithSource(g, from)
	if target == "" {
		return nil, nil
	}
	return &resolvedNextHop{
		Edge:              syntheticRetryTargetEdge(from, target, source),
		Source:            nextHopSourceRetryTarget,
		RetryTargetSource: source,
	}, nil
}

func syntheticRetryTargetEdge(from, target, source string) *model.Edge {
	e := model.NewEdge(from, target)
	e.Attrs = map[string]string{
		attrSyntheticEdgeKind:  string(nextHopSourceRetryTarget),
		attrRetryTargetSource:  source,
		attrRetryTargetApplies: reasonFanInFailure,
	}
	return e
}

func selectMatchingConditionalEdge(g *model.Graph, from string, out runtime.Outcome, ctx *runtime.Context) (*model.Edge, error) {
	edges := g.Outgoing(from)
	if len(edges) == 0 {
		return nil, nil
	}
	var condMatched []*model.Edge
	for _, e := range edges {
		if e == nil {
			continue
		}
		c := strings.TrimSpace(e.Condition())
		if c == "" {
			continue
		}
		ok, err := cond.Evaluate(c, out, ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			condMatched = append(condMatched, e)
		}
	}
	if len(condMatched) == 0 {
		return nil, nil
	}
	return bestEdge(condMatched), nil
}

// retryTargetChain is the lookup order spec.md §4.4 names for goal-gate
// rerouting: the failed stage's own retry_target, then its
// fallback_retry_target, then the graph-level pair of the same names.
// resolveRetryTarget (engine.go) walks the same chain for the plain
// goal-gate path; this variant also reports which rung matched, which the
// fan-in failure path (§4.9) needs to stamp onto its synthetic edge.
func resolveRetryTargetWithSource(g *model.Graph, nodeID string) (target string, source string) {
	if g == nil {
		return "", ""
	}
	n := g.Nodes[strings.TrimSpace(nodeID)]
	if n == nil {
		return "", ""
	}
	chain := []struct {
		value  string
		source string
	}{
		{n.Attr("retry_target", ""), "node.retry_target"},
		{n.Attr("fallback_retry_target", ""), "node.fallback_retry_target"},
		{g.Attrs["retry_target"], "graph.retry_target"},
		{g.Attrs["fallback_retry_target"], "graph.fallback_retry_target"},
	}
	for _, rung := range chain {
		if t := strings.TrimSpace(rung.value); t != "" {
			return t, rung.source
		}
	}
	return "", ""
}

func isFanInFailureLike(g *model.Graph, from string, status runtime.StageStatus) bool {
	if status != runtime.StatusFail && status != runtime.StatusRetry {
		return false
	}
	n := g.Nodes[from]
	if n == nil {
		return false
	}
	t := strings.TrimSpace(n.TypeOverride())
	if t == "" {
		t = shapeToType(n.Shape())
	}
	return t == "parallel.fan_in"
}
