package engine

import (
	"strings"

	"github.com/orchestra-run/orchestra/internal/pipeline/model"
)

const defaultRetriesBeforeEscalation = 2

// parseEscalationModels parses the escalation_models node attribute — a
// comma-separated "provider:model" chain codergen_router walks after
// retriesBeforeEscalation same-model attempts exhaust a failure class
// isEscalatableFailureClass (failure_policy.go) marks as worth stepping up
// for. Malformed entries (missing colon, empty side) are skipped rather than
// failing the run: a typo in one rung shouldn't cost the rest of the chain.
// Consecutive rungs that canonicalize to the same provider+model as the one
// before them are dropped, since re-"escalating" to the model already in use
// would just repeat the same-model retry the chain exists to avoid.
func parseEscalationModels(raw string) []providerModel {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var chain []providerModel
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, ":")
		if idx < 0 {
			continue // skip malformed entries
		}
		prov := strings.TrimSpace(part[:idx])
		mod := strings.TrimSpace(part[idx+1:])
		if prov == "" || mod == "" {
			continue
		}
		entry := providerModel{Provider: normalizeProviderKey(prov), Model: mod}
		if n := len(chain); n > 0 && chain[n-1] == entry {
			continue
		}
		chain = append(chain, entry)
	}
	return chain
}

// retriesBeforeEscalation returns the number of same-model retries allowed before
// escalating to the next model in the chain. Read from the graph attribute
// "retries_before_escalation", defaulting to 2 (meaning 3 total attempts per model).
func retriesBeforeEscalation(g *model.Graph) int {
	if g == nil {
		return defaultRetriesBeforeEscalation
	}
	v := parseInt(g.Attrs["retries_before_escalation"], defaultRetriesBeforeEscalation)
	if v < 0 {
		return 0
	}
	return v
}
