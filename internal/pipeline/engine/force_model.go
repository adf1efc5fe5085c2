package engine

import "strings"

// normalizeForceModels canonicalizes a --force-model override map (operator-
// supplied "provider=model" pairs that pin codergen_router to a specific
// model regardless of what the run's config or model catalog would have
// picked) keyed by raw provider string. Aliases collapse onto the
// providerspec canonical key, so "oai=..." and "openai=..." in the same map
// resolve to one entry — whichever the caller's map iteration visits last,
// since map iteration order is unspecified and both keys name the same
// provider anyway.
func normalizeForceModels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := map[string]string{}
	for provider, modelID := range in {
		p := normalizeProviderKey(provider)
		m := strings.TrimSpace(modelID)
		if p == "" || m == "" {
			continue
		}
		out[p] = m
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// forceModelForProvider looks up an operator override for provider, applying
// the same provider-key canonicalization normalizeForceModels used when the
// map was built so a caller holding an un-normalized alias still finds the
// entry.
func forceModelForProvider(forceModels map[string]string, provider string) (string, bool) {
	if len(forceModels) == 0 {
		return "", false
	}
	p := normalizeProviderKey(provider)
	if p == "" {
		return "", false
	}
	modelID, ok := forceModels[p]
	if !ok {
		return "", false
	}
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return "", false
	}
	return modelID, true
}
