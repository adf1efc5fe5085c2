package cxdb

import (
	"strconv"
	"sync"
)

var (
	registryOnce sync.Once
	registryTags map[string]map[string]uint32
)

// loadRegistryTags flattens OrchestraRegistryBundle's nested type/version/
// field structure into typeID -> fieldName -> numeric tag, the shape
// EncodeTurnPayload needs to address fields by name.
func loadRegistryTags() {
	_, bundle, _, err := OrchestraRegistryBundle()
	registryTags = map[string]map[string]uint32{}
	if err != nil {
		return
	}
	for typeID, rawType := range bundle.Types {
		typeMap, ok := rawType.(map[string]any)
		if !ok {
			continue
		}
		versions, ok := typeMap["versions"].(map[string]any)
		if !ok {
			continue
		}
		v1, ok := versions["1"].(map[string]any)
		if !ok {
			continue
		}
		fields, ok := v1["fields"].(map[string]any)
		if !ok {
			continue
		}
		byName := map[string]uint32{}
		for tagStr, rawField := range fields {
			tagNum, err := strconv.ParseUint(tagStr, 10, 32)
			if err != nil {
				continue
			}
			fieldMap, ok := rawField.(map[string]any)
			if !ok {
				continue
			}
			name, ok := fieldMap["name"].(string)
			if !ok {
				continue
			}
			byName[name] = uint32(tagNum)
		}
		registryTags[typeID] = byName
	}
}
