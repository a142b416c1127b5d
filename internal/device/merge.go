package device

// MergeMaps deep-merges update into existing and returns a new map. Where
// both sides hold a JSON object the objects are merged recursively; any other
// value (null, bool, number, string, array) from update replaces the existing
// one. Keys only present in existing are kept. Neither input is modified.
func MergeMaps(existing, update map[string]any) map[string]any {
	result := make(map[string]any, len(existing)+len(update))
	for k, v := range existing {
		result[k] = v
	}
	for k, v := range update {
		newMap, ok := v.(map[string]any)
		if !ok {
			result[k] = v
			continue
		}
		if oldMap, ok := existing[k].(map[string]any); ok {
			result[k] = MergeMaps(oldMap, newMap)
			continue
		}
		result[k] = v
	}
	return result
}
