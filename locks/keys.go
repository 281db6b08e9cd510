package locks

import (
	"sort"
	"strings"
)

const keySeparator = "::"

// HostStorageKey is the mutual-exclusion key for one initiator on one array.
func HostStorageKey(initiator, storageSystem string) string {
	return strings.ToLower(strings.TrimSpace(initiator)) + keySeparator + strings.TrimSpace(storageSystem)
}

// HostStorageLockKeys builds the key set for an operation touching initiators
// on a single array. Duplicate initiators collapse, so N initiators yield at
// most N keys.
func HostStorageLockKeys(initiators []string, storageSystem string) []string {
	keys := make([]string, 0, len(initiators))
	for _, ini := range initiators {
		if strings.TrimSpace(ini) == "" {
			continue
		}
		keys = append(keys, HostStorageKey(ini, storageSystem))
	}
	return Normalize(keys)
}

// VolumeKey serializes operations on a single volume
func VolumeKey(volumeID string) string {
	return "volume" + keySeparator + volumeID
}

// ConsistencyGroupKey serializes operations on a consistency group on an array
func ConsistencyGroupKey(cg, storageSystem string) string {
	return "cg" + keySeparator + cg + keySeparator + storageSystem
}

// Normalize returns the sorted distinct non-empty keys
func Normalize(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
