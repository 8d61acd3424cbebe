package meshclient

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// canonicalState is the sorted-key JSON-serializable shape hashed by
// hashState: function_name -> ordered resolution list (spec §4.F).
type canonicalState map[string][]Resolution

// hashState truncates a SHA-256 of the canonical, sorted-key JSON
// serialization of state to its first 16 hex characters, matching the
// registry ecosystem's own truncated-hash convention for change detection
// (grounded on api_dependency_resolution.py's `_hash_dependency_state`).
func hashState(state canonicalState) (string, error) {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]struct {
		Function string       `json:"function_name"`
		Deps     []Resolution `json:"deps"`
	}, len(keys))
	for i, k := range keys {
		ordered[i].Function = k
		ordered[i].Deps = state[k]
	}

	raw, err := json.Marshal(ordered)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16], nil
}
