package config

import (
	"encoding/json"
	"hash/fnv"
)

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// ChangedSections reports which top-level config sections differ between two
// configs; the reload loop applies only those. Comparison is by marshaled
// JSON so pointer sections compare by value.
func ChangedSections(old, new *Config) []string {
	if old == nil || new == nil {
		return []string{"all"}
	}
	var out []string
	same := func(a, b any) bool {
		ab, err1 := json.Marshal(a)
		bb, err2 := json.Marshal(b)
		if err1 != nil || err2 != nil {
			return false
		}
		return string(ab) == string(bb)
	}
	if !same(old.HTTP, new.HTTP) {
		out = append(out, "http")
	}
	if !same(old.Logging, new.Logging) {
		out = append(out, "logging")
	}
	if !same(old.Session, new.Session) {
		out = append(out, "session")
	}
	if !same(old.Dispatch, new.Dispatch) {
		out = append(out, "dispatch")
	}
	if !same(old.Alert, new.Alert) {
		out = append(out, "alert")
	}
	if !same(old.Storage, new.Storage) {
		out = append(out, "storage")
	}
	return out
}
