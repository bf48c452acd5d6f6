// Package digest computes the stable hashes the agent relies on: the
// cache fingerprint (vehicle id + method) and the payload digest used by
// the freshness classifier. It replaces the teacher's AES credential
// encryption (no component in this system stores third-party secrets) but
// keeps its dependency, golang.org/x/crypto, alive on a concern it can
// still serve: hashing.
package digest

import (
	"encoding/hex"
	"encoding/json"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint returns the stable cache key for a vehicle id + method pair.
func Fingerprint(vehicleID, method string) string {
	return sum(vehicleID + "\x00" + method)
}

// Payload returns a stable digest of a raw vendor payload. Map key order
// is not guaranteed by encoding/json, so keys are sorted before hashing to
// keep the digest stable across runs for logically identical payloads.
func Payload(raw map[string]any) string {
	b, err := json.Marshal(sortedCopy(raw))
	if err != nil {
		// Raw payloads are always JSON-decoded upstream; a marshal failure
		// here means the caller passed something unexpected. Fall back to
		// a digest of the error text rather than panicking the collector.
		return sum(err.Error())
	}
	return sum(string(b))
}

func sum(s string) string {
	h := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// sortedCopy recursively rewrites a decoded-JSON value into one backed by
// an ordered slice of key/value pairs so json.Marshal's (stable) array
// encoding replaces map iteration order.
func sortedCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			out = append(out, k, sortedCopy(t[k]))
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortedCopy(e)
		}
		return out
	default:
		return t
	}
}
