package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Hash returns the stable digest of the algorithm-relevant configuration:
// canonical JSON (sorted keys) hashed with SHA-256, first 16 hex chars. The
// digest is embedded into every signal record so any record can be traced
// back to the exact decision parameters that produced it.
func (c *Config) Hash() string {
	relevant := map[string]any{
		"features": c.Features,
		"signals":  c.Signals,
		"risk":     c.Risk,
		"backtest": c.Backtest,
	}
	return DigestJSON(relevant)
}

// DigestJSON canonicalizes v (sorted object keys at every level) and returns
// the first 16 hex chars of its SHA-256.
func DigestJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "invalid"
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return "invalid"
	}
	canon := canonicalize(tree)
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:])[:16]
}

// canonicalize renders a decoded JSON tree with deterministic key order.
func canonicalize(v any) string {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := "{"
		for i, k := range keys {
			if i > 0 {
				out += ","
			}
			kb, _ := json.Marshal(k)
			out += string(kb) + ":" + canonicalize(t[k])
		}
		return out + "}"
	case []any:
		out := "["
		for i, e := range t {
			if i > 0 {
				out += ","
			}
			out += canonicalize(e)
		}
		return out + "]"
	case float64:
		// Trim float noise so 1 and 1.0 digest identically.
		return fmt.Sprintf("%g", t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
