package protocol

import (
	"encoding/json"
	"regexp"
	"sort"
)

// Limits applied when sanitising values for logging.
const (
	maxLogString = 2000
	maxLogItems  = 50
	maxLogDepth  = 5
)

var sensitiveKeyRe = regexp.MustCompile(`(?i)token|authorization|password|secret`)

// Sanitize prepares an arbitrary value for logging: credential-bearing
// keys are redacted, oversized strings and collections truncated, and
// nesting cut off past a fixed depth. The input is never modified.
func Sanitize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return "[unserializable]"
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "[unserializable]"
	}
	return sanitizeValue(decoded, 0)
}

// SanitizeRaw sanitises a raw JSON frame for logging. Malformed JSON is
// returned as a (truncated) string.
func SanitizeRaw(raw []byte) any {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return truncateString(string(raw))
	}
	return sanitizeValue(decoded, 0)
}

func sanitizeValue(v any, depth int) any {
	if depth > maxLogDepth {
		return "[truncated]"
	}
	switch val := v.(type) {
	case string:
		return truncateString(val)
	case []any:
		items := val
		truncated := false
		if len(items) > maxLogItems {
			items = items[:maxLogItems]
			truncated = true
		}
		out := make([]any, 0, len(items)+1)
		for _, item := range items {
			out = append(out, sanitizeValue(item, depth+1))
		}
		if truncated {
			out = append(out, "[truncated]")
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		truncated := false
		if len(keys) > maxLogItems {
			keys = keys[:maxLogItems]
			truncated = true
		}
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			if sensitiveKeyRe.MatchString(k) {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = sanitizeValue(val[k], depth+1)
		}
		if truncated {
			out["[truncated]"] = true
		}
		return out
	default:
		return v
	}
}

func truncateString(s string) string {
	if len(s) <= maxLogString {
		return s
	}
	return s[:maxLogString] + "...[truncated]"
}
