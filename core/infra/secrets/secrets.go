// Package secrets masks credentials in JSON payloads before they leave the
// engine: secret:// references anywhere, and any value stored under a
// credential-like key.
package secrets

import (
	"encoding/json"
	"strings"
)

const (
	refPrefix = "secret://"
	// Mask replaces redacted values.
	Mask = "<redacted>"
)

var sensitiveKeys = map[string]struct{}{
	"api_key":       {},
	"apikey":        {},
	"authorization": {},
	"password":      {},
	"secret":        {},
	"access_token":  {},
	"refresh_token": {},
}

// IsRef reports whether s is a secret reference.
func IsRef(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), refPrefix)
}

// IsSensitiveKey reports whether values under key are always masked.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	k = strings.ReplaceAll(k, "-", "_")
	_, ok := sensitiveKeys[k]
	return ok
}

// Redact returns a copy of a decoded JSON value with secrets masked, and
// whether anything changed.
func Redact(value any) (any, bool) {
	switch v := value.(type) {
	case string:
		if IsRef(v) {
			return Mask, true
		}
		return v, false
	case map[string]any:
		changed := false
		out := make(map[string]any, len(v))
		for k, child := range v {
			if IsSensitiveKey(k) && child != nil && child != "" {
				out[k] = Mask
				changed = true
				continue
			}
			red, c := Redact(child)
			out[k] = red
			changed = changed || c
		}
		return out, changed
	case []any:
		changed := false
		out := make([]any, len(v))
		for i, child := range v {
			red, c := Redact(child)
			out[i] = red
			changed = changed || c
		}
		return out, changed
	default:
		return v, false
	}
}

// RedactJSON masks secrets inside a JSON document. Unchanged input is
// returned as is.
func RedactJSON(data []byte) ([]byte, bool, error) {
	if len(data) == 0 {
		return data, false, nil
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return data, false, err
	}
	redacted, changed := Redact(payload)
	if !changed {
		return data, false, nil
	}
	out, err := json.Marshal(redacted)
	return out, true, err
}
