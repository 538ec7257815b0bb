package audit

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultPayloadLimit is the largest request snapshot stored verbatim.
// Larger payloads are replaced by a size/keys summary.
const DefaultPayloadLimit = 10 * 1024

// DefaultSecretKeys are the payload keys redacted before persistence.
// Patterns are matched case-insensitively against each key name.
var DefaultSecretKeys = []string{
	"*password*", "*secret*", "*token*", "*api_key*", "*apikey*",
	"authorization", "ssn", "social_security*", "credit_card*", "card_number", "cvv",
}

// Redacted replaces the value of any secret key.
const Redacted = "[REDACTED]"

// maxSummaryKeys caps the key list of an oversized-payload summary.
const maxSummaryKeys = 50

// Sanitizer turns a request payload into the stored snapshot: secrets are
// redacted at any depth and oversized payloads are summarized.
type Sanitizer struct {
	secretKeys []glob.Glob
	limit      int
}

// NewSanitizer compiles the secret-key patterns. A non-positive limit
// selects DefaultPayloadLimit.
func NewSanitizer(secretKeys []string, limit int) (*Sanitizer, error) {
	if limit <= 0 {
		limit = DefaultPayloadLimit
	}
	s := &Sanitizer{limit: limit}
	for _, p := range secretKeys {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return nil, fmt.Errorf("invalid secret key pattern %q: %w", p, err)
		}
		s.secretKeys = append(s.secretKeys, g)
	}
	return s, nil
}

// Snapshot returns the sanitized JSON snapshot of payload, or nil when
// there is no payload.
func (s *Sanitizer) Snapshot(payload any) json.RawMessage {
	if payload == nil {
		return nil
	}

	// Normalize structs and typed maps into generic JSON values first so
	// redaction sees the same key names that will be stored.
	raw, err := json.Marshal(payload)
	if err != nil {
		return mustMarshal(map[string]any{"unserializable": true, "error": err.Error()})
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return mustMarshal(map[string]any{"unserializable": true, "error": err.Error()})
	}

	clean := mustMarshal(s.redact(generic))
	if len(clean) <= s.limit {
		return clean
	}
	return mustMarshal(summarize(generic, len(clean)))
}

// IsSecret reports whether key names a secret field.
func (s *Sanitizer) IsSecret(key string) bool {
	k := strings.ToLower(key)
	for _, g := range s.secretKeys {
		if g.Match(k) {
			return true
		}
	}
	return false
}

func (s *Sanitizer) redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if s.IsSecret(k) {
				out[k] = Redacted
				continue
			}
			out[k] = s.redact(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = s.redact(child)
		}
		return out
	default:
		return v
	}
}

// summarize describes an oversized payload without storing its content.
func summarize(v any, size int) map[string]any {
	summary := map[string]any{
		"truncated":    true,
		"originalSize": size,
	}
	switch val := v.(type) {
	case map[string]any:
		keys := sortedKeys(val)
		if len(keys) > maxSummaryKeys {
			keys = keys[:maxSummaryKeys]
		}
		summary["keys"] = keys
	case []any:
		summary["items"] = len(val)
	}
	return summary
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"unserializable":true}`)
	}
	return data
}
