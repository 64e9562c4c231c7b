package outbox

import (
	"bytes"
	"encoding/json"
)

// Payload is the free-form body of an outbox record. Each member is kept as raw JSON so
// that string members and structured members can be told apart when the data map is built.
type Payload map[string]json.RawMessage

// Text returns the member as a string. It reports false when the member is missing, is not
// a JSON string, or is empty.
func (p Payload) Text(key string) (string, bool) {
	s, ok := stringMember(p[key])
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// TextOr returns Text(key) or fallback.
func (p Payload) TextOr(key, fallback string) string {
	if s, ok := p.Text(key); ok {
		return s
	}
	return fallback
}

// DataFields flattens the payload into the string-only map the gateway accepts.
// String members are copied verbatim; every other member is written as compact JSON text.
func (p Payload) DataFields() map[string]string {
	out := make(map[string]string, len(p))
	for k, raw := range p {
		if s, ok := stringMember(raw); ok {
			out[k] = s
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			out[k] = string(raw)
			continue
		}
		out[k] = buf.String()
	}
	return out
}

func stringMember(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", false
	}
	return s, true
}
