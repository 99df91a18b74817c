package sanitize

import (
	"encoding/json"
	"regexp"

	"github.com/rotisserie/eris"
)

// Redaction placeholders.
const (
	EmailPlaceholder = "[EMAIL]"
	PhonePlaceholder = "[PHONE]"
	SSNPlaceholder   = "[SSN]"
	CardPlaceholder  = "[CARD]"
)

// Card and SSN patterns run before the phone pattern: a 16-digit card number
// with separators would otherwise partially match as a phone number.
var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardPattern  = regexp.MustCompile(`\b(?:\d{4}[ \-]?){3}\d{4}\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	phonePattern = regexp.MustCompile(`(?:\+?1[ .\-]?)?\(?\d{3}\)?[ .\-]\d{3}[ .\-]\d{4}\b`)
)

// Redact replaces email, card, SSN, and phone shaped substrings with
// placeholders.
func Redact(s string) string {
	s = emailPattern.ReplaceAllString(s, EmailPlaceholder)
	s = cardPattern.ReplaceAllString(s, CardPlaceholder)
	s = ssnPattern.ReplaceAllString(s, SSNPlaceholder)
	s = phonePattern.ReplaceAllString(s, PhonePlaceholder)
	return s
}

// RedactTree walks an arbitrary decoded-JSON structure and redacts every
// string leaf. This is the last line of defense before output is persisted,
// even when an upstream step echoed raw input text into its result.
func RedactTree(v any) any {
	switch t := v.(type) {
	case string:
		return Redact(t)
	case map[string]any:
		for k, child := range t {
			t[k] = RedactTree(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = RedactTree(child)
		}
		return t
	default:
		return v
	}
}

// RedactJSON applies RedactTree to a raw JSON document.
func RedactJSON(raw json.RawMessage) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, eris.Wrap(err, "sanitize: decode output")
	}
	out, err := json.Marshal(RedactTree(v))
	if err != nil {
		return nil, eris.Wrap(err, "sanitize: encode output")
	}
	return out, nil
}
