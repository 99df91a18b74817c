// Package sanitize pre-processes survey comments before they reach any LLM
// call, and redacts PII from anything that flows into final report output.
// Injection screening and PII redaction are separate concerns: a missed
// injection is a security bug, a missed PII match is a privacy bug.
package sanitize

import (
	"regexp"
	"strings"
)

// MinMeaningfulLength is the minimum trimmed length for a comment to count
// as meaningful input.
const MinMeaningfulLength = 3

// DefaultMaxLength is the comment length above which text is truncated.
// Over-length input is truncated with a warning, never rejected.
const DefaultMaxLength = 4000

// Rejection reasons recorded into the audit log.
const (
	ReasonEmpty     = "empty_or_whitespace"
	ReasonTooShort  = "below_meaningful_length"
	ReasonInjection = "prompt_injection_pattern"
)

// Options controls sanitization behavior.
type Options struct {
	// MaxLength caps comment length; zero means DefaultMaxLength.
	MaxLength int
	// RedactPII applies PII redaction to safe text. Independent of the
	// injection check.
	RedactPII bool
}

// Result is the disposition of one comment.
type Result struct {
	Text      string
	Safe      bool
	Truncated bool
	Reason    string
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|context)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+|any\s+)?(previous|prior|your)\s+(instructions?|prompts?|rules)`),
	regexp.MustCompile(`(?i)\bsystem\s+prompt\b`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the|in)\b`),
	regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)\b`),
	regexp.MustCompile(`(?i)act\s+as\s+(a\s+|an\s+)?(system|administrator|developer|jailbroken)`),
	regexp.MustCompile(`(?i)\bnew\s+instructions?\s*:`),
	regexp.MustCompile(`(?i)<\s*/?\s*(system|assistant)\s*>`),
}

// Sanitize screens one input comment. It rejects empty or too-short text and
// known prompt-injection patterns, truncates over-length text, and optionally
// applies PII redaction to safe text.
func Sanitize(text string, opts Options) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{Safe: false, Reason: ReasonEmpty}
	}
	if len(trimmed) < MinMeaningfulLength {
		return Result{Safe: false, Reason: ReasonTooShort}
	}

	for _, p := range injectionPatterns {
		if p.MatchString(trimmed) {
			return Result{Safe: false, Reason: ReasonInjection}
		}
	}

	maxLen := opts.MaxLength
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	truncated := false
	if len(trimmed) > maxLen {
		trimmed = trimmed[:maxLen]
		truncated = true
	}

	if opts.RedactPII {
		trimmed = Redact(trimmed)
	}

	return Result{Text: trimmed, Safe: true, Truncated: truncated}
}
