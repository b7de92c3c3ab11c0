package policy

import "regexp"

type redaction struct {
	pattern *regexp.Regexp
	marker  string
}

// Applied in order. Cards run before phones so long digit runs are not
// classified as phone numbers.
var redactions = []redaction{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED_ID]"},
	{regexp.MustCompile(`(?i)\b(?:mrn|medical record(?: number)?)[:#\s]*[a-z0-9\-]{4,}`), "[REDACTED_MRN]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks identifiers that must not reach logs: emails, national
// ids, medical record numbers, payment cards and phone numbers.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range redactions {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
