// Package redact scrubs caller PII from transcript text before it
// reaches logs or metric artifacts. Audio is never inspected; only the
// recognized and generated text passes through here.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

const (
	emailToken = "[REDACTED_EMAIL]"
	phoneToken = "[REDACTED_PHONE]"
)

var enabled atomic.Bool

var patterns = []struct {
	re    *regexp.Regexp
	token string
}{
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), emailToken},
	// Seven or more digits with optional separators covers both E.164
	// and spoken-style numbers ("eight one two..." arrives as digits
	// from the recognizer's formatter).
	{regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`), phoneToken},
}

// SetEnabled flips redaction globally. The engine sets it once at
// startup from privacy.redact_pii.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled reports whether Text currently scrubs anything.
func Enabled() bool {
	return enabled.Load()
}

// Text returns in with emails and phone numbers replaced by fixed
// tokens. A no-op when redaction is off or the input is blank.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := in
	for _, p := range patterns {
		out = p.re.ReplaceAllString(out, p.token)
	}
	return out
}
