package redact

import (
	"strings"
	"testing"
)

func TestDisabledPassesThrough(t *testing.T) {
	SetEnabled(false)
	t.Cleanup(func() { SetEnabled(false) })
	in := "you can reach me at jane.doe@example.com or 415-555-0134 extension 2"
	if got := Text(in); got != in {
		t.Fatalf("redaction ran while disabled: %q", got)
	}
}

func TestEnabledScrubsEmailAndPhone(t *testing.T) {
	SetEnabled(true)
	t.Cleanup(func() { SetEnabled(false) })
	got := Text("my email is jane.doe@example.com and my number is +1 415 555 0134")
	if strings.Contains(got, "example.com") || strings.Contains(got, "0134") {
		t.Fatalf("pii survived: %q", got)
	}
	if !strings.Contains(got, "[REDACTED_EMAIL]") || !strings.Contains(got, "[REDACTED_PHONE]") {
		t.Fatalf("tokens missing: %q", got)
	}
}

func TestShortDigitRunsSurvive(t *testing.T) {
	SetEnabled(true)
	t.Cleanup(func() { SetEnabled(false) })
	in := "we open at 9 and close at 6 on the 21st"
	if got := Text(in); got != in {
		t.Fatalf("ordinary numbers were scrubbed: %q", got)
	}
}
