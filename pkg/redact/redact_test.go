package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	defer SetEnabled(true)
	in := "Authorization: Bearer abc.def"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
	if got := Secret("0123456789"); got != "0123456789" {
		t.Fatalf("expected secret untouched, got %q", got)
	}
}

func TestRedactBearer(t *testing.T) {
	SetEnabled(true)
	got := Text("Authorization: Bearer abc.def-123")
	if strings.Contains(got, "abc.def-123") {
		t.Fatalf("expected token to be masked, got %q", got)
	}
	if want := "[REDACTED]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output", want)
	}
}

func TestRedactSecretKeepsSuffix(t *testing.T) {
	SetEnabled(true)
	if got := Secret("0123456789"); got != "****6789" {
		t.Fatalf("expected ****6789, got %q", got)
	}
	if got := Secret("abc"); got != "****" {
		t.Fatalf("expected short secret fully masked, got %q", got)
	}
}

func TestRedactURL(t *testing.T) {
	SetEnabled(true)
	got := URL("wss://host/path?language=en-US&Subscription-Key=secret")
	if strings.Contains(got, "secret") {
		t.Fatalf("expected key masked, got %q", got)
	}
	if !strings.Contains(got, "language=en-US") {
		t.Fatalf("expected other params kept, got %q", got)
	}
}
