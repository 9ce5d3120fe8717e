package redact

import (
	"errors"
	"strings"
	"testing"
)

func TestRedactServiceKey(t *testing.T) {
	t.Parallel()

	r := New("abc+def==", "https://hook.dooray.com/services/111/222/secrettoken")

	out := r.Redact("request failed: serviceKey=abc+def== rejected")
	if strings.Contains(out, "abc+def==") {
		t.Fatalf("raw key leaked: %q", out)
	}

	// URL-encoded form leaks through query strings.
	out = r.Redact("GET /api?serviceKey=abc%2Bdef%3D%3D&pageNo=1")
	if strings.Contains(out, "abc%2Bdef%3D%3D") {
		t.Fatalf("encoded key leaked: %q", out)
	}
	if !strings.Contains(out, "pageNo=1") {
		t.Fatalf("non-secret params must survive: %q", out)
	}
}

func TestRedactWebhookToken(t *testing.T) {
	t.Parallel()

	r := New("key", "https://hook.dooray.com/services/111/222/secrettoken")
	out := r.Redact(`post https://hook.dooray.com/services/111/222/secrettoken: timeout`)
	if strings.Contains(out, "secrettoken") {
		t.Fatalf("webhook token leaked: %q", out)
	}
}

func TestRedactSensitiveParams(t *testing.T) {
	t.Parallel()

	r := New("", "")
	out := r.Redact("authKey=topsecret&token=abcd password=hunter2")
	for _, leak := range []string{"topsecret", "abcd", "hunter2"} {
		if strings.Contains(out, leak) {
			t.Fatalf("%q leaked: %q", leak, out)
		}
	}
}

func TestRedactError(t *testing.T) {
	t.Parallel()

	r := New("sekrit", "https://hook.dooray.com/services/1/2/3t")
	if got := r.Error(nil); got != "" {
		t.Fatalf("Error(nil) = %q, want empty", got)
	}
	if got := r.Error(errors.New("key sekrit exposed")); strings.Contains(got, "sekrit") {
		t.Fatalf("error redaction failed: %q", got)
	}
}

func TestNilRedactor(t *testing.T) {
	t.Parallel()

	var r *Redactor
	if got := r.Redact("unchanged"); got != "unchanged" {
		t.Fatalf("nil redactor mutated input: %q", got)
	}
}
