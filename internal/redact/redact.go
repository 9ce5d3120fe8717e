// Package redact masks credentials before any error string reaches a log
// line or an emitted event.
package redact

import (
	"net/url"
	"regexp"
	"strings"
)

const mask = "***"

// sensitiveParamRE matches key=value pairs whose key commonly carries a
// credential, in query strings and bare text alike.
var sensitiveParamRE = regexp.MustCompile(`(?i)(serviceKey|authKey|token|secret|password|api[_-]?key)=([^&\s"']+)`)

// Redactor rewrites strings so that the configured service key and the
// webhook token path never appear in output, regardless of how an error
// message was assembled.
type Redactor struct {
	literals []string
}

// New builds a redactor for the given service key and webhook URL. The
// webhook's path past its second segment is the Dooray hook token and is
// treated as a literal secret alongside the raw and URL-encoded key forms.
func New(serviceKey, webhookURL string) *Redactor {
	r := &Redactor{}
	if serviceKey != "" {
		r.literals = append(r.literals, serviceKey)
		if enc := url.QueryEscape(serviceKey); enc != serviceKey {
			r.literals = append(r.literals, enc)
		}
	}
	if token := webhookToken(webhookURL); token != "" {
		r.literals = append(r.literals, token)
	}
	return r
}

// webhookToken extracts the secret tail of the webhook path: everything
// after the second path segment.
func webhookToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) <= 2 {
		return ""
	}
	return strings.Join(segs[2:], "/")
}

// Redact returns s with every known secret masked.
func (r *Redactor) Redact(s string) string {
	if r == nil || s == "" {
		return s
	}
	for _, lit := range r.literals {
		if lit != "" {
			s = strings.ReplaceAll(s, lit, mask)
		}
	}
	return sensitiveParamRE.ReplaceAllString(s, "$1="+mask)
}

// Error is a convenience for redacting error values; nil yields "".
func (r *Redactor) Error(err error) string {
	if err == nil {
		return ""
	}
	return r.Redact(err.Error())
}
