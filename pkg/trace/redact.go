package trace

import (
	"net/http"
	"net/url"
	"strings"
)

const Redacted = "[REDACTED]"

var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
	"set-cookie":          {},
	"x-signature":         {},
	"x-ticket":            {},
	"x-api-key":           {},
	"x-api-token":         {},
	"x-envelope-token":    {},
}

func sensitiveKey(k string) bool {
	k = strings.ToLower(strings.TrimSpace(k))
	if _, ok := sensitiveHeaders[k]; ok {
		return true
	}
	for _, marker := range []string{"token", "secret", "password", "signature"} {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

// RedactHeaders flattens h into a map with credential-bearing values replaced.
func RedactHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vals := range h {
		key := strings.ToLower(k)
		if sensitiveKey(key) {
			out[key] = Redacted
			continue
		}
		out[key] = strings.Join(vals, ", ")
	}
	return out
}

// RedactQuery flattens query parameters the same way.
func RedactQuery(q url.Values) map[string]any {
	if len(q) == 0 {
		return nil
	}
	out := make(map[string]any, len(q))
	for k, vals := range q {
		switch {
		case sensitiveKey(k):
			out[k] = Redacted
		case len(vals) == 1:
			out[k] = vals[0]
		default:
			out[k] = append([]string(nil), vals...)
		}
	}
	return out
}
