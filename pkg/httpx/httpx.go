// Package httpx holds the small HTTP pieces shared by the gateway handlers and
// middleware: JSON replies, response hardening, CORS for browser callers that
// sign requests, client address resolution and a retrying JSON client.
package httpx

import (
	"encoding/json"
	"net/http"
	"strings"
)

const (
	// AllowHeaders are the request headers a browser may send to signed routes.
	AllowHeaders = "Authorization,Content-Type,X-App-Id,X-Signature,X-Timestamp,X-Nonce,X-Key-Version,X-Envelope-Token,X-Ticket"
	// ExposeHeaders are the response headers browser callers may read.
	ExposeHeaders = "X-Trace-Key,X-RateLimit-Limit,X-RateLimit-Remaining,X-RateLimit-Reset,Retry-After"
	allowMethods  = "GET,POST,OPTIONS"
)

// SecurityHeadersMiddleware marks every response as an uncacheable API reply.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware answers for origins in the comma separated allowlist ("*"
// allows any). Preflights from other origins get 403; plain requests from
// them pass through without CORS headers and the browser blocks the read.
// Credentials are never allowed: callers authenticate by signature.
func CORSMiddleware(allowedOrigins string) func(http.Handler) http.Handler {
	allowed := map[string]bool{}
	for _, part := range strings.Split(allowedOrigins, ",") {
		if origin := strings.TrimSpace(part); origin != "" {
			allowed[origin] = true
		}
	}
	allowAll := allowed["*"]
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Origin")
			if !allowAll && !allowed[origin] {
				if preflight {
					ErrorCode(w, http.StatusForbidden, "ORIGIN_NOT_ALLOWED", "origin not allowed", false)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Expose-Headers", ExposeHeaders)
			if preflight {
				h.Set("Access-Control-Allow-Methods", allowMethods)
				h.Set("Access-Control-Allow-Headers", AllowHeaders)
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorBody is the shape of every rejection the gateway writes.
type ErrorBody struct {
	Code      string `json:"code"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// ErrorCode writes an ErrorBody. Code is stable; Error is for humans.
func ErrorCode(w http.ResponseWriter, status int, code, msg string, retryable bool) {
	WriteJSON(w, status, ErrorBody{Code: code, Error: msg, Retryable: retryable})
}
