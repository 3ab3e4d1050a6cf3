package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// IsAdmin reports whether the request carries the configured admin bearer
// token. With no token configured every request counts as non-admin for
// limit purposes but admin endpoints are open (flagged at startup).
func IsAdmin(r *http.Request, token string) bool {
	if token == "" {
		return false
	}
	got := bearerToken(r)
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

// AdminAuth guards the admin endpoints with a bearer token. A missing header
// is 401, a wrong token 403. When no token is configured the middleware
// passes everything through.
func AdminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := bearerToken(r)
			if got == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSONError(w, http.StatusUnauthorized, `{"error":"unauthorized","message":"admin token required","code":401}`)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSONError(w, http.StatusForbidden, `{"error":"forbidden","message":"invalid admin token","code":403}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body + "\n"))
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}
