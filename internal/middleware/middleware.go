// Package middleware holds the HTTP middleware chain for the dashboard
// API (spec §4.8, component C8), adapted from the teacher's main.go
// chain (recoverMiddleware, loggingMiddleware, securityHeadersMiddleware)
// plus an admin allow-list gate for the one mutating endpoint the spec
// defines, /api/refresh.
package middleware

import (
	"encoding/json"
	"log"
	"net/http"
	"runtime/debug"
	"time"
)

// Recover converts a panic in a downstream handler into a 500 JSON
// response instead of crashing the server.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("❌ PANIC RECOVERED: %v", err)
				log.Printf("Stack trace:\n%s", debug.Stack())
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Logging logs method, path, remote address, status, and duration for
// every request.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Printf("→ [%s] %s %s from %s", r.Method, r.URL.Path, r.URL.RawQuery, r.RemoteAddr)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		log.Printf("← [%s] %s - %d in %v", r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders sets a conservative default header set on every
// response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Del("Server")
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin gates a handler behind the ADMIN_EMAILS allow-list (spec
// §9 Open Question: no JWT/token auth, a header-supplied admin email
// checked against a static allow-list instead). An empty allow-list
// denies everyone rather than defaulting open.
func RequireAdmin(allowlist []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowlist))
	for _, e := range allowlist {
		allowed[e] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			email := r.Header.Get("X-Admin-Email")
			if email == "" || !allowed[email] {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]string{"error": "admin email not recognized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
