package middleware

import (
	"context"
	"net/http"
	"strings"
)

type htmxContextKey struct{}

// HTMXInfo is what the workspace reads from the HX-* request headers.
type HTMXInfo struct {
	IsHTMX     bool
	Target     string
	Trigger    string
	CurrentURL string
	// Restore is set when htmx re-fetches a page missing from its history cache.
	Restore bool
}

func parseHTMX(h http.Header) HTMXInfo {
	flag := func(name string) bool { return strings.EqualFold(h.Get(name), "true") }
	return HTMXInfo{
		IsHTMX:     flag("HX-Request"),
		Target:     h.Get("HX-Target"),
		Trigger:    h.Get("HX-Trigger"),
		CurrentURL: h.Get("HX-Current-URL"),
		Restore:    flag("HX-History-Restore-Request"),
	}
}

// HTMX stores the parsed HX-* headers in the request context.
func HTMX() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), htmxContextKey{}, parseHTMX(r.Header))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func HTMXInfoFromContext(ctx context.Context) HTMXInfo {
	info, _ := ctx.Value(htmxContextKey{}).(HTMXInfo)
	return info
}

// IsHTMXRequest reports whether htmx issued the request. A history restore is
// a full page load even though it carries HX-Request.
func IsHTMXRequest(ctx context.Context) bool {
	info := HTMXInfoFromContext(ctx)
	return info.IsHTMX && !info.Restore
}

// RequireHTMX answers 404 when a fragment route is opened directly.
func RequireHTMX() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "HX-Request")
			if !IsHTMXRequest(r.Context()) {
				http.NotFound(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NoStore marks every workspace response uncacheable.
func NoStore() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store, max-age=0")
			next.ServeHTTP(w, r)
		})
	}
}
