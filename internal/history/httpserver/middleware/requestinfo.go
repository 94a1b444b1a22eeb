package middleware

import (
	"context"
	"net/http"
	"path"
	"strings"
)

type requestInfoKey struct{}

// RequestInfo is per-request metadata shared by handlers and templates.
type RequestInfo struct {
	Path     string
	BasePath string
	Method   string
	Language string
}

// LanguageResolver picks the display language from an Accept-Language value.
type LanguageResolver interface {
	Resolve(acceptLanguage string) string
}

// LanguageParam overrides Accept-Language for a single request, e.g. ?lang=en.
const LanguageParam = "lang"

// RequestInfoMiddleware records the path, mount point and display language.
func RequestInfoMiddleware(basePath string, languages LanguageResolver) func(http.Handler) http.Handler {
	base := NormaliseBase(basePath)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := &RequestInfo{Path: r.URL.Path, BasePath: base, Method: r.Method}
			if languages != nil {
				info.Language = languages.Resolve(preferredLanguages(r))
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)))
		})
	}
}

func preferredLanguages(r *http.Request) string {
	header := r.Header.Get("Accept-Language")
	explicit := strings.TrimSpace(r.URL.Query().Get(LanguageParam))
	switch {
	case explicit == "":
		return header
	case header == "":
		return explicit
	default:
		return explicit + "," + header
	}
}

func RequestInfoFromContext(ctx context.Context) (*RequestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey{}).(*RequestInfo)
	return info, ok && info != nil
}

// BasePathFromContext falls back to "/" outside RequestInfoMiddleware.
func BasePathFromContext(ctx context.Context) string {
	if info, ok := RequestInfoFromContext(ctx); ok && info.BasePath != "" {
		return info.BasePath
	}
	return "/"
}

func LanguageFromContext(ctx context.Context) string {
	if info, ok := RequestInfoFromContext(ctx); ok {
		return info.Language
	}
	return ""
}

// NormaliseBase returns "/" or a rooted, cleaned path without a trailing slash.
func NormaliseBase(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return "/"
	}
	return path.Clean("/" + strings.Trim(base, "/"))
}
