package testutil

import (
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"finitefield.org/hanko-history/internal/history"
	"finitefield.org/hanko-history/internal/history/httpserver"
	"finitefield.org/hanko-history/internal/history/httpserver/middleware"
	"finitefield.org/hanko-history/internal/platform/i18n"
	"finitefield.org/hanko-history/internal/platform/session"
	"finitefield.org/hanko-history/internal/versions"
)

// ServerOption customises the HTTP server configuration for tests.
type ServerOption func(*serverSetup)

type serverSetup struct {
	cfg     httpserver.Config
	service versions.Service
	deps    func(*history.Deps)
}

// WithAuthenticator overrides the authenticator used by the workspace.
func WithAuthenticator(auth middleware.Authenticator, allowAnonymous bool) ServerOption {
	return func(s *serverSetup) {
		s.cfg.Authenticator = auth
		s.cfg.AllowAnonymous = allowAnonymous
	}
}

// WithBasePath sets a custom base path for the workspace routes.
func WithBasePath(path string) ServerOption {
	return func(s *serverSetup) {
		s.cfg.BasePath = path
	}
}

// WithVersionsService wires a custom versions service implementation.
func WithVersionsService(service versions.Service) ServerOption {
	return func(s *serverSetup) {
		s.service = service
	}
}

// WithControllerDeps adjusts the deps of every controller the server creates.
func WithControllerDeps(fn func(*history.Deps)) ServerOption {
	return func(s *serverSetup) {
		s.deps = fn
	}
}

// NewServer constructs an httptest server running the workspace HTTP stack with sensible defaults.
func NewServer(t testing.TB, opts ...ServerOption) *httptest.Server {
	t.Helper()

	sessions, err := session.NewManager(session.Config{
		CookieName: "test_history_session",
		HashKey:    []byte("12345678901234567890123456789012"),
		BlockKey:   []byte("abcdefghijklmnopqrstuvwxyzABCDEF"),
	})
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	messages, err := i18n.Default("ja")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}

	setup := &serverSetup{
		cfg: httpserver.Config{
			Address:        ":0",
			BasePath:       "/history",
			CSRFCookieName: "csrf_token",
			CSRFHeaderName: "X-CSRF-Token",
			Authenticator:  middleware.DefaultAuthenticator(),
			AllowAnonymous: true,
			Sessions:       sessions,
			Messages:       messages,
		},
		service: versions.NewStaticService(nil),
	}
	for _, opt := range opts {
		opt(setup)
	}

	registry, err := history.NewRegistry(func(contentID string) (*history.Controller, error) {
		deps := history.Deps{Service: setup.service}
		if setup.deps != nil {
			setup.deps(&deps)
		}
		return history.NewController(contentID, deps)
	}, time.Now)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	setup.cfg.Controllers = registry

	srv, err := httpserver.New(setup.cfg)
	if err != nil {
		t.Fatalf("httpserver: %v", err)
	}
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

// NewClient returns a client that keeps cookies and does not follow redirects.
func NewClient(t testing.TB) *http.Client {
	t.Helper()

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
