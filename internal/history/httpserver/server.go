// Package httpserver assembles the history workspace HTTP stack.
package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	custommw "finitefield.org/hanko-history/internal/history/httpserver/middleware"
	"finitefield.org/hanko-history/internal/history/httpserver/ui"
	"finitefield.org/hanko-history/internal/platform/httpx"
	"finitefield.org/hanko-history/internal/platform/i18n"
	"finitefield.org/hanko-history/internal/platform/metrics"
	"finitefield.org/hanko-history/internal/platform/observability"
)

// Config holds runtime options for the workspace HTTP server.
type Config struct {
	Address        string
	BasePath       string
	LoginPath      string
	ProjectID      string
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	Authenticator  custommw.Authenticator
	AllowAnonymous bool
	Sessions       custommw.SessionStore
	Controllers    ui.Controllers
	Messages       *i18n.Bundle

	CSRFCookieName   string
	CSRFCookieSecure bool
	CSRFHeaderName   string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// New constructs the HTTP server with its middleware stack.
func New(cfg Config) (*http.Server, error) {
	handler, err := NewRouter(cfg)
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		ReadTimeout:  durationOr(cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: durationOr(cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:  durationOr(cfg.IdleTimeout, 60*time.Second),
	}, nil
}

// NewRouter builds the chi router. Health and metrics stay outside auth.
func NewRouter(cfg Config) (chi.Router, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("httpserver: session store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handlers, err := ui.NewHandlers(cfg.Controllers, cfg.Messages)
	if err != nil {
		return nil, err
	}
	var sessionOpts []custommw.SessionOption
	if dropper, ok := cfg.Controllers.(interface{ Drop(sessionID string) int }); ok {
		sessionOpts = append(sessionOpts, custommw.OnSessionDestroyed(func(id string) {
			if n := dropper.Drop(id); n > 0 {
				logger.Debug("released controllers of destroyed session", zap.Int("count", n))
			}
		}))
	}
	sessionMW, err := custommw.Session(cfg.Sessions, sessionOpts...)
	if err != nil {
		return nil, err
	}

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(observability.InjectLoggerMiddleware(logger))
	router.Use(observability.TraceMiddleware(cfg.ProjectID))
	router.Use(observability.RecoveryMiddleware(logger))
	router.Use(observability.RequestLoggerMiddleware())
	router.Use(chimw.Timeout(60 * time.Second))

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(r.Context(), w, httpx.NewError("route_not_found", "route not found", http.StatusNotFound))
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(r.Context(), w, httpx.NewError("method_not_allowed", "method not allowed", http.StatusMethodNotAllowed))
	})
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}

	basePath := custommw.NormaliseBase(cfg.BasePath)
	if basePath == "/" {
		basePath = "/history"
	}
	csrfCfg := custommw.CSRFConfig{
		CookieName: cfg.CSRFCookieName,
		CookiePath: basePath,
		HeaderName: cfg.CSRFHeaderName,
		Secure:     cfg.CSRFCookieSecure,
	}

	router.Route(basePath, func(r chi.Router) {
		r.Use(custommw.HTMX())
		r.Use(custommw.NoStore())
		r.Use(custommw.RequestInfoMiddleware(basePath, cfg.Messages))
		r.Use(sessionMW)
		r.Use(custommw.Auth(custommw.AuthConfig{
			Authenticator:  cfg.Authenticator,
			LoginPath:      cfg.LoginPath,
			AllowAnonymous: cfg.AllowAnonymous,
		}))
		r.Use(custommw.CSRF(csrfCfg))

		handlers.Routes(r)
	})

	return router, nil
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
