package contentapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"finitefield.org/hanko-history/internal/platform/httpx"
	"finitefield.org/hanko-history/internal/platform/metrics"
	"finitefield.org/hanko-history/internal/platform/observability"
	"finitefield.org/hanko-history/internal/platform/requestctx"
	"finitefield.org/hanko-history/internal/versions"
)

const (
	headerActorID   = "X-Actor-Id"
	headerActorName = "X-Actor-Name"
	defaultTimeout  = 30 * time.Second
)

// Handlers exposes the version endpoints under /content/{contentID}/versions.
type Handlers struct {
	service *Service
	tokens  []string
	metrics *metrics.Metrics
}

// HandlerOption customises Handlers.
type HandlerOption func(*Handlers)

// WithTokens restricts access to requests bearing one of tokens. Without
// tokens every request is accepted.
func WithTokens(tokens []string) HandlerOption {
	return func(h *Handlers) {
		for _, token := range tokens {
			if token = strings.TrimSpace(token); token != "" {
				h.tokens = append(h.tokens, token)
			}
		}
	}
}

// WithHandlerMetrics records per-operation outcomes.
func WithHandlerMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handlers) {
		h.metrics = m
	}
}

// NewHandlers constructs Handlers backed by service.
func NewHandlers(service *Service, opts ...HandlerOption) *Handlers {
	h := &Handlers{service: service}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the version endpoints.
func (h *Handlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Use(h.requireToken)
	r.Route("/content/{contentID}/versions", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/export", h.export)
		r.Post("/bulk-delete", h.bulkDelete)
		r.Post("/bulk-restore", h.bulkRestore)
		r.Post("/{versionID}/restore", h.restore)
		r.Delete("/{versionID}", h.delete)
	})
}

// NewRouter builds the content service router with shared middleware,
// health checks and the metrics endpoint.
func NewRouter(logger *zap.Logger, projectID string, handlers *Handlers, m *metrics.Metrics) chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		observability.InjectLoggerMiddleware(logger),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger),
		observability.RequestLoggerMiddleware(),
		middleware.Timeout(defaultTimeout),
	)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	r.Group(handlers.Routes)
	return r
}

func (h *Handlers) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		token := bearerToken(r)
		if len(h.tokens) > 0 && !h.acceptsToken(token) {
			httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "a valid bearer token is required", http.StatusUnauthorized))
			return
		}
		actor := requestctx.Actor{
			ID:    strings.TrimSpace(r.Header.Get(headerActorID)),
			Name:  strings.TrimSpace(r.Header.Get(headerActorName)),
			Token: token,
		}
		next.ServeHTTP(w, r.WithContext(requestctx.WithActor(ctx, actor)))
	})
}

func (h *Handlers) acceptsToken(token string) bool {
	if token == "" {
		return false
	}
	for _, candidate := range h.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q, err := versions.ParseQuery(chi.URLParam(r, "contentID"), r.URL.Query())
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_query", err.Error(), http.StatusBadRequest))
		return
	}
	page, err := h.service.List(ctx, q)
	h.observe("list", err)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, page)
}

func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if in.Author.ID == "" && in.Author.Name == "" {
		in.Author = actorFrom(ctx)
	}
	v, err := h.service.Create(ctx, chi.URLParam(r, "contentID"), in)
	h.observe("create", err)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, v)
}

func (h *Handlers) export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	values := r.URL.Query()
	values.Del("page")
	values.Del("limit")
	q, err := versions.ParseQuery(chi.URLParam(r, "contentID"), values)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_query", err.Error(), http.StatusBadRequest))
		return
	}
	out, err := h.service.Export(ctx, q)
	h.observe("export", err)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", versions.ExportFilename(q.ContentID)))
	if out.ArchiveURI != "" {
		w.Header().Set("X-Export-Archive", out.ArchiveURI)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Body)
}

type idsRequest struct {
	VersionIDs []string `json:"versionIds"`
}

func (h *Handlers) bulkDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	err := h.service.BulkDelete(ctx, chi.URLParam(r, "contentID"), ids, actorFrom(ctx).ID)
	h.observe("bulk_delete", err)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) bulkRestore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	restored, err := h.service.BulkRestore(ctx, chi.URLParam(r, "contentID"), ids, actorFrom(ctx))
	h.observe("bulk_restore", err)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": restored})
}

func (h *Handlers) restore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := h.service.Restore(ctx, chi.URLParam(r, "contentID"), chi.URLParam(r, "versionID"), actorFrom(ctx))
	h.observe("restore", err)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, v)
}

func (h *Handlers) delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	err := h.service.Delete(ctx, chi.URLParam(r, "contentID"), chi.URLParam(r, "versionID"), actorFrom(ctx).ID)
	h.observe("delete", err)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) observe(operation string, err error) {
	if h.metrics != nil {
		h.metrics.ObserveOperation(operation, err)
	}
}

func decodeIDs(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var req idsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return nil, false
	}
	if len(req.VersionIDs) == 0 {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "versionIds must not be empty", http.StatusBadRequest))
		return nil, false
	}
	return req.VersionIDs, true
}

func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrVersionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("version_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, ErrInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout))
	default:
		requestctx.Logger(ctx).Error("contentapi: request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
	}
}

func actorFrom(ctx context.Context) versions.Author {
	actor, ok := requestctx.ActorFrom(ctx)
	if !ok {
		return versions.Author{}
	}
	return versions.Author{ID: actor.ID, Name: actor.Name}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
