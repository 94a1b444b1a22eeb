// Package ui serves the htmx-driven history workspace.
package ui

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"finitefield.org/hanko-history/internal/history"
	custommw "finitefield.org/hanko-history/internal/history/httpserver/middleware"
	"finitefield.org/hanko-history/internal/platform/i18n"
	"finitefield.org/hanko-history/internal/platform/requestctx"
	"finitefield.org/hanko-history/internal/versions"
)

// ChangedEvent is the htmx event fired after every successful mutation.
const ChangedEvent = "versions:changed"

// Controllers resolves the controller of a session and content document.
type Controllers interface {
	Get(sessionID, contentID string) (*history.Controller, error)
}

// Handlers bundles the workspace endpoints.
type Handlers struct {
	controllers Controllers
	messages    *i18n.Bundle
}

// NewHandlers constructs Handlers.
func NewHandlers(controllers Controllers, messages *i18n.Bundle) (*Handlers, error) {
	if controllers == nil {
		return nil, errors.New("ui: controller registry is required")
	}
	if messages == nil {
		return nil, errors.New("ui: message bundle is required")
	}
	return &Handlers{controllers: controllers, messages: messages}, nil
}

// Routes registers the workspace routes on r, which is mounted at the base path.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/content/{contentID}", func(r chi.Router) {
		r.Get("/", h.Page)
		r.With(custommw.RequireHTMX()).Get("/table", h.Table)
		r.Post("/select/{versionID}", h.Select)
		r.Post("/compare/{versionID}", h.Compare)
		r.Post("/expand", h.Expand)
		r.Post("/selection/{versionID}/toggle", h.ToggleSelection)
		r.Post("/selection/all", h.SelectAll)
		r.Post("/selection/clear", h.ClearSelection)
		r.Post("/versions/{versionID}/restore", h.Restore)
		r.Get("/versions/{versionID}/delete", h.RequestDelete)
		r.Post("/versions/delete/confirm", h.ConfirmDelete)
		r.Post("/versions/delete/cancel", h.CancelDelete)
		r.Post("/bulk/restore", h.BulkRestore)
		r.Post("/bulk/delete", h.BulkDelete)
		r.Get("/export", h.Export)
		r.Post("/error/dismiss", h.DismissError)
	})
}

// Page renders the full workspace. Query parameters are applied like the table fragment.
func (h *Handlers) Page(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := applyQuery(r, ctrl); err != nil && isRequestError(err) {
		h.fail(w, r, ctrl, err)
		return
	}
	templ.Handler(Page(h.view(r, ctrl))).ServeHTTP(w, r)
}

// Table re-renders the workspace after applying list parameters from the query string.
func (h *Handlers) Table(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := applyQuery(r, ctrl); err != nil {
		h.fail(w, r, ctrl, err)
		return
	}
	basePath := custommw.BasePathFromContext(r.Context())
	values := ctrl.State().Query.Values()
	values.Del("limit")
	w.Header().Set("HX-Push-Url", contentPath(basePath, ctrl.ContentID())+"?"+values.Encode())
	h.render(w, r, ctrl)
}

// Select makes a version the comparison base.
func (h *Handlers) Select(w http.ResponseWriter, r *http.Request) {
	ctrl, v, ok := h.version(w, r)
	if !ok {
		return
	}
	ctrl.SelectVersion(v)
	h.render(w, r, ctrl)
}

// Compare makes a version the comparison target.
func (h *Handlers) Compare(w http.ResponseWriter, r *http.Request) {
	ctrl, v, ok := h.version(w, r)
	if !ok {
		return
	}
	ctrl.CompareWith(v)
	h.render(w, r, ctrl)
}

// Expand toggles one comparison group.
func (h *Handlers) Expand(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	path := strings.TrimSpace(r.PostFormValue("path"))
	if path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	ctrl.ToggleExpanded(path)
	h.render(w, r, ctrl)
}

// ToggleSelection adds or removes a version from the bulk selection.
func (h *Handlers) ToggleSelection(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	ctrl.ToggleSelection(chi.URLParam(r, "versionID"))
	h.render(w, r, ctrl)
}

// SelectAll selects the whole page.
func (h *Handlers) SelectAll(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	ctrl.SelectAll()
	h.render(w, r, ctrl)
}

// ClearSelection empties the selection.
func (h *Handlers) ClearSelection(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	ctrl.ClearSelection()
	h.render(w, r, ctrl)
}

// Restore restores a single version.
func (h *Handlers) Restore(w http.ResponseWriter, r *http.Request) {
	ctrl, v, ok := h.version(w, r)
	if !ok {
		return
	}
	h.mutation(w, r, ctrl, "history.toast.restored", ctrl.Restore(r.Context(), v))
}

// RequestDelete opens the delete confirmation.
func (h *Handlers) RequestDelete(w http.ResponseWriter, r *http.Request) {
	ctrl, v, ok := h.version(w, r)
	if !ok {
		return
	}
	if err := ctrl.RequestDelete(v); err != nil {
		h.fail(w, r, ctrl, err)
		return
	}
	h.render(w, r, ctrl)
}

// ConfirmDelete deletes the pending version.
func (h *Handlers) ConfirmDelete(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	h.mutation(w, r, ctrl, "history.toast.deleted", ctrl.ConfirmDelete(r.Context()))
}

// CancelDelete closes the delete confirmation.
func (h *Handlers) CancelDelete(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := ctrl.CancelDelete(); err != nil {
		h.fail(w, r, ctrl, err)
		return
	}
	h.render(w, r, ctrl)
}

// BulkRestore restores the posted versionIds, or the selection when none are posted.
func (h *Handlers) BulkRestore(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	h.mutation(w, r, ctrl, "history.toast.restored", ctrl.BulkRestore(r.Context(), postedIDs(r)))
}

// BulkDelete deletes the posted versionIds, or the selection when none are posted.
func (h *Handlers) BulkDelete(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	h.mutation(w, r, ctrl, "history.toast.deleted", ctrl.BulkDelete(r.Context(), postedIDs(r)))
}

// Export downloads the filtered history. Failures send the browser back to the
// workspace, where the banner explains them.
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	download, err := ctrl.Export(r.Context())
	if err != nil {
		if errors.Is(err, history.ErrBusy) {
			h.fail(w, r, ctrl, err)
			return
		}
		basePath := custommw.BasePathFromContext(r.Context())
		http.Redirect(w, r, contentPath(basePath, ctrl.ContentID()), http.StatusSeeOther)
		return
	}
	w.Header().Set("Content-Type", download.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": download.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(download.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(download.Body)
}

// DismissError hides the banner.
func (h *Handlers) DismissError(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	ctrl.DismissError()
	h.render(w, r, ctrl)
}

func (h *Handlers) controller(w http.ResponseWriter, r *http.Request) (*history.Controller, bool) {
	sess, ok := custommw.SessionFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return nil, false
	}
	contentID := strings.TrimSpace(chi.URLParam(r, "contentID"))
	ctrl, err := h.controllers.Get(sess.ID(), contentID)
	if err != nil {
		requestctx.Logger(r.Context()).Warn("history: controller unavailable", zap.String("content_id", contentID), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return nil, false
	}
	return ctrl, true
}

func (h *Handlers) version(w http.ResponseWriter, r *http.Request) (*history.Controller, versions.Version, bool) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return nil, versions.Version{}, false
	}
	v, found := ctrl.Find(chi.URLParam(r, "versionID"))
	if !found {
		h.fail(w, r, ctrl, history.ErrUnknownVersion)
		return nil, versions.Version{}, false
	}
	return ctrl, v, true
}

// mutation answers a finished mutation. Failures already raised the banner, so
// they re-render like successes but without the change event.
func (h *Handlers) mutation(w http.ResponseWriter, r *http.Request, ctrl *history.Controller, toastKey string, err error) {
	if err != nil {
		if isRequestError(err) {
			h.fail(w, r, ctrl, err)
			return
		}
		h.render(w, r, ctrl)
		return
	}
	lang := custommw.LanguageFromContext(r.Context())
	h.trigger(w, map[string]any{
		"toast":      map[string]string{"message": h.messages.T(lang, toastKey), "tone": "success"},
		ChangedEvent: map[string]string{"contentId": ctrl.ContentID()},
	})
	h.render(w, r, ctrl)
}

// fail answers errors the banner does not cover.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, ctrl *history.Controller, err error) {
	lang := custommw.LanguageFromContext(r.Context())
	switch {
	case errors.Is(err, history.ErrBusy):
		h.trigger(w, map[string]any{"toast": map[string]string{"message": h.messages.T(lang, "error.busy"), "tone": "warning"}})
		http.Error(w, h.messages.T(lang, "error.busy"), http.StatusConflict)
	case errors.Is(err, history.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, history.ErrUnknownVersion):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, history.ErrNoSelection), errors.Is(err, versions.ErrInvalidQuery):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		// Load failures are shown in the banner.
		h.render(w, r, ctrl)
	}
}

func isRequestError(err error) bool {
	return errors.Is(err, history.ErrBusy) ||
		errors.Is(err, versions.ErrInvalidQuery) ||
		errors.Is(err, history.ErrInvalidTransition) ||
		errors.Is(err, history.ErrNoSelection) ||
		errors.Is(err, history.ErrUnknownVersion)
}

func (h *Handlers) trigger(w http.ResponseWriter, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	w.Header().Set("HX-Trigger", string(raw))
}

func (h *Handlers) render(w http.ResponseWriter, r *http.Request, ctrl *history.Controller) {
	templ.Handler(Workspace(h.view(r, ctrl))).ServeHTTP(w, r)
}

func (h *Handlers) view(r *http.Request, ctrl *history.Controller) View {
	ctx := r.Context()
	lang := custommw.LanguageFromContext(ctx)
	if lang == "" {
		lang = h.messages.Fallback()
	}
	return View{
		Lang:      lang,
		BasePath:  custommw.BasePathFromContext(ctx),
		CSRFToken: custommw.CSRFTokenFromContext(ctx),
		ContentID: ctrl.ContentID(),
		State:     ctrl.State(),
		messages:  h.messages,
	}
}

// applyQuery overlays the list parameters present in the request on the
// current query and loads once.
func applyQuery(r *http.Request, ctrl *history.Controller) error {
	ctx := r.Context()
	values := r.URL.Query()
	parsed, err := versions.ParseQuery(ctrl.ContentID(), values)
	if err != nil {
		return err
	}
	current := ctrl.State().Query
	next := current

	if has(values, "type") {
		next.Type = parsed.Type
	}
	if has(values, "sort") {
		next.Sort = parsed.Sort
	}
	if has(values, "search") {
		next.Search = parsed.Search
	}
	if has(values, "startDate") || has(values, "endDate") {
		next.DateRange = parsed.DateRange
	}
	if has(values, "page") {
		next.Page = parsed.Page
	}

	if sameQuery(next, current) {
		_, err = ctrl.Load(ctx)
		return err
	}
	_, err = ctrl.ApplyQuery(ctx, next)
	return err
}

func sameQuery(a, b versions.Query) bool {
	return a.Type == b.Type &&
		a.Sort == b.Sort &&
		a.Search == b.Search &&
		a.Page == b.Page &&
		sameRange(a.DateRange, b.DateRange)
}

func sameRange(a, b versions.DateRange) bool {
	return a.Start.Equal(b.Start) && a.End.Equal(b.End)
}

func has(values url.Values, key string) bool {
	_, ok := values[key]
	return ok
}

func postedIDs(r *http.Request) []string {
	if err := r.ParseForm(); err != nil {
		return nil
	}
	var ids []string
	for _, raw := range r.PostForm["versionIds"] {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
