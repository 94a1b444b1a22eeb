// Package history hosts the version list controller and the comparison view
// model behind the history workspace.
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"finitefield.org/hanko-history/internal/platform/requestctx"
	"finitefield.org/hanko-history/internal/versions"
)

var (
	// ErrBusy rejects an operation while another of the same class is in flight.
	ErrBusy = errors.New("history: operation already in progress")
	// ErrInvalidTransition rejects a delete flow step that is illegal from the current state.
	ErrInvalidTransition = errors.New("history: invalid delete transition")
	// ErrNoSelection rejects a bulk operation without ids.
	ErrNoSelection = errors.New("history: no versions selected")
	// ErrUnknownVersion reports an id that is not on the loaded page.
	ErrUnknownVersion = errors.New("history: version not loaded")
)

// ErrorKind classifies the error banner.
type ErrorKind string

const (
	ErrorLoad     ErrorKind = "load"
	ErrorMutation ErrorKind = "mutation"
	ErrorExport   ErrorKind = "export"
)

// Banner is the user-visible error. Only its kind is shown; Err is kept for logs.
type Banner struct {
	Kind ErrorKind
	Err  error
}

// Callbacks let the host decide how single-version actions reach the backend.
type Callbacks struct {
	OnRestore func(ctx context.Context, contentID string, v versions.Version) error
	OnDelete  func(ctx context.Context, contentID string, v versions.Version) error
	OnSelect  func(contentID string, v versions.Version)
}

// Download is an export ready to be sent to the browser.
type Download struct {
	Filename    string
	ContentType string
	Body        []byte
}

// Deps bundles collaborators required to construct a Controller.
type Deps struct {
	Service   versions.Service
	Cache     *versions.Cache
	Callbacks Callbacks
	PageSize  int
	Logger    *zap.Logger
}

// Controller orchestrates listing, selection, comparison and mutations of one
// content document's versions. It is safe for concurrent use; remote calls run
// without the lock held and the last dispatched load wins.
type Controller struct {
	contentID string
	service   versions.Service
	cache     *versions.Cache
	callbacks Callbacks
	logger    *zap.Logger

	mu         sync.Mutex
	query      versions.Query
	items      []versions.Version
	total      int
	loaded     bool
	fromCache  bool
	loadedAt   time.Time
	generation uint64
	cacheEpoch uint64

	loading   bool
	mutating  bool
	exporting bool
	banner    *Banner

	selection map[string]struct{}
	selected  *versions.Version
	compare   *versions.Version
	expanded  map[string]bool

	deleteState   DeleteState
	pendingDelete *versions.Version
}

// NewController constructs a Controller for contentID. Missing restore and
// delete callbacks fall back to the service's single-version endpoints.
func NewController(contentID string, deps Deps) (*Controller, error) {
	contentID = strings.TrimSpace(contentID)
	if contentID == "" {
		return nil, errors.New("history: content id is required")
	}
	if deps.Service == nil {
		return nil, errors.New("history: versions service is required")
	}
	cache := deps.Cache
	if cache == nil {
		cache = versions.NewCache()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := deps.PageSize
	if pageSize <= 0 {
		pageSize = versions.DefaultPageSize
	}

	c := &Controller{
		contentID: contentID,
		service:   deps.Service,
		cache:     cache,
		callbacks: deps.Callbacks,
		logger:    logger.With(zap.String("content_id", contentID)),
		query: versions.Query{
			ContentID: contentID,
			Page:      1,
			Limit:     pageSize,
			Sort:      versions.SortDesc,
		},
		selection: make(map[string]struct{}),
		expanded:  make(map[string]bool),
	}
	if c.callbacks.OnRestore == nil {
		c.callbacks.OnRestore = func(ctx context.Context, contentID string, v versions.Version) error {
			_, err := c.service.Restore(ctx, tokenFrom(ctx), contentID, v.ID)
			return err
		}
	}
	if c.callbacks.OnDelete == nil {
		c.callbacks.OnDelete = func(ctx context.Context, contentID string, v versions.Version) error {
			return c.service.Delete(ctx, tokenFrom(ctx), contentID, v.ID)
		}
	}
	return c, nil
}

// ContentID returns the content document this controller manages.
func (c *Controller) ContentID() string { return c.contentID }

// Load fetches the page for the current query, serving it from the cache when fresh.
func (c *Controller) Load(ctx context.Context) (versions.Page, error) {
	return c.load(ctx, loadCached, nil)
}

// Reload fetches the current page from the service, overwriting any cached entry.
func (c *Controller) Reload(ctx context.Context) (versions.Page, error) {
	return c.load(ctx, loadFresh, nil)
}

type loadMode int

const (
	loadCached loadMode = iota
	loadFresh
	// loadAfterMutation is the reload issued by finishMutation while the
	// mutating flag is still held.
	loadAfterMutation
)

// load checks the busy flag, applies mutate to the query and claims a
// generation in one critical section.
func (c *Controller) load(ctx context.Context, mode loadMode, mutate func(*versions.Query)) (versions.Page, error) {
	c.mu.Lock()
	if mode != loadAfterMutation && c.mutating {
		c.mu.Unlock()
		return versions.Page{}, ErrBusy
	}
	if mutate != nil {
		mutate(&c.query)
		c.query = c.query.Normalize()
	}
	query := c.query
	key := versions.Key(query)
	if mode == loadCached {
		if entry, ok := c.cache.Get(key); ok {
			c.generation++
			c.applyPage(entry.Items, entry.Total, entry.Timestamp, true)
			c.loading = false
			c.mu.Unlock()
			return versions.Page{Items: entry.Items, Total: entry.Total}, nil
		}
	}
	c.generation++
	generation := c.generation
	epoch := c.cacheEpoch
	c.loading = true
	c.mu.Unlock()

	page, err := c.service.List(ctx, tokenFrom(ctx), query)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && epoch == c.cacheEpoch {
		c.cache.Set(key, versions.Entry{Items: page.Items, Total: page.Total, Timestamp: c.cache.Now()})
	}
	if generation != c.generation {
		c.logger.Debug("history: dropped stale load response", zap.Uint64("generation", generation))
		return page, err
	}
	c.loading = false
	if err != nil {
		c.fail(ErrorLoad, "load", err)
		return versions.Page{}, fmt.Errorf("history: load: %w", err)
	}
	c.applyPage(page.Items, page.Total, c.cache.Now(), false)
	return page, nil
}

func (c *Controller) applyPage(items []versions.Version, total int, at time.Time, fromCache bool) {
	c.items = append([]versions.Version(nil), items...)
	c.total = total
	c.loaded = true
	c.fromCache = fromCache
	c.loadedAt = at
	if c.banner != nil && c.banner.Kind == ErrorLoad {
		c.banner = nil
	}
}

// SetPage moves to page and reloads.
func (c *Controller) SetPage(ctx context.Context, page int) (versions.Page, error) {
	if page < 1 {
		page = 1
	}
	return c.updateQuery(ctx, func(q *versions.Query) { q.Page = page })
}

// SetFilter restricts the list to one version type; the empty type shows all.
func (c *Controller) SetFilter(ctx context.Context, t versions.VersionType) (versions.Page, error) {
	if t != "" && !t.Valid() {
		return versions.Page{}, fmt.Errorf("%w: unknown version type %q", versions.ErrInvalidQuery, t)
	}
	return c.updateQuery(ctx, func(q *versions.Query) { q.Type = t })
}

// SetSort changes the creation time order.
func (c *Controller) SetSort(ctx context.Context, order versions.SortOrder) (versions.Page, error) {
	if order != versions.SortAsc && order != versions.SortDesc {
		return versions.Page{}, fmt.Errorf("%w: unknown sort order %q", versions.ErrInvalidQuery, order)
	}
	return c.updateQuery(ctx, func(q *versions.Query) { q.Sort = order })
}

// SetSearch changes the free-text search.
func (c *Controller) SetSearch(ctx context.Context, search string) (versions.Page, error) {
	return c.updateQuery(ctx, func(q *versions.Query) { q.Search = strings.TrimSpace(search) })
}

// SetDateRange bounds the creation date. Zero bounds are open.
func (c *Controller) SetDateRange(ctx context.Context, r versions.DateRange) (versions.Page, error) {
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return versions.Page{}, fmt.Errorf("%w: end date precedes start date", versions.ErrInvalidQuery)
	}
	return c.updateQuery(ctx, func(q *versions.Query) { q.DateRange = r })
}

// ApplyQuery replaces every list parameter except the content id and limit at
// once and loads a single page.
func (c *Controller) ApplyQuery(ctx context.Context, next versions.Query) (versions.Page, error) {
	if next.Type != "" && !next.Type.Valid() {
		return versions.Page{}, fmt.Errorf("%w: unknown version type %q", versions.ErrInvalidQuery, next.Type)
	}
	if next.Sort != "" && next.Sort != versions.SortAsc && next.Sort != versions.SortDesc {
		return versions.Page{}, fmt.Errorf("%w: unknown sort order %q", versions.ErrInvalidQuery, next.Sort)
	}
	r := next.DateRange
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return versions.Page{}, fmt.Errorf("%w: end date precedes start date", versions.ErrInvalidQuery)
	}
	return c.updateQuery(ctx, func(q *versions.Query) {
		limit := q.Limit
		*q = next
		q.ContentID = c.contentID
		q.Limit = limit
	})
}

// updateQuery never resets the page: a filter change can leave it out of range.
func (c *Controller) updateQuery(ctx context.Context, mutate func(*versions.Query)) (versions.Page, error) {
	return c.load(ctx, loadCached, mutate)
}

// Find returns the loaded version with id.
func (c *Controller) Find(id string) (versions.Version, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.find(id)
}

func (c *Controller) find(id string) (versions.Version, bool) {
	for _, v := range c.items {
		if v.ID == id {
			return v, true
		}
	}
	if c.selected != nil && c.selected.ID == id {
		return *c.selected, true
	}
	if c.compare != nil && c.compare.ID == id {
		return *c.compare, true
	}
	return versions.Version{}, false
}

// SelectVersion makes v the base of the comparison and notifies the host.
func (c *Controller) SelectVersion(v versions.Version) {
	c.mu.Lock()
	if c.selected == nil || c.selected.ID != v.ID {
		c.expanded = make(map[string]bool)
	}
	selected := v
	c.selected = &selected
	onSelect := c.callbacks.OnSelect
	c.mu.Unlock()

	if onSelect != nil {
		onSelect(c.contentID, v)
	}
}

// CompareWith makes v the target of the comparison.
func (c *Controller) CompareWith(v versions.Version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.compare == nil || c.compare.ID != v.ID {
		c.expanded = make(map[string]bool)
	}
	compare := v
	c.compare = &compare
}

// ToggleExpanded flips the expand state of a comparison path and returns the new state.
func (c *Controller) ToggleExpanded(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expanded[path] = !c.expanded[path]
	return c.expanded[path]
}

// Restore asks the host to restore v and reloads on success.
func (c *Controller) Restore(ctx context.Context, v versions.Version) error {
	if err := c.beginMutation(); err != nil {
		return err
	}
	err := c.callbacks.OnRestore(ctx, c.contentID, v)
	return c.finishMutation(ctx, "restore", err, nil)
}

// RequestDelete opens the confirmation for v.
func (c *Controller) RequestDelete(v versions.Version) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transition(DeleteConfirming); err != nil {
		return err
	}
	pending := v
	c.pendingDelete = &pending
	return nil
}

// CancelDelete closes the confirmation without deleting.
func (c *Controller) CancelDelete() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transition(DeleteCancelled); err != nil {
		return err
	}
	c.pendingDelete = nil
	return c.transition(DeleteIdle)
}

// ConfirmDelete deletes the pending version through the host and reloads on
// success. The flow returns to idle whatever the outcome, except when another
// mutation is in flight, in which case the confirmation stays open.
func (c *Controller) ConfirmDelete(ctx context.Context) error {
	c.mu.Lock()
	if err := c.transition(DeleteConfirmed); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.mutating {
		_ = c.transition(DeleteConfirming)
		c.mu.Unlock()
		return ErrBusy
	}
	_ = c.transition(DeleteDeleting)
	c.mutating = true
	target := *c.pendingDelete
	c.mu.Unlock()

	err := c.callbacks.OnDelete(ctx, c.contentID, target)

	c.mu.Lock()
	c.pendingDelete = nil
	_ = c.transition(DeleteIdle)
	c.mu.Unlock()

	return c.finishMutation(ctx, "delete", err, func() {
		delete(c.selection, target.ID)
		if c.selected != nil && c.selected.ID == target.ID {
			c.selected = nil
		}
		if c.compare != nil && c.compare.ID == target.ID {
			c.compare = nil
		}
	})
}

func (c *Controller) transition(to DeleteState) error {
	if !c.deleteState.canTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.deleteState, to)
	}
	c.deleteState = to
	return nil
}

// ToggleSelection adds or removes id from the bulk selection and reports whether it is now selected.
func (c *Controller) ToggleSelection(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.selection[id]; ok {
		delete(c.selection, id)
		return false
	}
	c.selection[id] = struct{}{}
	return true
}

// SelectAll selects every version on the loaded page.
func (c *Controller) SelectAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.items {
		c.selection[v.ID] = struct{}{}
	}
}

// ClearSelection empties the bulk selection.
func (c *Controller) ClearSelection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selection = make(map[string]struct{})
}

// BulkRestore restores ids, or the current selection when ids is empty. The
// selection clears only on success.
func (c *Controller) BulkRestore(ctx context.Context, ids []string) error {
	return c.bulk(ctx, "bulk_restore", ids, c.service.BulkRestore)
}

// BulkDelete deletes ids, or the current selection when ids is empty. The
// selection clears only on success.
func (c *Controller) BulkDelete(ctx context.Context, ids []string) error {
	return c.bulk(ctx, "bulk_delete", ids, c.service.BulkDelete)
}

func (c *Controller) bulk(ctx context.Context, op string, ids []string, call func(ctx context.Context, token, contentID string, ids []string) error) error {
	c.mu.Lock()
	if len(ids) == 0 {
		ids = c.selectionLocked()
	}
	if len(ids) == 0 {
		c.mu.Unlock()
		return ErrNoSelection
	}
	if c.mutating {
		c.mu.Unlock()
		return ErrBusy
	}
	c.mutating = true
	c.mu.Unlock()

	err := call(ctx, tokenFrom(ctx), c.contentID, ids)
	return c.finishMutation(ctx, op, err, func() {
		c.selection = make(map[string]struct{})
		if op == "bulk_delete" {
			for _, id := range ids {
				if c.selected != nil && c.selected.ID == id {
					c.selected = nil
				}
				if c.compare != nil && c.compare.ID == id {
					c.compare = nil
				}
			}
		}
	})
}

func (c *Controller) beginMutation() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mutating {
		return ErrBusy
	}
	c.mutating = true
	return nil
}

// finishMutation ends a mutation. Success drops every cached page of the
// content and reloads the current one from the service.
func (c *Controller) finishMutation(ctx context.Context, op string, err error, onSuccess func()) error {
	c.mu.Lock()
	if err != nil {
		c.mutating = false
		c.fail(ErrorMutation, op, err)
		c.mu.Unlock()
		return fmt.Errorf("history: %s: %w", op, err)
	}
	if onSuccess != nil {
		onSuccess()
	}
	c.cache.Invalidate(c.contentID)
	c.cacheEpoch++
	if c.banner != nil && c.banner.Kind == ErrorMutation {
		c.banner = nil
	}
	c.mu.Unlock()

	_, loadErr := c.load(ctx, loadAfterMutation, nil)

	c.mu.Lock()
	c.mutating = false
	c.mu.Unlock()
	if loadErr != nil {
		return loadErr
	}
	return nil
}

// Export downloads the history matching the current filters.
func (c *Controller) Export(ctx context.Context) (Download, error) {
	c.mu.Lock()
	if c.exporting {
		c.mu.Unlock()
		return Download{}, ErrBusy
	}
	c.exporting = true
	query := c.query
	c.mu.Unlock()

	export, err := c.service.Export(ctx, tokenFrom(ctx), query)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.exporting = false
	if err != nil {
		c.fail(ErrorExport, "export", err)
		return Download{}, fmt.Errorf("history: export: %w", err)
	}
	contentType := export.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	return Download{
		Filename:    versions.ExportFilename(c.contentID),
		ContentType: contentType,
		Body:        export.Body,
	}, nil
}

// DismissError clears the error banner.
func (c *Controller) DismissError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.banner = nil
}

func (c *Controller) fail(kind ErrorKind, op string, err error) {
	c.banner = &Banner{Kind: kind, Err: err}
	c.logger.Warn("history: operation failed",
		zap.String("operation", op),
		zap.String("error_kind", string(kind)),
		zap.Error(err),
	)
}

func (c *Controller) selectionLocked() []string {
	ids := make([]string, 0, len(c.selection))
	for id := range c.selection {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// State returns a snapshot for rendering.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := State{
		ContentID:  c.contentID,
		Query:      c.query,
		Items:      append([]versions.Version(nil), c.items...),
		Total:      c.total,
		TotalPages: versions.TotalPages(c.total, c.query.Limit),
		Loaded:     c.loaded,
		FromCache:  c.fromCache,
		LoadedAt:   c.loadedAt,
		Loading:    c.loading,
		Mutating:   c.mutating,
		Exporting:  c.exporting,
		Selection:  c.selectionLocked(),
		Delete:     c.deleteState,
	}
	if c.banner != nil {
		banner := *c.banner
		s.Error = &banner
	}
	if c.selected != nil {
		v := *c.selected
		s.Selected = &v
	}
	if c.compare != nil {
		v := *c.compare
		s.Compare = &v
	}
	if c.pendingDelete != nil {
		v := *c.pendingDelete
		s.PendingDelete = &v
	}
	if s.Selected != nil && s.Compare != nil {
		cmp := BuildComparison(*s.Selected, *s.Compare)
		for i := range cmp.Groups {
			cmp.Groups[i].Expanded = c.expanded[cmp.Groups[i].Path]
		}
		s.Comparison = &cmp
	}
	return s
}

// State is an immutable view of a Controller.
type State struct {
	ContentID  string
	Query      versions.Query
	Items      []versions.Version
	Total      int
	TotalPages int
	Loaded     bool
	FromCache  bool
	LoadedAt   time.Time

	Loading   bool
	Mutating  bool
	Exporting bool
	Error     *Banner

	Selection     []string
	Selected      *versions.Version
	Compare       *versions.Version
	Comparison    *Comparison
	Delete        DeleteState
	PendingDelete *versions.Version
}

// IsSelected reports whether id is in the bulk selection.
func (s State) IsSelected(id string) bool {
	i := sort.SearchStrings(s.Selection, id)
	return i < len(s.Selection) && s.Selection[i] == id
}

// AllSelected reports whether every item on the page is selected.
func (s State) AllSelected() bool {
	if len(s.Items) == 0 {
		return false
	}
	for _, v := range s.Items {
		if !s.IsSelected(v.ID) {
			return false
		}
	}
	return true
}

// HasPrev reports whether a previous page exists.
func (s State) HasPrev() bool { return s.Query.Page > 1 }

// HasNext reports whether a following page exists.
func (s State) HasNext() bool { return s.Query.Page < s.TotalPages }

func tokenFrom(ctx context.Context) string {
	if actor, ok := requestctx.ActorFrom(ctx); ok {
		return actor.Token
	}
	return ""
}
