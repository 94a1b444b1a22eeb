package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"finitefield.org/hanko-history/internal/diff"
	"finitefield.org/hanko-history/internal/platform/requestctx"
	"finitefield.org/hanko-history/internal/textdiff"
	"finitefield.org/hanko-history/internal/versions"
)

var baseTime = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

func seedVersions() map[string][]versions.Version {
	return map[string][]versions.Version{
		"abc": {
			{
				ID:          "v1",
				Content:     map[string]any{"title": "X", "body": "hello"},
				VersionType: versions.TypeAuto,
				Comment:     "autosave",
				CreatedAt:   baseTime,
				Author:      versions.Author{ID: "u1", Name: "Hanako"},
			},
			{
				ID:          "v2",
				Content:     map[string]any{"title": "Y", "body": "hello"},
				VersionType: versions.TypeManual,
				Comment:     "retitle",
				CreatedAt:   baseTime.Add(time.Hour),
				Author:      versions.Author{ID: "u2", Name: "Taro"},
			},
			{
				ID:          "v3",
				Content:     map[string]any{"title": "Y", "body": "hello world", "tags": []any{"a"}},
				VersionType: versions.TypePublish,
				Comment:     "publish",
				CreatedAt:   baseTime.Add(48 * time.Hour),
				Author:      versions.Author{ID: "u1", Name: "Hanako"},
			},
		},
	}
}

type fakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

func newTestController(t *testing.T, service versions.Service, mutate func(*Deps)) (*Controller, *fakeClock) {
	t.Helper()

	clock := &fakeClock{current: baseTime.AddDate(0, 1, 0)}
	deps := Deps{
		Service: service,
		Cache:   versions.NewCache(versions.WithClock(clock.Now)),
	}
	if mutate != nil {
		mutate(&deps)
	}
	ctrl, err := NewController("abc", deps)
	require.NoError(t, err)
	return ctrl, clock
}

func TestNewControllerValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := NewController(" ", Deps{Service: versions.NewStaticService(nil)})
	require.Error(t, err)

	_, err = NewController("abc", Deps{})
	require.Error(t, err)
}

func TestLoadServesFreshPagesFromCache(t *testing.T) {
	t.Parallel()

	service := versions.NewStaticService(seedVersions())
	ctrl, clock := newTestController(t, service, nil)
	ctx := context.Background()

	page, err := ctrl.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Equal(t, []string{"v3", "v2", "v1"}, ids(page.Items))

	_, err = ctrl.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, service.ListCalls, "second load within the TTL must not reach the service")
	require.True(t, ctrl.State().FromCache)

	clock.Advance(5*time.Minute + time.Millisecond)
	_, err = ctrl.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, service.ListCalls, "expired entry must be refetched")
	require.False(t, ctrl.State().FromCache)
}

func TestReloadBypassesCache(t *testing.T) {
	t.Parallel()

	service := versions.NewStaticService(seedVersions())
	ctrl, _ := newTestController(t, service, nil)
	ctx := context.Background()

	_, err := ctrl.Load(ctx)
	require.NoError(t, err)
	_, err = ctrl.Reload(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, service.ListCalls)
}

func TestApplyQueryLoadsOnce(t *testing.T) {
	t.Parallel()

	service := versions.NewStaticService(seedVersions())
	ctrl, _ := newTestController(t, service, func(d *Deps) { d.PageSize = 2 })
	ctx := context.Background()

	_, err := ctrl.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, service.ListCalls)

	_, err = ctrl.ApplyQuery(ctx, versions.Query{
		ContentID: "other",
		Type:      versions.TypeManual,
		Sort:      versions.SortAsc,
		Search:    " retitle ",
		Page:      2,
		Limit:     50,
	})
	require.NoError(t, err)
	require.Equal(t, 2, service.ListCalls)

	q := ctrl.State().Query
	require.Equal(t, "abc", q.ContentID)
	require.Equal(t, 2, q.Limit)
	require.Equal(t, versions.TypeManual, q.Type)
	require.Equal(t, versions.SortAsc, q.Sort)
	require.Equal(t, "retitle", q.Search)
	require.Equal(t, 2, q.Page)
	require.Equal(t, q, service.LastQuery)

	_, err = ctrl.ApplyQuery(ctx, versions.Query{Type: "draft"})
	require.ErrorIs(t, err, versions.ErrInvalidQuery)
	_, err = ctrl.ApplyQuery(ctx, versions.Query{DateRange: versions.DateRange{Start: baseTime, End: baseTime.AddDate(0, 0, -1)}})
	require.ErrorIs(t, err, versions.ErrInvalidQuery)
	require.Equal(t, 2, service.ListCalls)
	require.Equal(t, q, ctrl.State().Query)
}

func TestLoadForwardsActorToken(t *testing.T) {
	t.Parallel()

	service := versions.NewStaticService(seedVersions())
	ctrl, _ := newTestController(t, service, nil)
	ctx := requestctx.WithActor(context.Background(), requestctx.Actor{ID: "staff-1", Token: "id-token"})

	_, err := ctrl.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "id-token", service.LastToken)
}

func TestFilterByManualShowsSinglePage(t *testing.T) {
	t.Parallel()

	service := versions.NewStaticService(seedVersions())
	ctrl, _ := newTestController(t, service, nil)

	page, err := ctrl.SetFilter(context.Background(), versions.TypeManual)
	require.NoError(t, err)
	require.Equal(t, []string{"v2"}, ids(page.Items))

	state := ctrl.State()
	require.Equal(t, 1, state.Total)
	require.Equal(t, 1, state.TotalPages)
	require.Equal(t, versions.TypeManual, service.LastQuery.Type)
}

func TestSettersKeepPage(t *testing.T) {
	t.Parallel()

	service := versions.NewStaticService(seedVersions())
	ctrl, _ := newTestController(t, service, nil)
	ctx := context.Background()

	_, err := ctrl.SetPage(ctx, 3)
	require.NoError(t, err)
	page, err := ctrl.SetSearch(ctx, "  taro ")
	require.NoError(t, err)

	state := ctrl.State()
	require.Equal(t, 3, state.Query.Page, "filter changes do not reset the page")
	require.Equal(t, "taro", state.Query.Search)
	require.Empty(t, page.Items)
	require.Equal(t, 1, state.Total)
	require.Equal(t, 1, state.TotalPages)
	require.False(t, state.HasNext())
	require.True(t, state.HasPrev())
}

func TestSettersRejectInvalidValues(t *testing.T) {
	t.Parallel()

	ctrl, _ := newTestController(t, versions.NewStaticService(seedVersions()), nil)
	ctx := context.Background()

	_, err := ctrl.SetFilter(ctx, versions.VersionType("draft"))
	require.ErrorIs(t, err, versions.ErrInvalidQuery)

	_, err = ctrl.SetSort(ctx, versions.SortOrder("sideways"))
	require.ErrorIs(t, err, versions.ErrInvalidQuery)

	_, err = ctrl.SetDateRange(ctx, versions.DateRange{Start: baseTime, End: baseTime.AddDate(0, 0, -1)})
	require.ErrorIs(t, err, versions.ErrInvalidQuery)
}

func TestSetDateRangeIncludesEndDay(t *testing.T) {
	t.Parallel()

	ctrl, _ := newTestController(t, versions.NewStaticService(seedVersions()), nil)
	day := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	page, err := ctrl.SetDateRange(context.Background(), versions.DateRange{Start: day, End: day})
	require.NoError(t, err)
	require.Equal(t, []string{"v2", "v1"}, ids(page.Items))
}

func TestLoadFailureShowsBannerAndLogs(t *testing.T) {
	t.Parallel()

	service := versions.NewStaticService(seedVersions())
	service.ListErr = errors.New("backend down")
	core, logs := observer.New(zap.WarnLevel)
	ctrl, _ := newTestController(t, service, func(d *Deps) { d.Logger = zap.New(core) })

	_, err := ctrl.Load(context.Background())
	require.Error(t, err)

	state := ctrl.State()
	require.NotNil(t, state.Error)
	require.Equal(t, ErrorLoad, state.Error.Kind)

	entries := logs.FilterField(zap.String("operation", "load")).All()
	require.Len(t, entries, 1)
	require.Equal(t, "abc", entries[0].ContextMap()["content_id"])

	ctrl.DismissError()
	require.Nil(t, ctrl.State().Error)
}

func TestConfirmDeleteReloadsWithoutDeletedVersion(t *testing.T) {
	t.Parallel()

	service := versions.NewStaticService(seedVersions())
	ctrl, _ := newTestController(t, service, nil)
	ctx := context.Background()

	_, err := ctrl.Load(ctx)
	require.NoError(t, err)
	v2, ok := ctrl.Find("v2")
	require.True(t, ok)
	ctrl.ToggleSelection("v2")
	ctrl.ToggleSelection("v1")

	require.NoError(t, ctrl.RequestDelete(v2))
	state := ctrl.State()
	require.Equal(t, DeleteConfirming, state.Delete)
	require.Equal(t, "v2", state.PendingDelete.ID)

	require.NoError(t, ctrl.ConfirmDelete(ctx))

	state = ctrl.State()
	require.Equal(t, DeleteIdle, state.Delete)
	require.Nil(t, state.PendingDelete)
	require.Equal(t, []string{"v3", "v1"}, ids(state.Items))
	require.Equal(t, []string{"v1"}, state.Selection, "only the deleted id leaves the selection")
	require.Equal(t, 2, service.ListCalls, "mutation invalidates the cache and refetches")
}

func TestDeleteFlowTransitions(t *testing.T) {
	t.Parallel()

	ctrl, _ := newTestController(t, versions.NewStaticService(seedVersions()), nil)
	v := versions.Version{ID: "v1"}

	require.ErrorIs(t, ctrl.ConfirmDelete(context.Background()), ErrInvalidTransition)
	require.ErrorIs(t, ctrl.CancelDelete(), ErrInvalidTransition)

	require.NoError(t, ctrl.RequestDelete(v))
	require.ErrorIs(t, ctrl.RequestDelete(v), ErrInvalidTransition)

	require.NoError(t, ctrl.CancelDelete())
	state := ctrl.State()
	require.Equal(t, DeleteIdle, state.Delete)
	require.Nil(t, state.PendingDelete)
}

func TestConfirmDeleteFailureReturnsToIdle(t *testing.T) {
	t.Parallel()

	service := versions.NewStaticService(seedVersions())
	service.MutationErr = errors.New("boom")
	ctrl, _ := newTestController(t, service, nil)

	require.NoError(t, ctrl.RequestDelete(versions.Version{ID: "v1"}))
	require.Error(t, ctrl.ConfirmDelete(context.Background()))

	state := ctrl.State()
	require.Equal(t, DeleteIdle, state.Delete)
	require.Equal(t, ErrorMutation, state.Error.Kind)
	require.Len(t, service.Versions("abc"), 3)
}

func TestBulkDeleteUsesSelectionAndClearsOnSuccess(t *testing.T) {
	t.Parallel()

	service := versions.NewStaticService(seedVersions())
	ctrl, _ := newTestController(t, service, nil)
	ctx := context.Background()

	_, err := ctrl.Load(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, ctrl.BulkDelete(ctx, nil), ErrNoSelection)

	ctrl.ToggleSelection("v3")
	ctrl.ToggleSelection("v1")
	require.NoError(t, ctrl.BulkDelete(ctx, nil))

	require.Equal(t, [][]string{{"v1", "v3"}}, service.BulkDeleteCalls)
	state := ctrl.State()
	require.Empty(t, state.Selection)
	require.Equal(t, []string{"v2"}, ids(state.Items))
}

func TestBulkFailureRetainsSelection(t *testing.T) {
	t.Parallel()

	service := versions.NewStaticService(seedVersions())
	ctrl, _ := newTestController(t, service, nil)
	ctx := context.Background()

	_, err := ctrl.Load(ctx)
	require.NoError(t, err)
	ctrl.SelectAll()
	service.MutationErr = errors.New("backend down")

	require.Error(t, ctrl.BulkRestore(ctx, nil))

	state := ctrl.State()
	require.Equal(t, []string{"v1", "v2", "v3"}, state.Selection)
	require.True(t, state.AllSelected())
	require.NotNil(t, state.Error)
	require.Equal(t, ErrorMutation, state.Error.Kind)
	require.False(t, state.Mutating)
}

func TestBulkRestoreWithExplicitIDs(t *testing.T) {
	t.Parallel()

	service := versions.NewStaticService(seedVersions())
	ctrl, _ := newTestController(t, service, nil)

	require.NoError(t, ctrl.BulkRestore(context.Background(), []string{"v1", "v2"}))
	require.Equal(t, [][]string{{"v1", "v2"}}, service.BulkRestoreCalls)
	require.Equal(t, 5, ctrl.State().Total)
}

func TestSelectionToggles(t *testing.T) {
	t.Parallel()

	ctrl, _ := newTestController(t, versions.NewStaticService(seedVersions()), nil)

	require.True(t, ctrl.ToggleSelection("v1"))
	require.False(t, ctrl.ToggleSelection("v1"))
	ctrl.ToggleSelection("v2")
	require.True(t, ctrl.State().IsSelected("v2"))
	ctrl.ClearSelection()
	require.Empty(t, ctrl.State().Selection)
}

func TestRestoreUsesCallback(t *testing.T) {
	t.Parallel()

	service := versions.NewStaticService(seedVersions())
	var restored []string
	ctrl, _ := newTestController(t, service, func(d *Deps) {
		d.Callbacks.OnRestore = func(ctx context.Context, contentID string, v versions.Version) error {
			restored = append(restored, contentID+"/"+v.ID)
			return nil
		}
	})

	require.NoError(t, ctrl.Restore(context.Background(), versions.Version{ID: "v2"}))
	require.Equal(t, []string{"abc/v2"}, restored)
	require.Len(t, service.Versions("abc"), 3, "custom callback replaces the service call")
}

func TestRestoreDefaultsToService(t *testing.T) {
	t.Parallel()

	service := versions.NewStaticService(seedVersions())
	ctrl, _ := newTestController(t, service, nil)

	require.NoError(t, ctrl.Restore(context.Background(), versions.Version{ID: "v1"}))
	state := ctrl.State()
	require.Equal(t, 4, state.Total)
	require.Equal(t, "restored from v1", state.Items[0].Comment)
}

func TestMutationInFlightRejectsOthers(t *testing.T) {
	t.Parallel()

	service := versions.NewStaticService(seedVersions())
	started := make(chan struct{})
	release := make(chan struct{})
	ctrl, _ := newTestController(t, service, func(d *Deps) {
		d.Callbacks.OnRestore = func(ctx context.Context, contentID string, v versions.Version) error {
			close(started)
			<-release
			return nil
		}
	})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- ctrl.Restore(ctx, versions.Version{ID: "v1"}) }()
	<-started

	require.ErrorIs(t, ctrl.Restore(ctx, versions.Version{ID: "v2"}), ErrBusy)
	require.ErrorIs(t, ctrl.BulkDelete(ctx, []string{"v2"}), ErrBusy)
	_, err := ctrl.Load(ctx)
	require.ErrorIs(t, err, ErrBusy)
	_, err = ctrl.SetPage(ctx, 2)
	require.ErrorIs(t, err, ErrBusy)
	_, err = ctrl.Reload(ctx)
	require.ErrorIs(t, err, ErrBusy)
	_, err = ctrl.ApplyQuery(ctx, versions.Query{Page: 3, Sort: versions.SortAsc})
	require.ErrorIs(t, err, ErrBusy)
	require.True(t, ctrl.State().Mutating)
	require.Equal(t, 1, ctrl.State().Query.Page, "rejected calls leave the query untouched")
	require.Equal(t, versions.SortDesc, ctrl.State().Query.Sort)
	require.Zero(t, service.ListCalls, "rejected calls never reach the service")

	close(release)
	require.NoError(t, <-done)
	require.False(t, ctrl.State().Mutating)
}

type gatedService struct {
	*versions.StaticService
	started chan struct{}
	release chan struct{}
}

// List blocks unfiltered queries until released.
func (s *gatedService) List(ctx context.Context, token string, query versions.Query) (versions.Page, error) {
	if query.Search == "" {
		s.started <- struct{}{}
		<-s.release
	}
	return s.StaticService.List(ctx, token, query)
}

func TestStaleLoadDoesNotOverwriteNewerState(t *testing.T) {
	t.Parallel()

	service := &gatedService{
		StaticService: versions.NewStaticService(seedVersions()),
		started:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	ctrl, _ := newTestController(t, service, nil)
	ctx := context.Background()

	type result struct {
		page versions.Page
		err  error
	}
	first := make(chan result, 1)
	go func() {
		page, err := ctrl.Load(ctx)
		first <- result{page, err}
	}()
	<-service.started

	page, err := ctrl.SetSearch(ctx, "taro")
	require.NoError(t, err)
	require.Equal(t, []string{"v2"}, ids(page.Items))

	close(service.release)
	stale := <-first
	require.NoError(t, stale.err)
	require.Len(t, stale.page.Items, 3, "the caller still receives its page")

	state := ctrl.State()
	require.Equal(t, []string{"v2"}, ids(state.Items))
	require.Equal(t, 1, state.Total)
	require.False(t, state.Loading)
}

func TestExport(t *testing.T) {
	t.Parallel()

	service := versions.NewStaticService(seedVersions())
	ctrl, _ := newTestController(t, service, nil)

	download, err := ctrl.Export(context.Background())
	require.NoError(t, err)
	require.Equal(t, "version-history-abc.json", download.Filename)
	require.Equal(t, "application/json", download.ContentType)
	require.Contains(t, string(download.Body), `"total":3`)

	service.ExportErr = errors.New("timeout")
	_, err = ctrl.Export(context.Background())
	require.Error(t, err)
	require.Equal(t, ErrorExport, ctrl.State().Error.Kind)
	require.False(t, ctrl.State().Exporting)
}

func TestComparisonState(t *testing.T) {
	t.Parallel()

	var selectedIDs []string
	ctrl, _ := newTestController(t, versions.NewStaticService(seedVersions()), func(d *Deps) {
		d.Callbacks.OnSelect = func(contentID string, v versions.Version) {
			selectedIDs = append(selectedIDs, v.ID)
		}
	})
	seed := seedVersions()["abc"]

	ctrl.SelectVersion(seed[0])
	require.Nil(t, ctrl.State().Comparison, "comparison needs both sides")
	ctrl.CompareWith(seed[1])

	state := ctrl.State()
	require.Equal(t, []string{"v1"}, selectedIDs)
	require.NotNil(t, state.Comparison)
	require.Len(t, state.Comparison.Groups, 1)
	group := state.Comparison.Groups[0]
	require.Equal(t, "title", group.Path)
	require.False(t, group.Expanded)
	change := group.Changes[0]
	require.Equal(t, diff.ChangeModify, change.Type)
	require.True(t, change.Text)
	require.Equal(t, []textdiff.Span{
		{Text: "X", Kind: textdiff.KindRemoved},
		{Text: "Y", Kind: textdiff.KindAdded},
	}, change.Spans)

	require.True(t, ctrl.ToggleExpanded("title"))
	require.True(t, ctrl.State().Comparison.Groups[0].Expanded)

	ctrl.CompareWith(seed[2])
	for _, g := range ctrl.State().Comparison.Groups {
		require.False(t, g.Expanded, "changing the target collapses every group")
	}
}

func ids(items []versions.Version) []string {
	out := make([]string, 0, len(items))
	for _, v := range items {
		out = append(out, v.ID)
	}
	return out
}
