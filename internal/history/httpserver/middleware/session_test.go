package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"finitefield.org/hanko-history/internal/platform/session"
)

type sessionTestClock struct {
	now time.Time
}

func (c *sessionTestClock) Now() time.Time {
	return c.now
}

func newSessionStoreForTest(t *testing.T, clock *sessionTestClock) *session.Manager {
	t.Helper()
	store, err := session.NewManager(session.Config{
		CookieName:  "test_session",
		HashKey:     []byte("12345678901234567890123456789012"),
		BlockKey:    []byte("abcdefghijklmnopqrstuvwxyzABCDEF"),
		CookiePath:  "/history",
		IdleTimeout: 5 * time.Minute,
		Lifetime:    time.Hour,
		Now:         clock.Now,
	})
	if err != nil {
		t.Fatalf("session manager init: %v", err)
	}
	return store
}

func TestSessionMiddlewareLifecycle(t *testing.T) {
	clock := &sessionTestClock{now: time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)}
	store := newSessionStoreForTest(t, clock)

	var ids []string
	mw, err := Session(store)
	if err != nil {
		t.Fatalf("Session error: %v", err)
	}
	handler := mw(Auth(AuthConfig{AllowAnonymous: true})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := SessionFromContext(r.Context())
		if !ok {
			t.Fatalf("session missing in context")
		}
		ids = append(ids, sess.ID())
		_, _ = w.Write([]byte("ok"))
	})))

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, httptest.NewRequest(http.MethodGet, "/history", nil))
	if len(ids) != 1 || ids[0] == "" {
		t.Fatalf("expected initial session id")
	}
	cookie := findCookie(rec1.Result().Cookies(), "test_session")
	if cookie == nil {
		t.Fatalf("expected session cookie to be written before the body")
	}

	clock.now = clock.now.Add(2 * time.Minute)
	req2 := httptest.NewRequest(http.MethodGet, "/history", nil)
	req2.AddCookie(cookie)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if len(ids) != 2 || ids[1] != ids[0] {
		t.Fatalf("expected session id to persist, got %v", ids)
	}

	loaded, err := store.Load(func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/history", nil)
		r.AddCookie(findCookie(rec2.Result().Cookies(), "test_session"))
		return r
	}())
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	if loaded.User() == nil || loaded.User().UID != localUID {
		t.Fatalf("expected authenticated user to be persisted, got %+v", loaded.User())
	}

	clock.now = clock.now.Add(10 * time.Minute)
	req3 := httptest.NewRequest(http.MethodGet, "/history", nil)
	req3.AddCookie(cookie)
	handler.ServeHTTP(httptest.NewRecorder(), req3)
	if len(ids) != 3 || ids[2] == ids[0] {
		t.Fatalf("expected a fresh session after idle expiry, got %v", ids)
	}
}

func TestSessionRequiresStore(t *testing.T) {
	if _, err := Session(nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestSessionMiddlewareReportsDestroyedSessions(t *testing.T) {
	clock := &sessionTestClock{now: time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)}
	store := newSessionStoreForTest(t, clock)

	var destroyed []string
	mw, err := Session(store, OnSessionDestroyed(func(id string) {
		destroyed = append(destroyed, id)
	}))
	if err != nil {
		t.Fatalf("Session error: %v", err)
	}

	var seen string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, _ := SessionFromContext(r.Context())
		seen = sess.ID()
		if r.URL.Query().Get("signout") == "1" {
			sess.Destroy()
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/history", nil))
	if len(destroyed) != 0 {
		t.Fatalf("expected no callback for a live session, got %v", destroyed)
	}

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/history?signout=1", nil))
	if len(destroyed) != 1 || destroyed[0] != seen {
		t.Fatalf("expected callback with %q, got %v", seen, destroyed)
	}
}
