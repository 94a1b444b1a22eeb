package middleware

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"finitefield.org/hanko-history/internal/platform/requestctx"
	"finitefield.org/hanko-history/internal/platform/session"
)

type sessionContextKey string

const requestSessionKey sessionContextKey = "history.session"

// SessionStore abstracts the session manager for middleware integration.
type SessionStore interface {
	Load(*http.Request) (*session.Session, error)
	New() *session.Session
	Save(http.ResponseWriter, *session.Session) error
	Destroy(http.ResponseWriter)
}

// SessionOption customises the Session middleware.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	onDestroy func(id string)
}

// OnSessionDestroyed registers fn to run with the session id once a request
// that destroyed its session has been served.
func OnSessionDestroyed(fn func(id string)) SessionOption {
	return func(o *sessionOptions) {
		o.onDestroy = fn
	}
}

// Session attaches the decoded session to the request context. The cookie is
// written just before the response headers go out, so changes made by later
// middleware and handlers are persisted.
func Session(store SessionStore, opts ...SessionOption) (func(http.Handler) http.Handler, error) {
	if store == nil {
		return nil, errors.New("middleware: session store is required")
	}
	var options sessionOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := requestctx.Logger(r.Context())
			sess, err := store.Load(r)
			if errors.Is(err, session.ErrExpired) {
				logger.Info("session expired: resetting")
				sess = store.New()
			} else if err != nil || sess == nil {
				if err != nil {
					logger.Warn("session load failed", zap.Error(err))
				}
				sess = store.New()
			}

			sw := &sessionWriter{ResponseWriter: w}
			sw.save = func() {
				if err := store.Save(w, sess); err != nil {
					logger.Warn("session save failed", zap.Error(err))
				}
			}

			ctx := context.WithValue(r.Context(), requestSessionKey, sess)
			next.ServeHTTP(sw, r.WithContext(ctx))
			sw.flushSession()

			if sess.Destroyed() && options.onDestroy != nil && sess.ID() != "" {
				options.onDestroy(sess.ID())
			}
		})
	}, nil
}

// SessionFromContext retrieves the session attached to this request.
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	if ctx == nil {
		return nil, false
	}
	sess, ok := ctx.Value(requestSessionKey).(*session.Session)
	return sess, ok && sess != nil
}

type sessionWriter struct {
	http.ResponseWriter
	once sync.Once
	save func()
}

func (w *sessionWriter) flushSession() {
	w.once.Do(w.save)
}

func (w *sessionWriter) WriteHeader(status int) {
	w.flushSession()
	w.ResponseWriter.WriteHeader(status)
}

func (w *sessionWriter) Write(b []byte) (int, error) {
	w.flushSession()
	return w.ResponseWriter.Write(b)
}

func (w *sessionWriter) Flush() {
	w.flushSession()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *sessionWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
