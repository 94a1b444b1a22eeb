package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"finitefield.org/hanko-history/internal/platform/requestctx"
	"finitefield.org/hanko-history/internal/platform/session"
)

type userContextKey struct{}

// User is the editor behind a workspace request. Token is forwarded to the
// content service on mutations.
type User struct {
	UID   string
	Email string
	Name  string
	Token string
}

// Authenticator resolves a bearer credential into a User.
type Authenticator interface {
	Authenticate(r *http.Request, token string) (*User, error)
}

// ErrUnauthorized is the fallback cause of a rejected request.
var ErrUnauthorized = errors.New("unauthorized")

const (
	ReasonMissingToken   = "missing_token"
	ReasonTokenInvalid   = "token_invalid"
	ReasonTokenExpired   = "token_expired"
	ReasonDomainRejected = "domain_rejected"
)

// AuthError tags an authentication failure with one of the Reason constants.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError wraps err with reason.
func NewAuthError(reason string, err error) error {
	return &AuthError{Reason: reason, Err: err}
}

// AuthConfig controls the Auth middleware.
type AuthConfig struct {
	Authenticator Authenticator
	// LoginPath receives browsers without credentials. Empty answers 401 instead.
	LoginPath string
	// AllowAnonymous passes tokenless requests to the authenticator. Local mode only.
	AllowAnonymous bool
}

// DefaultAuthenticator is the local development authenticator: a bearer token
// is taken as the editor uid and a missing token signs in a fixed local editor.
func DefaultAuthenticator() Authenticator {
	return passthroughAuthenticator{}
}

// Auth resolves the request credential into a User, records it in the session
// and exposes it to handlers as the request actor.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	authenticator := cfg.Authenticator
	if authenticator == nil {
		authenticator = DefaultAuthenticator()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reject := func(reason string, err error) {
				requestctx.Logger(r.Context()).Info("auth failure", zap.String("reason", reason), zap.Error(err))
				if sess, ok := SessionFromContext(r.Context()); ok && sess != nil {
					sess.Destroy()
				}
				unauthorized(w, r, cfg.LoginPath, reason)
			}

			token := requestCredential(r)
			if token == "" && !cfg.AllowAnonymous {
				reject(ReasonMissingToken, ErrUnauthorized)
				return
			}

			user, err := authenticator.Authenticate(r, token)
			if err != nil || user == nil {
				reason, cause := failureReason(err)
				reject(reason, cause)
				return
			}

			rememberUser(r.Context(), user)
			ctx := context.WithValue(r.Context(), userContextKey{}, user)
			ctx = requestctx.WithActor(ctx, requestctx.Actor{
				ID:    user.UID,
				Name:  user.Name,
				Email: user.Email,
				Token: user.Token,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext returns the user attached by Auth.
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userContextKey{}).(*User)
	return user, ok
}

func failureReason(err error) (string, error) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		reason := authErr.Reason
		if reason == "" {
			reason = ReasonTokenInvalid
		}
		if authErr.Err != nil {
			return reason, authErr.Err
		}
		return reason, ErrUnauthorized
	}
	if err == nil {
		err = ErrUnauthorized
	}
	return ReasonTokenInvalid, err
}

// rememberUser writes the identity into the session only when it changed, so
// an unchanged session is not re-encoded on every request.
func rememberUser(ctx context.Context, user *User) {
	sess, ok := SessionFromContext(ctx)
	if !ok || sess == nil {
		return
	}
	if current := sess.User(); current != nil && current.UID == user.UID {
		return
	}
	sess.SetUser(&session.User{UID: user.UID, Email: user.Email, Name: user.Name})
}

// credentialCookies are checked in order when no Authorization header is sent.
var credentialCookies = []string{"__session", "idToken", "Authorization"}

func requestCredential(r *http.Request) string {
	if token := stripBearer(r.Header.Get("Authorization"), true); token != "" {
		return token
	}
	for _, name := range credentialCookies {
		c, err := r.Cookie(name)
		if err != nil {
			continue
		}
		if token := stripBearer(c.Value, false); token != "" {
			return token
		}
	}
	return ""
}

// stripBearer removes a "Bearer " scheme. When required is set, values without
// the scheme are ignored.
func stripBearer(value string, required bool) string {
	value = strings.TrimSpace(value)
	const scheme = "bearer "
	if len(value) >= len(scheme) && strings.EqualFold(value[:len(scheme)], scheme) {
		return strings.TrimSpace(value[len(scheme):])
	}
	if required {
		return ""
	}
	return value
}

func unauthorized(w http.ResponseWriter, r *http.Request, loginPath, reason string) {
	expired := reason == ReasonTokenExpired

	if IsHTMXRequest(r.Context()) {
		switch {
		case expired:
			w.Header().Set("HX-Refresh", "true")
		case loginPath != "":
			w.Header().Set("HX-Redirect", loginPath)
		}
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	if loginPath == "" {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	target := loginPath
	if u, err := url.Parse(loginPath); err == nil {
		q := u.Query()
		if expired {
			q.Set("reason", "expired")
		}
		if r.Method == http.MethodGet {
			q.Set("next", r.URL.RequestURI())
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

const localUID = "local-staff"

type passthroughAuthenticator struct{}

func (passthroughAuthenticator) Authenticate(_ *http.Request, token string) (*User, error) {
	if token == "" {
		return &User{UID: localUID, Name: "Local Staff"}, nil
	}
	return &User{UID: token, Token: token}, nil
}
