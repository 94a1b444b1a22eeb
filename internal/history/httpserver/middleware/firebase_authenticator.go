package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// ErrTokenExpired lets verifiers other than the Admin SDK report expiry.
var ErrTokenExpired = errors.New("firebase token expired")

// FirebaseTokenVerifier is satisfied by *auth.Client from the Admin SDK.
type FirebaseTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseAuthenticator accepts Firebase ID tokens, optionally only for
// editors whose email belongs to one of the allowed domains.
type FirebaseAuthenticator struct {
	verifier       FirebaseTokenVerifier
	allowedDomains map[string]struct{}
}

// FirebaseOption customises a FirebaseAuthenticator.
type FirebaseOption func(*FirebaseAuthenticator)

// WithAllowedEmailDomains limits sign-in to verified emails in domains.
func WithAllowedEmailDomains(domains ...string) FirebaseOption {
	return func(f *FirebaseAuthenticator) {
		for _, d := range domains {
			d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "@"))
			if d != "" {
				f.allowedDomains[d] = struct{}{}
			}
		}
	}
}

func NewFirebaseAuthenticator(verifier FirebaseTokenVerifier, opts ...FirebaseOption) (*FirebaseAuthenticator, error) {
	if verifier == nil {
		return nil, errors.New("middleware: firebase token verifier is required")
	}
	f := &FirebaseAuthenticator{verifier: verifier, allowedDomains: map[string]struct{}{}}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *FirebaseAuthenticator) Authenticate(r *http.Request, token string) (*User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, NewAuthError(ReasonMissingToken, ErrUnauthorized)
	}

	verified, err := f.verifier.VerifyIDToken(r.Context(), token)
	if err != nil {
		if firebaseauth.IsIDTokenExpired(err) || errors.Is(err, ErrTokenExpired) {
			return nil, NewAuthError(ReasonTokenExpired, err)
		}
		return nil, NewAuthError(ReasonTokenInvalid, err)
	}

	user := &User{
		UID:   verified.UID,
		Email: stringClaim(verified.Claims, "email"),
		Name:  stringClaim(verified.Claims, "name"),
		Token: token,
	}
	if !f.domainAllowed(user.Email, verified.Claims) {
		return nil, NewAuthError(ReasonDomainRejected, ErrUnauthorized)
	}
	return user, nil
}

func (f *FirebaseAuthenticator) domainAllowed(email string, claims map[string]any) bool {
	if len(f.allowedDomains) == 0 {
		return true
	}
	if verified, _ := claims["email_verified"].(bool); !verified {
		return false
	}
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	_, ok := f.allowedDomains[strings.ToLower(email[at+1:])]
	return ok
}

func stringClaim(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
}
