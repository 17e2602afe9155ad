package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// credential is what a connect request authenticates with: either a raw key
// or a bearer token.
type credential struct {
	key     string
	token   string
	expires time.Time
}

// Auth supplies credentials to the connection and renews tokens on demand.
// It never talks to the network itself; token acquisition is delegated to
// ClientOptions.AuthCallback.
type Auth struct {
	opts  ClientOptions
	log   logrus.FieldLogger
	group singleflight.Group

	mu      sync.Mutex
	current TokenDetails

	conn *Connection
}

func newAuth(opts ClientOptions, log logrus.FieldLogger) *Auth {
	a := &Auth{
		opts: opts,
		log:  log.WithField("component", "auth"),
	}
	if opts.Token != "" {
		a.current = TokenDetails{Token: opts.Token, Expires: tokenExpiry(opts.Token)}
	}
	return a
}

// tokenExpiry reads the exp claim of a JWT without verifying it. Opaque tokens
// yield the zero time.
func tokenExpiry(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

func (a *Auth) usesToken() bool {
	return a.opts.useTokenAuth()
}

// renewable reports whether a new token can be obtained.
func (a *Auth) renewable() bool {
	return a.opts.AuthCallback != nil
}

// currentCredential returns the credential to connect with, without
// renewing it.
func (a *Auth) currentCredential() credential {
	if !a.usesToken() {
		return credential{key: a.opts.Key}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return credential{token: a.current.Token, expires: a.current.Expires}
}

// TokenDetails returns the token currently in use, if any.
func (a *Auth) TokenDetails() TokenDetails {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// ensureCredential returns a usable credential, obtaining a token first if
// none is held or the held one has expired.
func (a *Auth) ensureCredential(ctx context.Context, now time.Time) (credential, *ErrorInfo) {
	cred := a.currentCredential()
	if !a.usesToken() {
		return cred, nil
	}
	expired := !cred.expires.IsZero() && !now.Before(cred.expires)
	if cred.token != "" && !expired {
		return cred, nil
	}
	if !a.renewable() {
		if cred.token == "" {
			return cred, newError(CodeTokenNotRenewable, http.StatusForbidden, "no token and no means to renew one", nil)
		}
		return cred, newError(CodeTokenNotRenewable, http.StatusForbidden, "token expired and no means to renew it", nil)
	}
	return a.refresh(ctx)
}

// refresh obtains a new token. Concurrent callers share one AuthCallback call.
func (a *Auth) refresh(ctx context.Context) (credential, *ErrorInfo) {
	if !a.renewable() {
		return a.currentCredential(), newError(CodeTokenNotRenewable, http.StatusForbidden, "token cannot be renewed without an auth callback", nil)
	}
	v, err, _ := a.group.Do("refresh", func() (any, error) {
		details, err := a.opts.AuthCallback(ctx, TokenParams{ClientID: a.opts.ClientID})
		if err != nil {
			return nil, err
		}
		if details.Token == "" {
			return nil, newError(CodeAuthCallbackFailed, http.StatusUnauthorized, "auth callback returned an empty token", nil)
		}
		if details.Expires.IsZero() {
			details.Expires = tokenExpiry(details.Token)
		}
		a.mu.Lock()
		a.current = details
		a.mu.Unlock()
		return details, nil
	})
	if err != nil {
		var info *ErrorInfo
		if !errors.As(err, &info) {
			info = newError(CodeAuthCallbackFailed, http.StatusUnauthorized, "auth callback failed", err)
		}
		a.log.WithFields(logrus.Fields{
			"code":   info.Code,
			"status": info.StatusCode,
		}).Warn("Token refresh failed")
		return credential{}, info
	}
	details := v.(TokenDetails)
	a.log.WithField("expires", details.Expires).Debug("Token refreshed")
	return credential{token: details.Token, expires: details.Expires}, nil
}

// Authorize obtains a new token and, if the connection is connected, sends it
// on the existing transport without disconnecting.
func (a *Auth) Authorize(ctx context.Context) error {
	if _, err := a.refresh(ctx); err != nil {
		return err
	}
	if a.conn == nil {
		return nil
	}
	return a.conn.reauthorize(ctx)
}
