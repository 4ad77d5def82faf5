// Package auth decides whether a caller may trigger a dispatch.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/metrics"
)

const InternalSecretHeader = "X-Internal-Secret"

var ErrUnauthorized = errors.New("unauthorized")

type Method string

const (
	MethodInternalSecret Method = "internal_secret"
	MethodScheduler      Method = "scheduler"
	MethodBearer         Method = "bearer"
)

// Principal identifies an authenticated caller.
type Principal struct {
	Method         Method
	Subject        string
	OrganizationID string
}

// TokenValidator verifies bearer tokens. *JWTValidator implements it.
type TokenValidator interface {
	ValidateToken(token string) (Claims, error)
}

// Authenticator checks, in order, the internal secret, the scheduler marker
// and a bearer token. A disabled path (empty configuration) never matches.
type Authenticator struct {
	internalSecret  string
	schedulerHeader string
	schedulerValue  string
	tokens          TokenValidator
}

// NewAuthenticator takes the auth configuration and an optional token
// validator; a nil validator disables bearer authentication.
func NewAuthenticator(cfg config.Auth, tokens TokenValidator) *Authenticator {
	if v, ok := tokens.(*JWTValidator); ok && v == nil {
		tokens = nil
	}
	return &Authenticator{
		internalSecret:  cfg.InternalSecret,
		schedulerHeader: cfg.SchedulerHeader,
		schedulerValue:  cfg.SchedulerValue,
		tokens:          tokens,
	}
}

// NewValidatorFromConfig picks the bearer key source: PEM key, then JWKS URL,
// then HS256 secret. It returns nil when none is configured.
func NewValidatorFromConfig(ctx context.Context, cfg config.Auth) (*JWTValidator, error) {
	switch {
	case cfg.JWTPublicKey != "":
		return NewJWTValidator(cfg.JWTPublicKey, cfg.Issuer, cfg.Audience)
	case cfg.JWKSURL != "":
		return NewJWKSValidator(ctx, nil, cfg.JWKSURL, cfg.Issuer, cfg.Audience)
	case cfg.JWTSecret != "":
		return NewHMACValidator(cfg.JWTSecret, cfg.Issuer, cfg.Audience)
	}
	return nil, nil
}

func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	if a.internalSecret != "" {
		if got := r.Header.Get(InternalSecretHeader); got != "" &&
			subtle.ConstantTimeCompare([]byte(got), []byte(a.internalSecret)) == 1 {
			return Principal{Method: MethodInternalSecret}, nil
		}
	}

	if a.schedulerHeader != "" && a.schedulerValue != "" &&
		subtle.ConstantTimeCompare([]byte(r.Header.Get(a.schedulerHeader)), []byte(a.schedulerValue)) == 1 {
		return Principal{Method: MethodScheduler}, nil
	}

	token, ok := bearerToken(r)
	if !ok {
		metrics.RecordAuthFailure("missing_credentials")
		return Principal{}, ErrUnauthorized
	}
	if a.tokens == nil {
		metrics.RecordAuthFailure("bearer_disabled")
		return Principal{}, ErrUnauthorized
	}
	claims, err := a.tokens.ValidateToken(token)
	if err != nil {
		metrics.RecordAuthFailure("invalid_token")
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return Principal{Method: MethodBearer, Subject: claims.Subject, OrganizationID: claims.OrganizationID}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	return token, token != ""
}

type contextKey string

const principalKey contextKey = "principal"

// Middleware rejects unauthenticated requests with 401 and stores the
// Principal in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
