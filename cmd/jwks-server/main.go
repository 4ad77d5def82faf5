package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"

	"github.com/austindbirch/harbor_dispatch/internal/auth"
	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
)

const (
	keyID      = "harbor-dispatch-key-1"
	defaultTTL = time.Hour
	maxTTL     = 24 * time.Hour
)

// tokenIssuer is a development identity provider: it publishes its public key
// as a JWKS and mints RS256 tokens carrying an org_id claim.
type tokenIssuer struct {
	key      *rsa.PrivateKey
	kid      string
	issuer   string
	audience string
	now      func() time.Time
}

// loadOrGenerateKey parses a PKCS1 PEM private key, or generates one when
// none is configured.
func loadOrGenerateKey(privateKeyPEM string) (*rsa.PrivateKey, bool, error) {
	if privateKeyPEM == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, false, fmt.Errorf("generate RSA key: %w", err)
		}
		return key, true, nil
	}
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, false, errors.New("failed to decode PEM private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, false, nil
}

func (ti *tokenIssuer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/.well-known/jwks.json", ti.handleJWKS)
	r.Post("/token", ti.handleToken)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (ti *tokenIssuer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, auth.JSONWebKeySet{
		Keys: []auth.JSONWebKey{auth.NewRSAJSONWebKey(ti.kid, &ti.key.PublicKey)},
	})
}

type tokenRequest struct {
	OrganizationID string `json:"organization_id"`
	Subject        string `json:"subject,omitempty"`     // defaults to the organization id
	TTL            int    `json:"ttl_seconds,omitempty"` // defaults to one hour
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

func (ti *tokenIssuer) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.OrganizationID == "" {
		http.Error(w, "organization_id is required", http.StatusBadRequest)
		return
	}

	ttl := time.Duration(req.TTL) * time.Second
	switch {
	case req.TTL < 0:
		http.Error(w, "ttl_seconds must not be negative", http.StatusBadRequest)
		return
	case ttl == 0:
		ttl = defaultTTL
	case ttl > maxTTL:
		ttl = maxTTL
	}

	tokenString, err := ti.mint(req.OrganizationID, req.Subject, ttl)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: tokenString, ExpiresIn: int(ttl.Seconds()), TokenType: "Bearer"})
}

func (ti *tokenIssuer) mint(organizationID, subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		subject = organizationID
	}
	now := ti.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":                  ti.issuer,
		"aud":                  ti.audience,
		"sub":                  subject,
		auth.OrganizationClaim: organizationID,
		"iat":                  now.Unix(),
		"exp":                  now.Add(ttl).Unix(),
	})
	token.Header["kid"] = ti.kid
	return token.SignedString(ti.key)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("HARBOR_CONFIG_FILE"))
	if err != nil {
		logging.Plain().WithError(err).Fatal("load config")
	}
	logger := logging.NewWithWriter("jwks-server", logging.ParseLevel(cfg.Log.Level), os.Stdout)

	key, generated, err := loadOrGenerateKey(cfg.Auth.JWTPrivateKey)
	if err != nil {
		logger.Plain().WithError(err).Fatal("load signing key")
	}
	if generated {
		logger.Plain().Info("generated new RSA key pair for JWT signing")
	}

	ti := &tokenIssuer{key: key, kid: keyID, issuer: cfg.Auth.Issuer, audience: cfg.Auth.Audience, now: time.Now}
	srv := &http.Server{Addr: cfg.JWKSAddr, Handler: ti.routes(), ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Plain().WithFields(map[string]any{
		"addr":     cfg.JWKSAddr,
		"issuer":   ti.issuer,
		"audience": ti.audience,
	}).Info("JWKS server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("JWKS server serve")
	}
}
