package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OrganizationClaim carries the caller's organization in bearer tokens.
const OrganizationClaim = "org_id"

// Claims is what a verified bearer token tells us about the caller.
type Claims struct {
	Subject        string
	OrganizationID string
}

// JWTValidator verifies bearer tokens against RSA keys (PEM or JWKS) or an
// HS256 shared secret, and checks issuer and audience.
type JWTValidator struct {
	keys     map[string]*rsa.PublicKey // by kid; "" holds a key without id
	secret   []byte
	issuer   string
	audience string
}

// NewJWTValidator builds an RSA validator from a PEM public key, PKCS1 or
// PKIX encoded.
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	key, err := ParseRSAPublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return &JWTValidator{keys: map[string]*rsa.PublicKey{"": key}, issuer: issuer, audience: audience}, nil
}

func NewHMACValidator(secret, issuer, audience string) (*JWTValidator, error) {
	if secret == "" {
		return nil, errors.New("empty hmac secret")
	}
	return &JWTValidator{secret: []byte(secret), issuer: issuer, audience: audience}, nil
}

// NewJWKSValidator fetches the key set once at construction.
func NewJWKSValidator(ctx context.Context, client *http.Client, jwksURL, issuer, audience string) (*JWTValidator, error) {
	keys, err := FetchJWKS(ctx, client, jwksURL)
	if err != nil {
		return nil, err
	}
	return &JWTValidator{keys: keys, issuer: issuer, audience: audience}, nil
}

func ParseRSAPublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaKey, nil
}

func (v *JWTValidator) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if v.secret == nil {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	case *jwt.SigningMethodRSA:
		if v.keys == nil {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if key, ok := v.keys[kid]; ok {
			return key, nil
		}
		// a single configured key verifies tokens regardless of kid
		if len(v.keys) == 1 {
			for _, key := range v.keys {
				return key, nil
			}
		}
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
}

// ValidateToken verifies signature, expiry, issuer and audience.
func (v *JWTValidator) ValidateToken(tokenString string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "HS256"}),
		jwt.WithLeeway(30 * time.Second),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return Claims{}, errors.New("invalid token")
	}

	sub, _ := claims.GetSubject()
	org, _ := claims[OrganizationClaim].(string)
	return Claims{Subject: sub, OrganizationID: org}, nil
}

// JSONWebKeySet represents a JWKS response
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// JSONWebKey represents a single key in JWKS
type JSONWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// NewRSAJSONWebKey encodes pub as an RS256 signing key.
func NewRSAJSONWebKey(kid string, pub *rsa.PublicKey) JSONWebKey {
	return JSONWebKey{
		Kty: "RSA",
		Use: "sig",
		Kid: kid,
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// RSAPublicKey decodes the modulus and exponent.
func (k JSONWebKey) RSAPublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("key %q: unsupported kty %q", k.Kid, k.Kty)
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("key %q: decode n: %w", k.Kid, err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("key %q: decode e: %w", k.Kid, err)
	}
	exp := new(big.Int).SetBytes(e)
	if len(n) == 0 || !exp.IsInt64() || exp.Int64() < 2 || exp.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("key %q: invalid modulus or exponent", k.Kid)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// FetchJWKS fetches a key set and returns its RSA signing keys by kid.
func FetchJWKS(ctx context.Context, client *http.Client, jwksURL string) (map[string]*rsa.PublicKey, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build JWKS request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey)
	for _, k := range jwks.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := k.RSAPublicKey()
		if err != nil {
			return nil, err
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("no RSA signing keys found in JWKS")
	}
	return keys, nil
}
