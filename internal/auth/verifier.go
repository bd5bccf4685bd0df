package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/robot-control/rbc/internal/config"
)

// Supported signing algorithms.
const (
	AlgorithmHS256 = "HS256"
	AlgorithmRS256 = "RS256"
)

// VerifierConfig holds configuration for JWT verification.
type VerifierConfig struct {
	// RS256 configuration
	PublicKeyPEM string
	JWKSURL      string

	// HS256 configuration
	SecretKey string

	Algorithm string // "RS256" or "HS256"

	// JWKS configuration
	JWKSRefreshInterval time.Duration
	JWKSCacheTimeout    time.Duration
}

// JWK is a JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSet is a JSON Web Key Set.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

type cachedKey struct {
	key     *rsa.PublicKey
	fetched time.Time
}

// Verifier handles JWT token verification with support for RS256 and HS256.
// RS256 tokens carrying a kid are checked against the JWKS when one is
// configured; the rest use the PEM key.
type Verifier struct {
	config     VerifierConfig
	publicKey  *rsa.PublicKey
	httpClient *http.Client

	jwksMu    sync.RWMutex
	jwks      map[string]cachedKey
	lastFetch time.Time
}

// NewVerifier creates a new JWT verifier. A configured JWKS is fetched
// once up front.
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	if config.JWKSRefreshInterval <= 0 {
		config.JWKSRefreshInterval = 5 * time.Minute
	}
	if config.JWKSCacheTimeout <= 0 {
		config.JWKSCacheTimeout = time.Hour
	}
	v := &Verifier{
		config:     config,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		jwks:       make(map[string]cachedKey),
	}

	switch config.Algorithm {
	case AlgorithmRS256:
		if config.PublicKeyPEM == "" && config.JWKSURL == "" {
			return nil, fmt.Errorf("RS256 requires a public key or JWKS URL")
		}
		if config.PublicKeyPEM != "" {
			if err := v.loadPublicKeyFromPEM(config.PublicKeyPEM); err != nil {
				return nil, fmt.Errorf("failed to load public key from PEM: %w", err)
			}
		}
		if config.JWKSURL != "" {
			v.jwksMu.Lock()
			err := v.fetchJWKS()
			v.jwksMu.Unlock()
			if err != nil {
				return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
			}
		}
	case AlgorithmHS256:
		if config.SecretKey == "" {
			return nil, fmt.Errorf("HS256 requires secret key")
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", config.Algorithm)
	}

	return v, nil
}

// NewVerifierFromConfig builds a verifier from the auth section, reading
// the RS256 key file when one is named.
func NewVerifierFromConfig(cfg config.AuthConfig) (*Verifier, error) {
	vc := VerifierConfig{
		Algorithm:           cfg.Algorithm,
		SecretKey:           cfg.SecretKey,
		JWKSURL:             cfg.JWKSURL,
		JWKSRefreshInterval: cfg.JWKSRefreshInterval,
		JWKSCacheTimeout:    cfg.JWKSCacheTimeout,
	}
	if cfg.PublicKeyPEMFile != "" {
		data, err := os.ReadFile(cfg.PublicKeyPEMFile)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		vc.PublicKeyPEM = string(data)
	}
	return NewVerifier(vc)
}

// VerifyToken verifies a JWT token and returns the claims.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwt.MapClaims{}, v.keyFunc,
		jwt.WithValidMethods([]string{v.config.Algorithm}))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	return v.extractClaimsFromMap(claims)
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if token.Method.Alg() != v.config.Algorithm {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	if v.config.Algorithm == AlgorithmHS256 {
		return []byte(v.config.SecretKey), nil
	}
	if kid, ok := token.Header["kid"].(string); ok && v.config.JWKSURL != "" {
		return v.keyFromJWKS(kid)
	}
	if v.publicKey == nil {
		return nil, fmt.Errorf("no public key available")
	}
	return v.publicKey, nil
}

// extractClaimsFromMap extracts claims from JWT MapClaims.
func (v *Verifier) extractClaimsFromMap(claims *jwt.MapClaims) (*Claims, error) {
	sub, ok := (*claims)["sub"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'sub' claim")
	}

	roles, err := v.extractStringSlice(claims, "roles")
	if err != nil {
		return nil, fmt.Errorf("missing or invalid 'roles' claim: %w", err)
	}

	scopes, err := v.extractStringSlice(claims, "scopes")
	if err != nil {
		return nil, fmt.Errorf("missing or invalid 'scopes' claim: %w", err)
	}

	if !validate(roles, RoleViewer, RoleOperator) {
		return nil, fmt.Errorf("invalid roles: %v", roles)
	}
	if !validate(scopes, ScopeRead, ScopeControl, ScopeTelemetry) {
		return nil, fmt.Errorf("invalid scopes: %v", scopes)
	}

	return &Claims{
		Subject: sub,
		Roles:   roles,
		Scopes:  scopes,
	}, nil
}

// extractStringSlice extracts a string slice from claims.
func (v *Verifier) extractStringSlice(claims *jwt.MapClaims, key string) ([]string, error) {
	value, ok := (*claims)[key]
	if !ok {
		return nil, fmt.Errorf("missing claim: %s", key)
	}

	switch val := value.(type) {
	case []string:
		return val, nil
	case []interface{}:
		result := make([]string, len(val))
		for i, item := range val {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("invalid %s claim: not a string", key)
			}
			result[i] = str
		}
		return result, nil
	default:
		return nil, fmt.Errorf("invalid %s claim: not a string array", key)
	}
}

// validate reports whether values is non-empty and every entry is allowed.
func validate(values []string, allowed ...string) bool {
	if len(values) == 0 {
		return false
	}
	for _, value := range values {
		if !contains(allowed, value) {
			return false
		}
	}
	return true
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// loadPublicKeyFromPEM loads a public key from PEM format.
func (v *Verifier) loadPublicKeyFromPEM(pemData string) error {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return fmt.Errorf("failed to decode PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("not an RSA public key")
	}

	v.publicKey = rsaPub
	return nil
}

// fetchJWKS replaces the cached keys with the configured key set.
//
// Caller must hold v.jwksMu for writing.
func (v *Verifier) fetchJWKS() error {
	resp, err := v.httpClient.Get(v.config.JWKSURL)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS fetch failed with status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read JWKS response: %w", err)
	}

	var set JWKSet
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}

	now := time.Now()
	for _, jwk := range set.Keys {
		if jwk.Kty != "RSA" || jwk.Use != "sig" || jwk.Alg != AlgorithmRS256 {
			continue
		}
		key, err := jwkToRSAPublicKey(jwk)
		if err != nil {
			continue
		}
		v.jwks[jwk.Kid] = cachedKey{key: key, fetched: now}
	}
	v.lastFetch = now
	return nil
}

// keyFromJWKS returns the key for kid, refetching the set when the entry
// is missing or stale and the refresh interval has passed.
func (v *Verifier) keyFromJWKS(kid string) (*rsa.PublicKey, error) {
	v.jwksMu.RLock()
	entry, ok := v.jwks[kid]
	v.jwksMu.RUnlock()
	if ok && time.Since(entry.fetched) < v.config.JWKSCacheTimeout {
		return entry.key, nil
	}

	v.jwksMu.Lock()
	defer v.jwksMu.Unlock()
	if time.Since(v.lastFetch) > v.config.JWKSRefreshInterval {
		if err := v.fetchJWKS(); err != nil {
			return nil, fmt.Errorf("failed to refresh JWKS: %w", err)
		}
	}
	if entry, ok := v.jwks[kid]; ok {
		return entry.key, nil
	}
	return nil, fmt.Errorf("key not found: %s", kid)
}

func jwkToRSAPublicKey(jwk JWK) (*rsa.PublicKey, error) {
	n, err := base64URLDecode(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	e, err := base64URLDecode(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(n) == 0 || len(e) == 0 {
		return nil, fmt.Errorf("empty modulus or exponent")
	}

	var exp int
	for _, b := range e {
		exp = exp<<8 + int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: exp}, nil
}

// base64URLDecode decodes unpadded base64url, tolerating trailing padding.
func base64URLDecode(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}
