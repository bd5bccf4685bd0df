package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robot-control/rbc/internal/config"
)

const testSecret = "test-secret-key"

func signHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func operatorClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":    "operator-1",
		"roles":  []string{RoleOperator},
		"scopes": []string{ScopeRead, ScopeControl},
		"iat":    time.Now().Unix(),
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
}

func generateKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestNewVerifier(t *testing.T) {
	_, publicPEM := generateKey(t)

	tests := []struct {
		name    string
		config  VerifierConfig
		wantErr bool
	}{
		{"RS256 with PEM", VerifierConfig{Algorithm: AlgorithmRS256, PublicKeyPEM: publicPEM}, false},
		{"RS256 without key", VerifierConfig{Algorithm: AlgorithmRS256}, true},
		{"RS256 with garbage", VerifierConfig{Algorithm: AlgorithmRS256, PublicKeyPEM: "nope"}, true},
		{"HS256", VerifierConfig{Algorithm: AlgorithmHS256, SecretKey: testSecret}, false},
		{"HS256 without secret", VerifierConfig{Algorithm: AlgorithmHS256}, true},
		{"unsupported", VerifierConfig{Algorithm: "ES256"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier, err := NewVerifier(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, verifier)
		})
	}
}

func TestNewVerifierFromConfigReadsKeyFile(t *testing.T) {
	key, publicPEM := generateKey(t)
	path := filepath.Join(t.TempDir(), "jwt.pem")
	require.NoError(t, os.WriteFile(path, []byte(publicPEM), 0o600))

	verifier, err := NewVerifierFromConfig(config.AuthConfig{
		Enabled:          true,
		Algorithm:        AlgorithmRS256,
		PublicKeyPEMFile: path,
	})
	require.NoError(t, err)

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, operatorClaims()).SignedString(key)
	require.NoError(t, err)

	claims, err := verifier.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", claims.Subject)
	assert.Equal(t, []string{RoleOperator}, claims.Roles)

	_, err = NewVerifierFromConfig(config.AuthConfig{Algorithm: AlgorithmRS256, PublicKeyPEMFile: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)
}

func TestVerifyHS256Token(t *testing.T) {
	verifier, err := NewVerifier(VerifierConfig{Algorithm: AlgorithmHS256, SecretKey: testSecret})
	require.NoError(t, err)

	claims, err := verifier.VerifyToken(signHS256(t, operatorClaims()))
	require.NoError(t, err)
	assert.Equal(t, "operator-1", claims.Subject)
	assert.Equal(t, []string{ScopeRead, ScopeControl}, claims.Scopes)
}

func TestVerifyTokenErrors(t *testing.T) {
	verifier, err := NewVerifier(VerifierConfig{Algorithm: AlgorithmHS256, SecretKey: testSecret})
	require.NoError(t, err)

	key, _ := generateKey(t)
	rsToken, err := jwt.NewWithClaims(jwt.SigningMethodRS256, operatorClaims()).SignedString(key)
	require.NoError(t, err)

	expired := operatorClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	noSubject := operatorClaims()
	delete(noSubject, "sub")

	badRole := operatorClaims()
	badRole["roles"] = []string{"admin"}

	badScope := operatorClaims()
	badScope["scopes"] = []string{"robot:admin"}

	emptyScopes := operatorClaims()
	emptyScopes["scopes"] = []string{}

	wrongSecret, err := jwt.NewWithClaims(jwt.SigningMethodHS256, operatorClaims()).SignedString([]byte("other"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", "  "},
		{"malformed", "not.a.token"},
		{"wrong algorithm", rsToken},
		{"wrong secret", wrongSecret},
		{"expired", signHS256(t, expired)},
		{"missing subject", signHS256(t, noSubject)},
		{"unknown role", signHS256(t, badRole)},
		{"unknown scope", signHS256(t, badScope)},
		{"no scopes", signHS256(t, emptyScopes)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := verifier.VerifyToken(tt.token)
			assert.Error(t, err)
			assert.Nil(t, claims)
		})
	}
}

func TestValidate(t *testing.T) {
	assert.True(t, validate([]string{ScopeRead}, ScopeRead, ScopeControl))
	assert.False(t, validate(nil, ScopeRead))
	assert.False(t, validate([]string{ScopeRead, "write"}, ScopeRead, ScopeControl))
}
