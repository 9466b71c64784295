package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key"

func hsToken(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func validClaims(sub string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
}

func TestNewVerifier_Config(t *testing.T) {
	_, err := NewVerifier(VerifierConfig{Algorithm: "HS256"})
	assert.Error(t, err)

	_, err = NewVerifier(VerifierConfig{Algorithm: "none"})
	assert.Error(t, err)

	_, err = NewVerifier(VerifierConfig{Algorithm: "RS256", PublicKeyPEM: "garbage"})
	assert.Error(t, err)
}

func TestVerifier_HS256(t *testing.T) {
	v, err := NewVerifier(VerifierConfig{Algorithm: "HS256", SecretKey: testSecret})
	require.NoError(t, err)

	userID, err := v.Authenticate(context.Background(), hsToken(t, validClaims("user-1")))
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestVerifier_Rejects(t *testing.T) {
	v, err := NewVerifier(VerifierConfig{Algorithm: "HS256", SecretKey: testSecret})
	require.NoError(t, err)

	expired := validClaims("user-1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	noExp := validClaims("user-1")
	noExp.ExpiresAt = nil

	wrongKey := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("user-1"))
	wrongKeyStr, err := wrongKey.SignedString([]byte("other"))
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"empty":      "",
		"garbage":    "not.a.jwt",
		"expired":    hsToken(t, expired),
		"no expiry":  hsToken(t, noExp),
		"no subject": hsToken(t, validClaims("")),
		"wrong key":  wrongKeyStr,
	} {
		_, err := v.VerifyToken(tok)
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}
}

func TestVerifier_RS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemData := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	v, err := NewVerifier(VerifierConfig{Algorithm: "RS256", PublicKeyPEM: pemData, Issuer: "botcareu"})
	require.NoError(t, err)

	claims := validClaims("user-2")
	claims.Issuer = "botcareu"
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)

	c, err := v.VerifyToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-2", c.UserID)

	// HS256 token must not pass an RS256 verifier
	_, err = v.VerifyToken(hsToken(t, claims))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware_RequireAuth(t *testing.T) {
	v, err := NewVerifier(VerifierConfig{Algorithm: "HS256", SecretKey: testSecret})
	require.NoError(t, err)
	m := NewMiddleware(v, nil)

	var seen string
	h := m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set("Authorization", "Bearer "+hsToken(t, validClaims("user-3")))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-3", seen)
}
