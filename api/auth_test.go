package api

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func TestBearerTokenSuccess(t *testing.T) {
	token, err := bearerToken("Bearer header.payload.signature")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "header.payload.signature" {
		t.Fatalf("unexpected token content: %s", token)
	}
}

func TestBearerTokenMissing(t *testing.T) {
	if _, err := bearerToken(""); err == nil || err.Error() != "missing authorization header" {
		t.Fatalf("expected missing header error, got %v", err)
	}
}

func TestBearerTokenWrongScheme(t *testing.T) {
	if _, err := bearerToken("Basic dXNlcjpwYXNz"); err == nil || err.Error() != "bad auth header" {
		t.Fatalf("expected bad auth header error, got %v", err)
	}
}

func TestBearerTokenManyPeriods(t *testing.T) {
	header := "Bearer " + strings.Repeat(".", 1000)
	if _, err := bearerToken(header); err == nil || err.Error() != "bad auth header" {
		t.Fatalf("expected bad auth header error, got %v", err)
	}
}

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func localAuth(secret []byte, audience, issuer string) *Auth {
	return &Auth{
		Audience:  audience,
		Issuer:    issuer,
		LocalMode: true,
		LocalKey:  secret,
		parser:    jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

func TestUserIDFromAuthHeaderHS256(t *testing.T) {
	secret := []byte("test-secret")
	signed := signHS256(t, secret, jwt.MapClaims{
		"sub": "user-123",
		"aud": "api://aud",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
	})

	auth := localAuth(secret, "api://aud", "https://issuer/")
	userID, err := auth.UserIDFromAuthHeader("Bearer " + signed)
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}
}

func TestUserIDFromAuthHeaderExpired(t *testing.T) {
	secret := []byte("test-secret")
	signed := signHS256(t, secret, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(-5 * time.Minute).Unix(),
	})

	auth := localAuth(secret, "", "")
	if _, err := auth.UserIDFromAuthHeader("Bearer " + signed); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestUserIDFromAuthHeaderWrongAudience(t *testing.T) {
	secret := []byte("test-secret")
	signed := signHS256(t, secret, jwt.MapClaims{
		"sub": "user-123",
		"aud": "api://other",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	})

	auth := localAuth(secret, "api://aud", "")
	if _, err := auth.UserIDFromAuthHeader("Bearer " + signed); err == nil {
		t.Fatal("expected audience mismatch to be rejected")
	}
}

func TestUserIDFromAuthHeaderMissingSub(t *testing.T) {
	secret := []byte("test-secret")
	signed := signHS256(t, secret, jwt.MapClaims{
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	})

	auth := localAuth(secret, "", "")
	if _, err := auth.UserIDFromAuthHeader("Bearer " + signed); err == nil {
		t.Fatal("expected token without sub to be rejected")
	}
}

func TestNewAuthLocalModeFromEnv(t *testing.T) {
	t.Setenv(envLocalAuthMode, "hs256")
	t.Setenv(envLocalAuthSecret, "shared")

	auth := NewAuth(nil, "", "")
	if !auth.LocalMode {
		t.Fatal("LOCAL_AUTH_MODE=hs256 should enable local mode")
	}
	if string(auth.LocalKey) != "shared" {
		t.Fatalf("unexpected local key %q", auth.LocalKey)
	}
}
