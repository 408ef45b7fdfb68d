package api

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const (
	envLocalAuthMode   = "LOCAL_AUTH_MODE"
	envLocalAuthSecret = "LOCAL_AUTH_SHARED_SECRET"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

// Auth validates incoming JWT tokens. Production mode verifies RS256
// signatures against a JWKS endpoint; local mode verifies HS256 with a
// shared secret.
type Auth struct {
	JWKS      *keyfunc.JWKS
	Audience  string
	Issuer    string
	LocalMode bool
	LocalKey  []byte

	parser *jwt.Parser
}

// NewAuth creates a new Auth instance. LOCAL_AUTH_MODE=hs256 switches to the
// shared-secret mode and requires LOCAL_AUTH_SHARED_SECRET.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	a := &Auth{JWKS: jwks, Audience: audience, Issuer: issuer}

	if mode := strings.ToLower(os.Getenv(envLocalAuthMode)); mode != "" {
		if mode != "hs256" {
			panic("unsupported LOCAL_AUTH_MODE value")
		}
		secret := os.Getenv(envLocalAuthSecret)
		if secret == "" {
			panic("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
		}
		a.LocalMode = true
		a.LocalKey = []byte(secret)
	}

	if a.LocalMode {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return a
}

// UserIDFromAuthHeader extracts the user identifier from the Authorization
// header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}

	var parsed *jwt.Token
	if a.LocalMode {
		parsed, err = a.parser.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.LocalKey, nil
		})
	} else {
		parsed, err = a.parser.Parse(token, func(t *jwt.Token) (any, error) {
			if a.JWKS == nil {
				return nil, errors.New("jwks not configured")
			}
			return a.JWKS.Keyfunc(t)
		})
	}
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	// Allow a minute of clock skew, matching the token issuer's leeway.
	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return "", errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return "", errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func bearerToken(header string) (string, error) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(trimmed, "Bearer ")
	if !ok || token == "" {
		return "", errBadAuthorization
	}
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}
