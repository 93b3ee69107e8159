// Package auth mints and verifies the reconnect capability token carried in
// ConnectedNotice.ReconnectToken (SPEC_FULL.md Open Question 1). It is
// scoped to that one job, not a general-purpose JWT wrapper: the token's
// only claim is which subdomain it was issued for, and the only question
// Verify answers is "was this minted by us, for this subdomain, and is it
// still live" — never anything about the holder's identity. Possessing the
// token is sufficient to resume a session, which is fine because the only
// way to obtain one is to have been the original control channel.
package auth

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const reconnectIssuer = "bunnel-server"

var (
	ErrInvalidToken   = errors.New("auth: invalid reconnect token")
	ErrExpiredToken   = errors.New("auth: reconnect token expired")
	ErrIssuerMismatch = errors.New("auth: reconnect token issuer mismatch")
)

// ReconnectTokens issues and verifies subdomain-scoped reconnect tokens
// sharing one HMAC-SHA256 secret.
type ReconnectTokens struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time // injection point for tests
}

// NewReconnectTokens builds a token issuer/verifier over secret. ttl should
// be comfortably longer than the configured grace window so a token minted
// right before a disconnect is still valid when the agent redials; the
// registry's own grace timer is what actually enforces the window, the
// token's expiry is just a generous upper bound.
func NewReconnectTokens(secret []byte, ttl time.Duration) *ReconnectTokens {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &ReconnectTokens{secret: secret, ttl: ttl, clock: time.Now}
}

// Issue mints a token scoped to subdomain.
func (t *ReconnectTokens) Issue(subdomain string) (string, error) {
	now := t.clock()
	claims := jwt.MapClaims{
		"iss": reconnectIssuer,
		"sub": subdomain,
		"iat": now.Unix(),
		"exp": now.Add(t.ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify returns the subdomain token was issued for, or an error if it is
// malformed, expired, or was not issued by this server.
func (t *ReconnectTokens) Verify(token string) (string, error) {
	if token == "" {
		return "", errors.New("auth: empty reconnect token")
	}

	parsed, err := jwt.Parse(token, func(tok *jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if iss, _ := claims["iss"].(string); iss != reconnectIssuer {
		return "", ErrIssuerMismatch
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errors.New("auth: reconnect token missing subject")
	}
	return sub, nil
}
