package pawchat

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource returns the current bearer credential. It is consulted on
// every REST call and every hub connect, never cached.
type TokenSource func() (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func() (string, error) { return token, nil }
}

// StoreTokenSource reads the credential persisted under TokenKey.
func StoreTokenSource(store Store) TokenSource {
	return func() (string, error) {
		v, _, err := store.Get(TokenKey)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return v, nil
	}
}

// TokenClaims are the client-visible parts of a bearer JWT.
type TokenClaims struct {
	UserID    string
	ExpiresAt time.Time
}

// Expired reports whether the token carries an expiry before now.
func (c *TokenClaims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// userIDClaims lists the claim names the backend has used for the user id.
var userIDClaims = []string{
	"sub",
	"nameid",
	"userId",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier",
}

// ParseTokenClaims decodes a JWT without verifying its signature. The
// signature is the server's concern; the client only reads identity and expiry.
func ParseTokenClaims(token string) (*TokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	out := &TokenClaims{}
	for _, name := range userIDClaims {
		switch v := claims[name].(type) {
		case string:
			if v != "" {
				out.UserID = v
			}
		case float64:
			out.UserID = fmt.Sprintf("%.0f", v)
		}
		if out.UserID != "" {
			break
		}
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

// resolveToken reads a usable token from src. Opaque (non-JWT) tokens are
// passed through untouched.
func resolveToken(src TokenSource, now time.Time) (string, error) {
	if src == nil {
		return "", ErrAuthRequired
	}
	token, err := src()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrAuthRequired
	}
	if claims, err := ParseTokenClaims(token); err == nil && claims.Expired(now) {
		return "", fmt.Errorf("%w: token expired at %s", ErrAuthRequired, claims.ExpiresAt.Format(time.RFC3339))
	}
	return token, nil
}

// selfUserID returns the user id carried by the current token, or "".
func selfUserID(src TokenSource) string {
	if src == nil {
		return ""
	}
	token, err := src()
	if err != nil || token == "" {
		return ""
	}
	claims, err := ParseTokenClaims(token)
	if err != nil {
		return ""
	}
	return claims.UserID
}
