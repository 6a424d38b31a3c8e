package main

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pawhaven/pawchat"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("cli-test"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStoreToken(t *testing.T) {
	now := time.Now()

	t.Run("jwt", func(t *testing.T) {
		store := pawchat.NewMemoryStore()
		token := signToken(t, jwt.MapClaims{"sub": "u1", "exp": now.Add(time.Hour).Unix()})
		claims, err := storeToken(store, token, now)
		if err != nil {
			t.Fatal(err)
		}
		if claims == nil || claims.UserID != "u1" || claims.ExpiresAt.IsZero() {
			t.Errorf("claims = %+v", claims)
		}
		if got, ok, _ := store.Get(pawchat.TokenKey); !ok || got != token {
			t.Errorf("stored = %q, %v", got, ok)
		}
	})

	t.Run("opaque token is stored without claims", func(t *testing.T) {
		store := pawchat.NewMemoryStore()
		claims, err := storeToken(store, " opaque-session-token ", now)
		if err != nil {
			t.Fatal(err)
		}
		if claims != nil {
			t.Errorf("claims = %+v, want nil", claims)
		}
		if got, _, _ := store.Get(pawchat.TokenKey); got != "opaque-session-token" {
			t.Errorf("stored = %q", got)
		}
	})

	t.Run("expired jwt is rejected", func(t *testing.T) {
		store := pawchat.NewMemoryStore()
		token := signToken(t, jwt.MapClaims{"sub": "u1", "exp": now.Add(-time.Hour).Unix()})
		if _, err := storeToken(store, token, now); err == nil {
			t.Fatal("expected error")
		}
		if _, ok, _ := store.Get(pawchat.TokenKey); ok {
			t.Error("expired token was stored")
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, err := storeToken(pawchat.NewMemoryStore(), "  ", now); err == nil {
			t.Error("expected error")
		}
	})
}
