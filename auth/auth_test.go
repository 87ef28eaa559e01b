package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenFromRequest(t *testing.T) {
	for _, tc := range []struct {
		header, query string
		want          string
		ok            bool
	}{
		{header: "Bearer abc", want: "abc", ok: true},
		{header: "bearer  abc ", want: "abc", ok: true},
		{header: "Basic abc", ok: false},
		{header: "Bearer", ok: false},
		{query: "?token=xyz", want: "xyz", ok: true},
		{want: "", ok: true},
	} {
		r := httptest.NewRequest("GET", "/ws"+tc.query, nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		got, ok := TokenFromRequest(r)
		if got != tc.want || ok != tc.ok {
			t.Errorf("header %q query %q: got (%q, %v), want (%q, %v)", tc.header, tc.query, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNewHMAC(t *testing.T) {
	a, err := NewHMAC("secret", "chatfleet")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "chatfleet",
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ui, err := a.CheckAuthentication(context.Background(), tok)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "alice" {
		t.Fatalf("want alice, got %s", ui.UserID())
	}
	if _, err := a.CheckAuthentication(context.Background(), tok+"x"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestConstructorsRequireAudience(t *testing.T) {
	if _, err := NewStatic(context.Background(), "https://issuer", "", "https://issuer/keys"); err == nil {
		t.Fatal("expected error without audience")
	}
	if _, err := NewFromDiscovery(context.Background(), "https://issuer", ""); err == nil {
		t.Fatal("expected error without audience")
	}
}
