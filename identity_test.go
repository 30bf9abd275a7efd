package chatsync

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice@example.com", "alice@example.com"},
		{"  Alice.Smith@Example.COM ", "alice.smith@example.com"},
		{"bob+chat@x.io", "bob_chat@x.io"},
		{"名前@example.com", "__@example.com"},
		{"a b\tc", "a_b_c"},
		{"under_score-dash", "under_score-dash"},
		{"   ", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeID(tt.in); got != tt.want {
				t.Fatalf("NormalizeID(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	t.Run("length cap", func(t *testing.T) {
		got := NormalizeID(strings.Repeat("A", 100))
		if len(got) != MaxIDLength || got != strings.Repeat("a", MaxIDLength) {
			t.Fatalf("got %q (%d chars)", got, len(got))
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		for _, in := range []string{"Mixed+Case@Host.Example", strings.Repeat("é", 80), " x y "} {
			once := NormalizeID(in)
			if twice := NormalizeID(once); twice != once {
				t.Fatalf("not idempotent for %q: %q then %q", in, once, twice)
			}
		}
	})

	t.Run("alphabet", func(t *testing.T) {
		got := NormalizeID("Ünïcödé & <tags> /path?q=1")
		for _, r := range got {
			if !isIDRune(r) {
				t.Fatalf("rune %q outside alphabet in %q", r, got)
			}
		}
	})
}

func TestResolveIdentity(t *testing.T) {
	id, err := ResolveIdentity("Alice@Example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.RawClaim != "Alice@Example.com" || id.NormalizedID != "alice@example.com" {
		t.Fatalf("unexpected identity: %+v", id)
	}

	_, err = ResolveIdentity("  ")
	var ierr *IdentityError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected *IdentityError, got %v", err)
	}
	if ierr.Error() != "cannot derive participant id" {
		t.Fatalf("message = %q", ierr.Error())
	}
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestClaimFromIDToken(t *testing.T) {
	t.Run("email", func(t *testing.T) {
		claim, err := ClaimFromIDToken(signedToken(t, jwt.MapClaims{"email": "Bob@Example.com", "sub": "u-1"}))
		if err != nil || claim != "Bob@Example.com" {
			t.Fatalf("claim = %q, err = %v", claim, err)
		}
	})

	t.Run("subject fallback", func(t *testing.T) {
		claim, err := ClaimFromIDToken(signedToken(t, jwt.MapClaims{"sub": "u-1"}))
		if err != nil || claim != "u-1" {
			t.Fatalf("claim = %q, err = %v", claim, err)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		if _, err := ClaimFromIDToken("not-a-token"); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestIDTokenAuth(t *testing.T) {
	signedOut := false
	a := &IDTokenAuth{Token: signedToken(t, jwt.MapClaims{"email": "carol@example.com"}), OnSignOut: func() { signedOut = true }}

	if a.Claim() != "carol@example.com" {
		t.Fatalf("claim = %q", a.Claim())
	}
	a.Email = "override@example.com"
	if a.Claim() != "override@example.com" {
		t.Fatalf("email override ignored: %q", a.Claim())
	}

	tok, err := a.IDToken(context.Background())
	if err != nil || tok != a.Token {
		t.Fatalf("IDToken = %q, %v", tok, err)
	}
	if err := a.SignOut(context.Background()); err != nil || !signedOut {
		t.Fatalf("SignOut: err=%v signedOut=%v", err, signedOut)
	}
}
