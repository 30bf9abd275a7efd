package chatsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// MaxIDLength is the longest participant id the transport accepts.
const MaxIDLength = 64

// Identity is a raw identity claim and the participant id derived from it.
type Identity struct {
	RawClaim     string
	NormalizedID string
}

// NormalizeID turns a claim such as an email address into a transport-safe
// participant id: trimmed, lowercased, every character outside [a-z0-9._@-]
// replaced by '_', at most MaxIDLength characters.
func NormalizeID(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if b.Len() == MaxIDLength {
			break
		}
		if isIDRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func isIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == '@', r == '-':
		return true
	}
	return false
}

// ResolveIdentity derives the participant id for a claim.
func ResolveIdentity(rawClaim string) (Identity, error) {
	id := NormalizeID(rawClaim)
	if id == "" {
		return Identity{}, &IdentityError{Claim: rawClaim, Msg: "cannot derive participant id"}
	}
	return Identity{RawClaim: rawClaim, NormalizedID: id}, nil
}

// ClaimFromIDToken reads the email claim (falling back to sub) from an
// identity token without verifying it. Verification is the token service's job.
func ClaimFromIDToken(idToken string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return "", fmt.Errorf("parse identity token: %w", err)
	}
	if email, ok := claims["email"].(string); ok && strings.TrimSpace(email) != "" {
		return email, nil
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("read subject: %w", err)
	}
	return sub, nil
}

// ============================================================================
// Auth providers
// ============================================================================

// AuthProvider supplies the signed-in user's claim and identity token, and is
// told when the session must be abandoned for an external re-authentication.
type AuthProvider interface {
	Claim() string
	IDToken(ctx context.Context) (string, error)
	SignOut(ctx context.Context) error
}

// IDTokenAuth is an AuthProvider over a fixed identity token.
type IDTokenAuth struct {
	Token string
	// Email overrides the claim read from Token.
	Email     string
	OnSignOut func()
}

func (a *IDTokenAuth) Claim() string {
	if a.Email != "" {
		return a.Email
	}
	claim, err := ClaimFromIDToken(a.Token)
	if err != nil {
		return ""
	}
	return claim
}

func (a *IDTokenAuth) IDToken(ctx context.Context) (string, error) {
	return a.Token, ctx.Err()
}

func (a *IDTokenAuth) SignOut(context.Context) error {
	if a.OnSignOut != nil {
		a.OnSignOut()
	}
	return nil
}
