package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenManager_IssueAndParse(t *testing.T) {
	now := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	m := NewTokenManager("secret", time.Hour)
	m.now = func() time.Time { return now }

	token, expiresAt, err := m.Issue("user-1", "dev-1", "employee")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !expiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("expiresAt = %v, want %v", expiresAt, now.Add(time.Hour))
	}

	claims, err := m.Parse(token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.UserID != "user-1" || claims.DeviceID != "dev-1" || claims.Role != "employee" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestTokenManager_Expired(t *testing.T) {
	now := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	m := NewTokenManager("secret", time.Hour)
	m.now = func() time.Time { return now }

	token, _, err := m.Issue("user-1", "dev-1", "employee")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	m.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, err := m.Parse(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Parse() error = %v, want ErrTokenExpired", err)
	}
}

func TestTokenManager_RejectsForeignTokens(t *testing.T) {
	m := NewTokenManager("secret", time.Hour)
	other := NewTokenManager("another-secret", time.Hour)

	foreign, _, err := other.Issue("user-1", "dev-1", "employee")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "user-1", DeviceID: "dev-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"別シークレット", foreign},
		{"alg=none", noneToken},
		{"空文字列", ""},
	}

	for _, tt := range tests {
		name, tok := tt.name, tt.token
		t.Run(name, func(t *testing.T) {
			if _, err := m.Parse(tok); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Parse() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}
