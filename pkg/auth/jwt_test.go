package auth

import (
	"errors"
	"testing"
	"time"
)

func TestNewTokenIssuer(t *testing.T) {
	if _, err := NewTokenIssuer("", time.Hour); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("NewTokenIssuer(\"\") error = %v, want ErrMissingSecret", err)
	}

	issuer, err := NewTokenIssuer("secret", 0)
	if err != nil {
		t.Fatalf("NewTokenIssuer error = %v", err)
	}
	if issuer.ttl != 24*time.Hour {
		t.Errorf("default ttl = %v, want 24h", issuer.ttl)
	}
}

func TestIssueAndParse(t *testing.T) {
	issuer, _ := NewTokenIssuer("test-secret", time.Hour)

	tests := []struct {
		name     string
		userID   string
		role     string
		wantRole string
	}{
		{"user token", "user-1", RoleUser, RoleUser},
		{"service token", "scheduler", RoleService, RoleService},
		{"role defaults to user", "user-2", "", RoleUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, expiresAt, err := issuer.Issue(tt.userID, tt.role)
			if err != nil {
				t.Fatalf("Issue error = %v", err)
			}
			if !expiresAt.After(time.Now()) {
				t.Error("expiresAt should be in the future")
			}

			claims, err := ParseToken("test-secret", token)
			if err != nil {
				t.Fatalf("ParseToken error = %v", err)
			}
			if claims.UserID != tt.userID {
				t.Errorf("UserID = %s, want %s", claims.UserID, tt.userID)
			}
			if claims.Role != tt.wantRole {
				t.Errorf("Role = %s, want %s", claims.Role, tt.wantRole)
			}
		})
	}
}

func TestIssue_RequiresUserID(t *testing.T) {
	issuer, _ := NewTokenIssuer("test-secret", time.Hour)
	if _, _, err := issuer.Issue("", RoleUser); err == nil {
		t.Error("Issue should fail without user id")
	}
}

func TestParseToken_Rejects(t *testing.T) {
	issuer, _ := NewTokenIssuer("test-secret", time.Hour)
	good, _, _ := issuer.Issue("user-1", RoleUser)

	expiredIssuer, _ := NewTokenIssuer("test-secret", time.Hour)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _, _ := expiredIssuer.Issue("user-1", RoleUser)

	tests := []struct {
		name   string
		secret string
		token  string
	}{
		{"wrong secret", "other-secret", good},
		{"expired", "test-secret", expired},
		{"garbage", "test-secret", "not.a.token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(tt.secret, tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ParseToken error = %v, want ErrInvalidToken", err)
			}
		})
	}

	if _, err := ParseToken("", good); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("ParseToken with empty secret error = %v, want ErrMissingSecret", err)
	}
}
