package auth

import (
	"testing"
	"time"

	"atlas/models"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken("test-secret", 42, models.RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	claims, err := ParseToken("test-secret", token)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.UserID != 42 {
		t.Errorf("UserID = %d, want 42", claims.UserID)
	}
	if claims.Role != models.RoleAdmin {
		t.Errorf("Role = %q, want %q", claims.Role, models.RoleAdmin)
	}
}

func TestParseTokenFailures(t *testing.T) {
	good, _ := GenerateToken("test-secret", 1, models.RoleStudent, time.Hour)
	expired, _ := GenerateToken("test-secret", 1, models.RoleStudent, -time.Hour)
	badRole, _ := GenerateToken("test-secret", 1, models.Role("superuser"), time.Hour)

	tests := []struct {
		name   string
		secret string
		token  string
	}{
		{"wrong secret", "other-secret", good},
		{"garbage token", "test-secret", "not.a.token"},
		{"expired token", "test-secret", expired},
		{"unknown role", "test-secret", badRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(tt.secret, tt.token); err == nil {
				t.Error("ParseToken() succeeded, want error")
			}
		})
	}
}
