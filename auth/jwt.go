package auth

import (
	"fmt"
	"time"

	"atlas/models"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload the auth collaborator signs into bearer tokens.
type Claims struct {
	UserID uint        `json:"user_id"`
	Role   models.Role `json:"rol"`
	jwt.RegisteredClaims
}

// GenerateToken signs a token the way the auth collaborator does.
// The backend never issues tokens to clients; this exists for local
// tooling and tests.
func GenerateToken(secret string, userID uint, role models.Role, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "atlas",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, nil
}

// ParseToken verifies an HS256 token against the shared secret and
// returns its claims.
func ParseToken(secret, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}
	return claims, nil
}
