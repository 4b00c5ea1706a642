// internal/pkg/jwt/generator.go
package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

var ErrWeakSecret = errors.New("jwt secret must be at least 16 bytes")

type Generator struct {
	secret []byte
	issuer string
	Ttl    time.Duration
}

func NewGenerator(secret []byte, issuer string, ttl time.Duration) (*Generator, error) {
	if len(secret) < 16 {
		return nil, ErrWeakSecret
	}
	return &Generator{secret: secret, issuer: issuer, Ttl: ttl}, nil
}

// Generate signs an HS256 token for userID and returns it with its id.
func (g *Generator) Generate(userID string, roles []string) (string, string, error) {
	now := time.Now()
	jti := ulid.Make().String()

	claims := &Claims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(g.Ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        jti,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}
