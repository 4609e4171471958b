package auth

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// RelayScope grants access to the relay's /api routes.
	RelayScope = "whatsapp:relay"
	Audience   = "wa-relay"
)

var ErrMissingScope = errors.New("token lacks required scope")

// Claims identify a calling service, not an end user.
type Claims struct {
	Service string `json:"svc"`
	Scope   string `json:"scope"`
	jwt.RegisteredClaims
}

func NewServiceToken(service, scope, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Service: service,
		Scope:   scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   service,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Audience:  []string{Audience},
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func Parse(tokenString, secret string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
	)
	if err != nil {
		return nil, err
	}
	if claims, ok := tok.Claims.(*Claims); ok && tok.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(strings.Fields(c.Scope), scope)
}

// ParseService parses the token and requires the relay scope.
func ParseService(tokenString, secret string) (*Claims, error) {
	claims, err := Parse(tokenString, secret)
	if err != nil {
		return nil, err
	}
	if !claims.HasScope(RelayScope) {
		return nil, ErrMissingScope
	}
	return claims, nil
}
