package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mahaj/support-chat/pkg/model"
)

var ErrInvalidToken = errors.New("invalid token")

// Role is the session's side of the conversation.
type Role = model.SenderType

const (
	RoleCustomer = model.SenderCustomer
	RoleAdmin    = model.SenderAdmin
)

type Claims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	jwt.RegisteredClaims
}

// Participant returns the identity carried by the claims.
func (c *Claims) Participant() model.Participant {
	return model.Participant{ID: c.UserID, Name: c.Name}
}

func (c *Claims) IsAdmin() bool { return c.Role == RoleAdmin }

type contextKey string

const UserKey contextKey = "user"

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, UserKey, c)
}

func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(UserKey).(*Claims)
	return c, ok
}

// Issuer signs and validates HS256 session tokens.
type Issuer struct {
	key []byte
	ttl time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{key: []byte(secret), ttl: ttl}
}

// GenerateToken creates a new JWT for the given user and role.
func (i *Issuer) GenerateToken(user model.Participant, role Role) (string, error) {
	if user.ID == "" {
		return "", errors.New("user id is required")
	}
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}
	name := user.Name
	if name == "" {
		name = user.ID
	}
	claims := &Claims{
		UserID: user.ID,
		Name:   name,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.key)
}

// ValidateToken parses and validates a JWT token. A "Bearer " prefix is accepted.
func (i *Issuer) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return i.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid || !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
