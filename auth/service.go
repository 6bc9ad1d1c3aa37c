package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"contractflow/actor"
)

var (
	// ErrInvalidToken signals a bearer token that failed verification.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidOperatorKey signals a missing or wrong operator key.
	ErrInvalidOperatorKey = errors.New("auth: invalid operator key")
	// ErrWeakOperatorKey signals an operator key that is too short to hash.
	ErrWeakOperatorKey = errors.New("auth: operator key must be at least 16 characters")
)

// DefaultTokenTTL is how long an issued bearer token stays valid.
const DefaultTokenTTL = 24 * time.Hour

// Service verifies who is calling: bearer tokens for homeowners,
// contractors and operators, plus a shared operator key for operator-only
// routes.
type Service struct {
	jwtSecret       []byte
	operatorKeyHash []byte
	now             func() time.Time
}

// NewService creates a new authentication service. operatorKeyHash is a
// bcrypt hash; when empty, operator routes are closed.
func NewService(jwtSecret, operatorKeyHash string) *Service {
	return &Service{
		jwtSecret:       []byte(jwtSecret),
		operatorKeyHash: []byte(strings.TrimSpace(operatorKeyHash)),
		now:             time.Now,
	}
}

// VerifyToken validates a JWT token and returns the actor it names.
func (s *Service) VerifyToken(tokenString string) (actor.Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		return actor.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		userID, ok := claims["user_id"].(string)
		if !ok || userID == "" {
			return actor.Actor{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
		}
		roleStr, ok := claims["role"].(string)
		if !ok {
			return actor.Actor{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
		}
		role := actor.Role(roleStr)
		if !isValidRole(role) {
			return actor.Actor{}, fmt.Errorf("%w: role %q", ErrInvalidToken, roleStr)
		}
		return actor.Actor{ID: userID, Role: role}, nil
	}

	return actor.Actor{}, ErrInvalidToken
}

// IssueToken signs a token for a. Used by local tooling and tests; the
// production identity provider issues tokens with the same claims.
func (s *Service) IssueToken(a actor.Actor, ttl time.Duration) (string, error) {
	if !isValidRole(a.Role) {
		return "", fmt.Errorf("auth: cannot issue token for role %q", a.Role)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": a.ID,
		"role":    string(a.Role),
		"exp":     now.Add(ttl).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return tokenString, nil
}

// VerifyOperatorKey checks key against the configured bcrypt hash.
func (s *Service) VerifyOperatorKey(key string) error {
	if len(s.operatorKeyHash) == 0 || key == "" {
		return ErrInvalidOperatorKey
	}
	if err := bcrypt.CompareHashAndPassword(s.operatorKeyHash, []byte(key)); err != nil {
		return ErrInvalidOperatorKey
	}
	return nil
}

// HashOperatorKey produces the value for OPERATOR_KEY_HASH.
func HashOperatorKey(key string) (string, error) {
	if len(key) < 16 {
		return "", ErrWeakOperatorKey
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash operator key: %w", err)
	}
	return string(hash), nil
}

// isValidRole admits the roles a caller can hold. The system role is
// internal and never comes from a token.
func isValidRole(role actor.Role) bool {
	switch role {
	case actor.RoleHomeowner, actor.RoleContractor, actor.RoleOperator:
		return true
	default:
		return false
	}
}
