package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/deployctl/pkg/crypto"
	jwtpkg "github.com/splax/deployctl/pkg/jwt"
)

// RoleOperator is granted to every operator key holder.
const RoleOperator = "operator"

// ErrInvalidCredentials is returned for an unknown operator or a wrong key.
var ErrInvalidCredentials = errors.New("invalid operator credentials")

// Token is an issued bearer token.
type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Operator    string `json:"operator"`
}

// Service exchanges operator keys for short-lived JWTs and validates them.
type Service struct {
	keys   map[string]string
	secret string
	ttl    time.Duration
	logger *slog.Logger
}

// New constructs a Service. keys maps operator name to bcrypt hash.
func New(keys map[string]string, secret string, ttl time.Duration, logger *slog.Logger) Service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	copied := make(map[string]string, len(keys))
	for name, hash := range keys {
		copied[strings.TrimSpace(name)] = strings.TrimSpace(hash)
	}
	return Service{keys: copied, secret: secret, ttl: ttl, logger: logger.With("component", "auth")}
}

// Enabled reports whether any operator key is configured.
func (s Service) Enabled() bool {
	return len(s.keys) > 0
}

// IssueToken verifies the operator key and returns a signed token.
func (s Service) IssueToken(operator, key string) (Token, error) {
	operator = strings.TrimSpace(operator)
	hash, ok := s.keys[operator]
	if !ok {
		s.logger.Warn("unknown operator", "operator", operator)
		return Token{}, ErrInvalidCredentials
	}
	if err := crypto.CompareKey(hash, key); err != nil {
		s.logger.Warn("operator key rejected", "operator", operator, "error", err)
		return Token{}, ErrInvalidCredentials
	}
	access, err := jwtpkg.GenerateToken(operator, RoleOperator, s.secret, s.ttl)
	if err != nil {
		return Token{}, fmt.Errorf("issue token: %w", err)
	}
	s.logger.Info("operator token issued", "operator", operator)
	return Token{AccessToken: access, ExpiresIn: int64(s.ttl / time.Second), Operator: operator}, nil
}

// Authorize validates a bearer token and returns its claims. Tokens for operators that
// were removed from configuration are rejected.
func (s Service) Authorize(token string) (*jwtpkg.Claims, error) {
	claims, err := jwtpkg.Parse(token, s.secret)
	if err != nil {
		return nil, err
	}
	if _, ok := s.keys[claims.Operator]; !ok {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}
