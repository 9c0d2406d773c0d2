package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrAuthFailed   = errors.New("authentication failed")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrNotOwner     = errors.New("token not issued for this agent")
)

// TokenType is the JWT "type" claim expected on agent tokens.
const TokenType = "bridge_agent"

// Validator decides whether token may register as agentID.
type Validator interface {
	Validate(ctx context.Context, token, agentID string) error
}

// Chain tries each validator in order; the first success wins.
type Chain []Validator

func (c Chain) Validate(ctx context.Context, token, agentID string) error {
	if len(c) == 0 {
		return fmt.Errorf("%w: no validators configured", ErrAuthFailed)
	}
	var errs []error
	for _, v := range c {
		if v == nil {
			continue
		}
		err := v.Validate(ctx, token, agentID)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("%w: %w", ErrAuthFailed, errors.Join(errs...))
}

type agentClaims struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	jwt.RegisteredClaims
}

// JWTValidator accepts HS256 tokens whose agent_id claim names the agent.
type JWTValidator struct {
	secret []byte
}

func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(strings.TrimSpace(secret))}
}

func (v *JWTValidator) Validate(_ context.Context, tokenString, agentID string) error {
	_, err := v.Verify(tokenString, agentID)
	return err
}

// Verify checks the token and returns its subject (the owning user).
func (v *JWTValidator) Verify(tokenString, agentID string) (string, error) {
	tokenString = strings.TrimSpace(tokenString)
	if len(v.secret) == 0 {
		return "", fmt.Errorf("%w: missing secret", ErrInvalidToken)
	}
	if tokenString == "" {
		return "", fmt.Errorf("%w: missing token", ErrInvalidToken)
	}

	claims := &agentClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	parsed, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Type != TokenType {
		return "", fmt.Errorf("%w: type %q", ErrInvalidToken, claims.Type)
	}
	if canonicalID(claims.AgentID) != canonicalID(agentID) {
		return "", ErrNotOwner
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return sub, nil
}

// Issue signs a token for agentID owned by subject.
func (v *JWTValidator) Issue(subject, agentID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := agentClaims{
		Type:    TokenType,
		AgentID: canonicalID(agentID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// StaticValidator accepts long-lived per-agent tokens.
type StaticValidator struct {
	tokens map[string]string
}

func NewStaticValidator(tokens map[string]string) *StaticValidator {
	copied := make(map[string]string, len(tokens))
	for id, tok := range tokens {
		copied[canonicalID(id)] = strings.TrimSpace(tok)
	}
	return &StaticValidator{tokens: copied}
}

func (v *StaticValidator) Validate(_ context.Context, token, agentID string) error {
	want, ok := v.tokens[canonicalID(agentID)]
	if !ok || want == "" {
		return fmt.Errorf("%w: no static token for agent", ErrInvalidToken)
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(strings.TrimSpace(token))) != 1 {
		return fmt.Errorf("%w: static token mismatch", ErrInvalidToken)
	}
	return nil
}

// canonicalID folds the spellings uuid.Parse accepts (upper case, braces,
// urn prefix) onto one key. Non-uuids are only trimmed and lower-cased.
func canonicalID(id string) string {
	id = strings.TrimSpace(id)
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return strings.ToLower(id)
}
