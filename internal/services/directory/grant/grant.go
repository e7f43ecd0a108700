// Package grant verifies signed access grants: short-lived EdDSA tokens that
// assert a user's org membership and role for cross-service calls.
package grant

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/taskroom/internal/errors"
	"github.com/louisbranch/taskroom/internal/platform/requestctx"
)

// accessGrantEnv holds raw env values before post-parse validation.
type accessGrantEnv struct {
	Issuer    string `env:"TASKROOM_ACCESS_GRANT_ISSUER"`
	Audience  string `env:"TASKROOM_ACCESS_GRANT_AUDIENCE"`
	PublicKey string `env:"TASKROOM_ACCESS_GRANT_PUBLIC_KEY"`
}

// Config defines how access grants are verified.
type Config struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// Expectation defines the expected identity for an access grant.
type Expectation struct {
	OrgID  string
	UserID string
}

// Claims captures validated access grant claims.
type Claims struct {
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	NotBefore time.Time
	IssuedAt  time.Time
	JWTID     string
	OrgID     string
	UserID    string
	Role      string
}

// accessGrantClaims is the internal claims type used for JWT parsing.
type accessGrantClaims struct {
	jwt.RegisteredClaims
	OrgID  string `json:"org_id"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// LoadConfigFromEnv reads access grant verification configuration.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw accessGrantEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse access grant env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" {
		return Config{}, fmt.Errorf("TASKROOM_ACCESS_GRANT_ISSUER is required")
	}
	if audience == "" {
		return Config{}, fmt.Errorf("TASKROOM_ACCESS_GRANT_AUDIENCE is required")
	}
	if publicKey == "" {
		return Config{}, fmt.Errorf("TASKROOM_ACCESS_GRANT_PUBLIC_KEY is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return Config{}, fmt.Errorf("decode access grant public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return Config{}, fmt.Errorf("access grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return Config{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// Validate verifies an access grant token and validates expected claims.
func Validate(token string, expected Expectation, cfg Config) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, apperrors.New(apperrors.CodeAccessGrantInvalid, "access grant is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PublicKeySize {
		return Claims{}, errors.New("access grant verifier is not configured")
	}

	var parsed accessGrantClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != cfg.Issuer {
		return Claims{}, apperrors.WithMetadata(
			apperrors.CodeAccessGrantMismatch,
			"access grant issuer mismatch",
			map[string]string{"Field": "issuer"},
		)
	}
	if !audienceContains(parsed.Audience, cfg.Audience) {
		return Claims{}, apperrors.WithMetadata(
			apperrors.CodeAccessGrantMismatch,
			"access grant audience mismatch",
			map[string]string{"Field": "audience"},
		)
	}

	if parsed.ID == "" {
		return Claims{}, apperrors.New(apperrors.CodeAccessGrantInvalid, "access grant jti is required")
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, apperrors.New(apperrors.CodeAccessGrantInvalid, "access grant exp is required")
	}

	now := cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Claims{}, apperrors.New(apperrors.CodeAccessGrantExpired, "access grant is expired")
	}
	if parsed.NotBefore != nil {
		nbf := parsed.NotBefore.Time.UTC()
		if now.Before(nbf) {
			return Claims{}, apperrors.New(apperrors.CodeAccessGrantInvalid, "access grant not active yet")
		}
	}

	if strings.TrimSpace(parsed.OrgID) == "" || parsed.OrgID != expected.OrgID {
		return Claims{}, apperrors.WithMetadata(
			apperrors.CodeAccessGrantMismatch,
			"access grant org mismatch",
			map[string]string{"Field": "org_id"},
		)
	}
	if strings.TrimSpace(parsed.UserID) == "" || parsed.UserID != expected.UserID {
		return Claims{}, apperrors.WithMetadata(
			apperrors.CodeAccessGrantMismatch,
			"access grant user mismatch",
			map[string]string{"Field": "user_id"},
		)
	}

	claims := Claims{
		Issuer:    parsed.Issuer,
		Audience:  []string(parsed.Audience),
		ExpiresAt: exp,
		JWTID:     parsed.ID,
		OrgID:     parsed.OrgID,
		UserID:    parsed.UserID,
		Role:      strings.TrimSpace(parsed.Role),
	}
	if parsed.NotBefore != nil {
		claims.NotBefore = parsed.NotBefore.Time.UTC()
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// Authenticate validates an access grant and returns a context carrying the
// verified caller identity.
func Authenticate(ctx context.Context, token string, expected Expectation, cfg Config) (context.Context, error) {
	claims, err := Validate(token, expected, cfg)
	if err != nil {
		return nil, err
	}
	return requestctx.WithUserID(ctx, claims.UserID), nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeAccessGrantInvalid, "access grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeAccessGrantInvalid, "access grant alg is invalid")
	}
	return apperrors.New(apperrors.CodeAccessGrantInvalid, "access grant is invalid")
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
