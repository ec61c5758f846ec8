package api

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"sentinel/core"

	"github.com/golang-jwt/jwt/v5"
)

// MaxClockSkew is the largest expiry tolerance the validator accepts.
const MaxClockSkew = 60 * time.Second

var (
	errMissingCredential = errors.New("missing bearer credential")
	errTokenExpired      = errors.New("token is expired")
	errTokenNotYetValid  = errors.New("token is not valid yet")
	errIssuedInFuture    = errors.New("token issued in the future")
	errMissingExpiry     = errors.New("token has no expiry")
	errMissingSubject    = errors.New("token has no subject")
	errWrongIssuer       = errors.New("token issuer mismatch")
)

// Claims represents the JWT claims accepted by the gateway
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidatorConfig holds the verification contract. Key material comes
// from the secret manager; the validator never fetches it itself.
type TokenValidatorConfig struct {
	// Algorithm is HS256 or RS256
	Algorithm string
	// Secret is the HMAC key for HS256
	Secret []byte
	// PublicKey verifies RS256 signatures
	PublicKey *rsa.PublicKey
	// Issuer, when set, must match the iss claim
	Issuer string
	// ClockSkew is tolerated past expiry only
	ClockSkew time.Duration
	// Now defaults to time.Now
	Now func() time.Time
}

// TokenValidator verifies bearer credentials and turns them into identities.
type TokenValidator struct {
	cfg    TokenValidatorConfig
	parser *jwt.Parser
}

// NewTokenValidator checks the configuration and builds a validator.
func NewTokenValidator(cfg TokenValidatorConfig) (*TokenValidator, error) {
	if cfg.ClockSkew < 0 || cfg.ClockSkew > MaxClockSkew {
		return nil, fmt.Errorf("clock skew must be between 0 and %s", MaxClockSkew)
	}
	switch cfg.Algorithm {
	case "HS256":
		if len(cfg.Secret) < 32 {
			return nil, errors.New("HS256 secret must be at least 32 bytes")
		}
	case "RS256":
		if cfg.PublicKey == nil {
			return nil, errors.New("RS256 requires a public key")
		}
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TokenValidator{
		cfg: cfg,
		// time-based claims are checked below so the skew applies to exp only
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{cfg.Algorithm}),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

// Validate verifies credential and returns the caller's identity. Every
// failure is reported as an Unauthenticated error whose message carries no
// detail; the wrapped cause is for server-side logs.
func (v *TokenValidator) Validate(credential string) (*core.Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, core.NewUnauthenticated(errMissingCredential)
	}

	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(credential, claims, v.keyFunc); err != nil {
		return nil, core.NewUnauthenticated(err)
	}

	now := v.cfg.Now()
	if claims.ExpiresAt == nil {
		return nil, core.NewUnauthenticated(errMissingExpiry)
	}
	if now.After(claims.ExpiresAt.Time.Add(v.cfg.ClockSkew)) {
		return nil, core.NewUnauthenticated(errTokenExpired)
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return nil, core.NewUnauthenticated(errTokenNotYetValid)
	}
	var issuedAt time.Time
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
		if issuedAt.After(now) || issuedAt.After(claims.ExpiresAt.Time) {
			return nil, core.NewUnauthenticated(errIssuedInFuture)
		}
	}
	if claims.Subject == "" {
		return nil, core.NewUnauthenticated(errMissingSubject)
	}
	if v.cfg.Issuer != "" && claims.Issuer != v.cfg.Issuer {
		return nil, core.NewUnauthenticated(errWrongIssuer)
	}

	roles := make([]core.Role, 0, len(claims.Roles))
	for _, r := range claims.Roles {
		roles = append(roles, core.Role(r))
	}
	return &core.Identity{
		Subject:   claims.Subject,
		Roles:     roles,
		IssuedAt:  issuedAt,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (v *TokenValidator) keyFunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		return v.cfg.Secret, nil
	case *jwt.SigningMethodRSA:
		return v.cfg.PublicKey, nil
	}
	return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
}

// SignToken issues an HS256 token. The gateway never issues credentials over
// HTTP; this backs tests and local tooling.
func SignToken(secret []byte, subject string, roles []core.Role, issuedAt time.Time, ttl time.Duration, issuer string) (string, error) {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, string(r))
	}
	jti, err := generateJTI()
	if err != nil {
		return "", err
	}
	claims := Claims{
		Roles: names,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// generateJTI generates a unique JWT ID
func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate jti: %w", err)
	}
	return hex.EncodeToString(b), nil
}
