package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken indicates no token was supplied with the handshake.
	ErrMissingToken = errors.New("auth: token required")
	// ErrMalformedToken indicates the token is not a three-segment compact JWT.
	ErrMalformedToken = errors.New("auth: malformed token")
	// ErrBadSignature indicates the HMAC signature does not match the payload.
	ErrBadSignature = errors.New("auth: bad signature")
	// ErrExpiredToken indicates the token expiry is in the past.
	ErrExpiredToken = errors.New("auth: token expired")
	// ErrMissingSubject indicates the token payload carries no subject claim.
	ErrMissingSubject = errors.New("auth: subject claim required")

	errMissingSigningSecret = errors.New("auth: signing secret required")
)

const tokenSegmentCount = 3

// Claims captures the identity proven by a verified token.
type Claims struct {
	UserID    string
	Name      string
	Email     string
	ExpiresAt time.Time
}

type tokenClaims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// VerifierConfig configures token verification.
type VerifierConfig struct {
	SigningSecret []byte
	Clock         func() time.Time
}

// Verifier validates HS256 compact tokens presented at handshake time.
// Verification is pure: no network or storage access.
type Verifier struct {
	signingSecret []byte
	clock         func() time.Time
}

// NewVerifier constructs a Verifier with the provided configuration.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		clock:         clock,
	}, nil
}

// Verify validates the supplied compact token and returns the proven claims.
// Failures map onto the closed taxonomy: ErrMissingToken, ErrMalformedToken,
// ErrBadSignature, ErrExpiredToken, ErrMissingSubject.
func (v *Verifier) Verify(tokenString string) (Claims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Claims{}, ErrMissingToken
	}
	if strings.Count(token, ".") != tokenSegmentCount-1 {
		return Claims{}, fmt.Errorf("%w: expected %d segments", ErrMalformedToken, tokenSegmentCount)
	}

	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrBadSignature, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return Claims{}, classifyParseError(err)
	}
	if parsed == nil || !parsed.Valid {
		return Claims{}, ErrBadSignature
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrMissingSubject
	}

	verified := Claims{
		UserID: claims.Subject,
		Name:   claims.Name,
		Email:  claims.Email,
	}
	if claims.ExpiresAt != nil {
		verified.ExpiresAt = claims.ExpiresAt.Time
	}
	return verified, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrBadSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	default:
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
}
