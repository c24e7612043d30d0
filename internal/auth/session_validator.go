package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionIssuer     = errors.New("session validator: issuer required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

const bearerPrefix = "Bearer "

// SessionClaims is the JWT payload of a manuscript session.
type SessionClaims struct {
	UserID          string      `json:"user_id"`
	UserEmail       string      `json:"user_email,omitempty"`
	UserDisplayName string      `json:"user_display_name,omitempty"`
	Username        string      `json:"username,omitempty"`
	Grant           *GrantClaim `json:"grant,omitempty"`
	jwt.RegisteredClaims
}

// Principal is what the rest of the system learns about an authenticated caller.
type Principal struct {
	Claims SessionClaims
	Grant  Grant
}

// SessionValidatorConfig describes how to validate session JWTs.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	// CookieName is optional; when set, requests without a bearer header fall back to it.
	CookieName string
	Clock      func() time.Time
}

// SessionValidator validates HS256 session JWTs.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    strings.TrimSpace(cfg.CookieName),
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the caller.
func (v *SessionValidator) ValidateToken(tokenString string) (Principal, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Principal{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(_ *jwt.Token) (interface{}, error) {
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithIssuer(v.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrExpiredSessionToken
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Principal{}, ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.UserID) == "" {
		return Principal{}, ErrMissingSessionSubject
	}
	grant, err := decodeGrant(claims.Grant)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	return Principal{Claims: *claims, Grant: grant}, nil
}

// ValidateRequest reads a bearer token, or the configured cookie, and validates it.
func (v *SessionValidator) ValidateRequest(r *http.Request) (Principal, error) {
	if r == nil {
		return Principal{}, ErrMissingSessionToken
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
	}
	if v.cookieName == "" {
		return Principal{}, ErrMissingSessionToken
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil || cookie == nil {
		return Principal{}, ErrMissingSessionToken
	}
	return v.ValidateToken(cookie.Value)
}
