package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionIssuer     = "collab-auth"
	defaultSessionQueryParam = "token"
	bearerPrefix             = "bearer "
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

// CredentialSource names where a bearer credential was found during the handshake.
type CredentialSource string

const (
	CredentialSourceNone   CredentialSource = ""
	CredentialSourceHeader CredentialSource = "header"
	CredentialSourceQuery  CredentialSource = "query"
	CredentialSourceCookie CredentialSource = "cookie"
)

// SessionClaims mirrors the JWT payload emitted by the identity provider.
type SessionClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserAvatarURL   string   `json:"user_avatar_url"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// IdentityID returns the stable identity carried by the claims.
func (c SessionClaims) IdentityID() string {
	if id := strings.TrimSpace(c.UserID); id != "" {
		return id
	}
	return strings.TrimSpace(c.Subject)
}

// SessionValidatorConfig describes how to validate handshake JWTs.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	QueryParam    string
	Clock         func() time.Time
}

// SessionValidator validates HS256 JWTs presented at connection handshake.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	queryParam    string
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	queryParam := strings.TrimSpace(cfg.QueryParam)
	if queryParam == "" {
		queryParam = defaultSessionQueryParam
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		queryParam:    queryParam,
		clock:         clock,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if claims.Issuer != v.issuer {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if claims.IdentityID() == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return *claims, nil
}

// ExtractCredential returns the bearer credential from the authorization header, the
// configured query parameter, or the session cookie, checked in that order.
func (v *SessionValidator) ExtractCredential(r *http.Request) (string, CredentialSource) {
	if r == nil {
		return "", CredentialSourceNone
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		if token := strings.TrimSpace(header[len(bearerPrefix):]); token != "" {
			return token, CredentialSourceHeader
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get(v.queryParam)); token != "" {
		return token, CredentialSourceQuery
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && cookie != nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return token, CredentialSourceCookie
		}
	}
	return "", CredentialSourceNone
}

// ValidateRequest extracts the handshake credential from the request and validates it.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	token, source := v.ExtractCredential(r)
	if source == CredentialSourceNone {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(token)
}
