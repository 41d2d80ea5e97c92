package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningKey = errors.New("identity: signing key required")
	ErrMissingIssuer     = errors.New("identity: issuer required")
	ErrMissingCookieName = errors.New("identity: cookie name required")
	ErrMissingToken      = errors.New("identity: session token required")
	ErrInvalidToken      = errors.New("identity: invalid session token")
	ErrExpiredToken      = errors.New("identity: session token expired")
	// ErrNoMembership indicates the session carries no organization claims.
	// It is a permanent identity failure and must never be retried.
	ErrNoMembership = errors.New("identity: no organization membership")
)

// SessionClaims mirrors the JWT payload emitted by the identity provider.
type SessionClaims struct {
	UserID         string `json:"user_id"`
	UserEmail      string `json:"user_email"`
	UserFirstName  string `json:"user_first_name"`
	UserLastName   string `json:"user_last_name"`
	UserImageURL   string `json:"user_image_url"`
	RoleClaim      string `json:"org_role"`
	OrgID          string `json:"org_id"`
	OrgSlug        string `json:"org_slug"`
	OrgName        string `json:"org_name"`
	OrgImageURL    string `json:"org_image_url"`
	OrgMemberCount int    `json:"org_member_count"`
	jwt.RegisteredClaims
}

// SessionValidatorConfig describes how to validate provider-issued session JWTs.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator validates HS256 session tokens and extracts the identity snapshot.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingCookieName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		clock:         clock,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken validates the supplied JWT string and returns the identity snapshot.
func (v *SessionValidator) ValidateToken(tokenString string) (Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Issuer != v.issuer {
		return Identity{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return Identity{}, ErrMissingToken
	}
	if strings.TrimSpace(claims.OrgID) == "" || strings.TrimSpace(claims.OrgSlug) == "" {
		return Identity{}, ErrNoMembership
	}

	issuedAt := v.clock().UTC()
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time.UTC()
	}

	return Identity{
		Organization: Organization{
			ID:          strings.TrimSpace(claims.OrgID),
			Slug:        strings.TrimSpace(claims.OrgSlug),
			DisplayName: strings.TrimSpace(claims.OrgName),
			ImageURL:    strings.TrimSpace(claims.OrgImageURL),
			CreatedAt:   issuedAt,
			MemberCount: claims.OrgMemberCount,
		},
		User: User{
			ID:           strings.TrimSpace(claims.UserID),
			FirstName:    strings.TrimSpace(claims.UserFirstName),
			LastName:     strings.TrimSpace(claims.UserLastName),
			PrimaryEmail: strings.TrimSpace(claims.UserEmail),
			ImageURL:     strings.TrimSpace(claims.UserImageURL),
			CreatedAt:    issuedAt,
			RoleClaim:    strings.TrimSpace(claims.RoleClaim),
		},
	}, nil
}

// ValidateRequest extracts the session token from the request and validates it.
// It checks the configured cookie first and falls back to a bearer token.
func (v *SessionValidator) ValidateRequest(r *http.Request) (Identity, error) {
	if r == nil {
		return Identity{}, ErrMissingToken
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && cookie != nil {
		return v.ValidateToken(cookie.Value)
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return v.ValidateToken(strings.TrimPrefix(header, "Bearer "))
	}
	return Identity{}, ErrMissingToken
}
