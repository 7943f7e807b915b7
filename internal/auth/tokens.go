package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hearth/backend/internal/apperr"
	"github.com/hearth/backend/internal/models"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

var (
	// ErrTokenExpired indicates a well-formed, correctly signed token past its expiry.
	ErrTokenExpired = apperr.New(apperr.KindExpired, "token expired")
	// ErrInvalidSignature indicates a token not signed by this service for its purpose.
	ErrInvalidSignature = apperr.New(apperr.KindAuth, "invalid token signature")
	// ErrMalformedToken indicates input that is not a structurally valid token.
	ErrMalformedToken = apperr.New(apperr.KindAuth, "malformed token")
)

// AccessClaims are carried by access tokens.
type AccessClaims struct {
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	IsAdmin        bool   `json:"isAdmin"`
	IssuedAtMicros int64  `json:"iatUs"`
	TokenType      string `json:"typ"`
	jwt.RegisteredClaims
}

// RefreshClaims are carried by refresh tokens.
type RefreshClaims struct {
	UserID         string `json:"userId"`
	IssuedAtMicros int64  `json:"iatUs"`
	TokenType      string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures a TokenIssuer.
type TokenIssuerConfig struct {
	AccessSecret  string
	AccessTTL     time.Duration
	RefreshSecret string
	RefreshTTL    time.Duration
	Issuer        string
}

// TokenIssuer signs and verifies HS256 access and refresh tokens. The two
// token kinds use distinct secrets.
type TokenIssuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	now           func() time.Time
}

// NewTokenIssuer validates cfg and returns an issuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, errors.New("auth: token secrets must be provided")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("auth: access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	return &TokenIssuer{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		issuer:        cfg.Issuer,
		now:           time.Now,
	}, nil
}

// WithNowFunc allows tests to override the time source.
func (t *TokenIssuer) WithNowFunc(now func() time.Time) {
	t.now = now
}

// AccessTTL returns the lifetime of access tokens.
func (t *TokenIssuer) AccessTTL() time.Duration {
	return t.accessTTL
}

// IssueAccessToken signs an access token for user.
func (t *TokenIssuer) IssueAccessToken(user models.User) (string, time.Time, error) {
	now := t.now()
	expires := now.Add(t.accessTTL)
	claims := AccessClaims{
		UserID:           user.ID,
		Username:         user.Username,
		IsAdmin:          user.IsAdmin,
		IssuedAtMicros:   now.UnixMicro(),
		TokenType:        tokenTypeAccess,
		RegisteredClaims: t.registered(user.ID, now, expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.accessSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expires, nil
}

// IssueRefreshToken signs a refresh token for userID.
func (t *TokenIssuer) IssueRefreshToken(userID string) (string, time.Time, error) {
	now := t.now()
	expires := now.Add(t.refreshTTL)
	claims := RefreshClaims{
		UserID:           userID,
		IssuedAtMicros:   now.UnixMicro(),
		TokenType:        tokenTypeRefresh,
		RegisteredClaims: t.registered(userID, now, expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.refreshSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return signed, expires, nil
}

// VerifyAccessToken checks signature, expiry and purpose of an access token.
func (t *TokenIssuer) VerifyAccessToken(raw string) (AccessClaims, error) {
	var claims AccessClaims
	if err := t.parse(raw, &claims, t.accessSecret); err != nil {
		return AccessClaims{}, err
	}
	if claims.TokenType != tokenTypeAccess {
		return AccessClaims{}, ErrInvalidSignature
	}
	return claims, nil
}

// VerifyRefreshToken checks signature, expiry and purpose of a refresh token.
func (t *TokenIssuer) VerifyRefreshToken(raw string) (RefreshClaims, error) {
	var claims RefreshClaims
	if err := t.parse(raw, &claims, t.refreshSecret); err != nil {
		return RefreshClaims{}, err
	}
	if claims.TokenType != tokenTypeRefresh {
		return RefreshClaims{}, ErrInvalidSignature
	}
	return claims, nil
}

func (t *TokenIssuer) registered(subject string, now, expires time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    t.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
}

func (t *TokenIssuer) parse(raw string, claims jwt.Claims, secret []byte) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, opts...)
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}
