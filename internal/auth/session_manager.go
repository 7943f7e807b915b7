package auth

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hearth/backend/internal/apperr"
	"github.com/hearth/backend/internal/logging"
	"github.com/hearth/backend/internal/metrics"
	"github.com/hearth/backend/internal/models"
)

var (
	// ErrInvalidCredentials is returned for any failed login, whatever the cause.
	ErrInvalidCredentials = apperr.New(apperr.KindAuth, "invalid username or password")
	// ErrInvalidRefreshToken indicates a refresh token that cannot be exchanged.
	ErrInvalidRefreshToken = apperr.New(apperr.KindInvalidRefreshToken, "invalid refresh token")
	// ErrUnsupportedContentType rejects refresh requests that are not JSON.
	ErrUnsupportedContentType = apperr.New(apperr.KindContentType, "content type must be application/json")
	// ErrTokenGeneration indicates the issuer produced a token identical to the one being replaced.
	ErrTokenGeneration = apperr.New(apperr.KindTokenGeneration, "failed to generate a fresh refresh token")
	// ErrTokenRevoked indicates an access token issued before the user's last logout.
	ErrTokenRevoked = apperr.New(apperr.KindAuth, "token revoked")
	// ErrUserExists indicates a duplicate username or email at registration.
	ErrUserExists = apperr.New(apperr.KindConflict, "username or email already registered")
)

const minPasswordLength = 8

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{3,32}$`)

// UserStore is the subset of user persistence the manager relies on.
// Lookups return an apperr.KindNotFound error for unknown users and Create
// returns apperr.KindConflict for duplicates.
type UserStore interface {
	Create(ctx context.Context, user models.User) error
	FindByUsername(ctx context.Context, username string) (models.User, error)
	FindByID(ctx context.Context, id string) (models.User, error)
}

// LoginInput carries credentials and client details for Login.
type LoginInput struct {
	Username  string
	Password  string
	IPAddress string
	UserAgent string
}

// LoginResult is returned after a successful login.
type LoginResult struct {
	Tokens models.SessionTokens
	User   models.UserSummary
}

// RefreshInput carries the refresh token and the request content type.
type RefreshInput struct {
	RefreshToken string
	ContentType  string
}

// RegisterInput carries the fields of a new account.
type RegisterInput struct {
	Username string
	Email    string
	Password string
	IsAdmin  bool
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithRevocationList overrides the in-memory revocation list.
func WithRevocationList(list RevocationList) ManagerOption {
	return func(m *Manager) {
		if list != nil {
			m.revoked = list
		}
	}
}

// WithPasswordHasher overrides the default argon2id parameters.
func WithPasswordHasher(h *PasswordHasher) ManagerOption {
	return func(m *Manager) {
		if h != nil {
			m.passwords = h
		}
	}
}

// WithManagerMetrics records auth events.
func WithManagerMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithManagerClock overrides the time source used for session bookkeeping.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager drives the login, refresh, logout and registration flows.
type Manager struct {
	users     UserStore
	sessions  SessionStore
	tokens    *TokenIssuer
	passwords *PasswordHasher
	revoked   RevocationList
	metrics   *metrics.Metrics
	now       func() time.Time

	dummyHash string
}

// NewManager wires a Manager. The dummy hash verified for unknown users is
// derived here so every login pays the same hashing cost.
func NewManager(users UserStore, sessions SessionStore, tokens *TokenIssuer, opts ...ManagerOption) (*Manager, error) {
	if users == nil || sessions == nil || tokens == nil {
		return nil, errors.New("auth: user store, session store and token issuer must not be nil")
	}
	m := &Manager{
		users:     users,
		sessions:  sessions,
		tokens:    tokens,
		passwords: DefaultPasswordHasher(),
		revoked:   NewMemoryRevocationList(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	dummy, err := m.passwords.Hash(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("derive dummy hash: %w", err)
	}
	m.dummyHash = dummy
	return m, nil
}

// HashPassword hashes password with the manager's parameters.
func (m *Manager) HashPassword(password string) (string, error) {
	return m.passwords.Hash(password)
}

// Login verifies credentials and opens a new session, invalidating any
// previous session of the user.
func (m *Manager) Login(ctx context.Context, in LoginInput) (result LoginResult, err error) {
	defer func() { m.metrics.Auth("login", err) }()

	username := strings.TrimSpace(in.Username)
	if username == "" || in.Password == "" {
		return LoginResult{}, apperr.New(apperr.KindValidation, "username and password are required")
	}

	user, err := m.users.FindByUsername(ctx, username)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return LoginResult{}, fmt.Errorf("look up user: %w", err)
	}
	found := err == nil && user.IsActive

	hash := m.dummyHash
	if found {
		hash = user.PasswordHash
	}
	ok, verifyErr := m.passwords.Verify(hash, in.Password)
	if verifyErr != nil {
		logging.FromContext(ctx).Warn("password verification failed", "error", verifyErr)
	}
	if !found || !ok || verifyErr != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	tokens, err := m.issuePair(user)
	if err != nil {
		return LoginResult{}, err
	}

	now := m.now().UTC()
	session := models.Session{
		ID:               uuid.NewString(),
		UserID:           user.ID,
		RefreshTokenHash: HashToken(tokens.RefreshToken),
		IPAddress:        in.IPAddress,
		UserAgent:        in.UserAgent,
		ExpiresAt:        tokens.RefreshExpiresAt,
		IsValid:          true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if _, err := m.sessions.CreateSession(ctx, session); err != nil {
		return LoginResult{}, fmt.Errorf("create session: %w", err)
	}

	return LoginResult{Tokens: tokens, User: user.Summary()}, nil
}

// Refresh exchanges a refresh token for a new pair and rotates the session.
func (m *Manager) Refresh(ctx context.Context, in RefreshInput) (tokens models.SessionTokens, err error) {
	defer func() { m.metrics.Auth("refresh", err) }()

	if !IsJSONContentType(in.ContentType) {
		return models.SessionTokens{}, ErrUnsupportedContentType
	}
	raw := strings.TrimSpace(in.RefreshToken)
	if raw == "" {
		return models.SessionTokens{}, apperr.New(apperr.KindValidation, "refresh token is required")
	}

	claims, err := m.tokens.VerifyRefreshToken(raw)
	if err != nil {
		return models.SessionTokens{}, fmt.Errorf("%w: %v", ErrInvalidRefreshToken, err)
	}

	oldHash := HashToken(raw)
	session, err := m.sessions.FindValidByRefreshToken(ctx, oldHash, m.now().UTC())
	if errors.Is(err, ErrSessionNotFound) || apperr.Is(err, apperr.KindNotFound) {
		return models.SessionTokens{}, ErrInvalidRefreshToken
	}
	if err != nil {
		return models.SessionTokens{}, fmt.Errorf("find session: %w", err)
	}
	if session.UserID != claims.UserID {
		return models.SessionTokens{}, ErrInvalidRefreshToken
	}

	user, err := m.users.FindByID(ctx, session.UserID)
	if apperr.Is(err, apperr.KindNotFound) || (err == nil && !user.IsActive) {
		return models.SessionTokens{}, ErrInvalidRefreshToken
	}
	if err != nil {
		return models.SessionTokens{}, fmt.Errorf("look up user: %w", err)
	}

	tokens, err = m.issuePair(user)
	if err != nil {
		return models.SessionTokens{}, err
	}
	if tokens.RefreshToken == raw {
		return models.SessionTokens{}, ErrTokenGeneration
	}

	err = m.sessions.Rotate(ctx, session.ID, oldHash, HashToken(tokens.RefreshToken), tokens.RefreshExpiresAt)
	if errors.Is(err, ErrSessionNotFound) {
		return models.SessionTokens{}, ErrInvalidRefreshToken
	}
	if err != nil {
		return models.SessionTokens{}, fmt.Errorf("rotate session: %w", err)
	}
	return tokens, nil
}

// Logout invalidates every session of the user and revokes outstanding
// access tokens. Calling it again is harmless.
func (m *Manager) Logout(ctx context.Context, userID string) (err error) {
	defer func() { m.metrics.Auth("logout", err) }()

	if userID == "" {
		return apperr.New(apperr.KindValidation, "user id must be provided")
	}
	if _, err := m.sessions.InvalidateAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("invalidate sessions: %w", err)
	}
	if err := m.revoked.Revoke(ctx, userID, m.now().UTC(), m.tokens.AccessTTL()); err != nil {
		return err
	}
	return nil
}

// Register validates and stores a new account.
func (m *Manager) Register(ctx context.Context, in RegisterInput) (user models.User, err error) {
	defer func() { m.metrics.Auth("register", err) }()

	username := strings.TrimSpace(in.Username)
	email := strings.TrimSpace(in.Email)

	var problems []string
	if !usernamePattern.MatchString(username) {
		problems = append(problems, "username must be 3-32 characters of letters, digits, dot, underscore or dash")
	}
	if addr, parseErr := mail.ParseAddress(email); parseErr != nil || addr.Address != email {
		problems = append(problems, "email must be a valid address")
	}
	if len(in.Password) < minPasswordLength {
		problems = append(problems, fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	if len(problems) > 0 {
		return models.User{}, apperr.New(apperr.KindValidation, strings.Join(problems, "; "))
	}

	hash, err := m.passwords.Hash(in.Password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}

	now := m.now().UTC()
	user = models.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        strings.ToLower(email),
		PasswordHash: hash,
		IsAdmin:      in.IsAdmin,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.users.Create(ctx, user); err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			return models.User{}, ErrUserExists
		}
		return models.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Authenticate verifies an access token and checks it against the
// revocation list.
func (m *Manager) Authenticate(ctx context.Context, accessToken string) (AccessClaims, error) {
	claims, err := m.tokens.VerifyAccessToken(strings.TrimSpace(accessToken))
	if err != nil {
		return AccessClaims{}, err
	}

	cutoff, revoked, err := m.revoked.RevokedAt(ctx, claims.UserID)
	if err != nil {
		return AccessClaims{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked && claims.IssuedAtMicros <= cutoff.UnixMicro() {
		return AccessClaims{}, ErrTokenRevoked
	}
	return claims, nil
}

func (m *Manager) issuePair(user models.User) (models.SessionTokens, error) {
	access, accessExp, err := m.tokens.IssueAccessToken(user)
	if err != nil {
		return models.SessionTokens{}, apperr.Wrap(apperr.KindTokenGeneration, "issue access token", err)
	}
	refresh, refreshExp, err := m.tokens.IssueRefreshToken(user.ID)
	if err != nil {
		return models.SessionTokens{}, apperr.Wrap(apperr.KindTokenGeneration, "issue refresh token", err)
	}
	return models.SessionTokens{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// IsJSONContentType reports whether contentType names a JSON media type.
func IsJSONContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
