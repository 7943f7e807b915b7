package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hearth/backend/internal/apperr"
	"github.com/hearth/backend/internal/models"
)

type memoryUsers struct {
	mu    sync.Mutex
	users map[string]models.User
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{users: make(map[string]models.User)}
}

func (m *memoryUsers) Create(_ context.Context, user models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Username == user.Username || existing.Email == user.Email {
			return apperr.New(apperr.KindConflict, "duplicate user")
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *memoryUsers) FindByUsername(_ context.Context, username string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Username == username {
			return user, nil
		}
	}
	return models.User{}, apperr.New(apperr.KindNotFound, "user not found")
}

func (m *memoryUsers) FindByID(_ context.Context, id string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return models.User{}, apperr.New(apperr.KindNotFound, "user not found")
	}
	return user, nil
}

func (m *memoryUsers) deactivate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := m.users[id]
	user.IsActive = false
	m.users[id] = user
}

type managerFixture struct {
	manager  *Manager
	users    *memoryUsers
	sessions *InMemorySessionStore
	user     models.User
}

func newManagerFixture(t *testing.T) managerFixture {
	t.Helper()
	users := newMemoryUsers()
	sessions := NewInMemorySessionStore()
	manager, err := NewManager(users, sessions, newTestIssuer(t), WithPasswordHasher(fastHasher()))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	user, err := manager.Register(context.Background(), RegisterInput{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "s3cret-pass",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return managerFixture{manager: manager, users: users, sessions: sessions, user: user}
}

func (f managerFixture) login(t *testing.T) LoginResult {
	t.Helper()
	result, err := f.manager.Login(context.Background(), LoginInput{Username: "alice", Password: "s3cret-pass"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return result
}

func TestLoginKeepsSingleValidSession(t *testing.T) {
	f := newManagerFixture(t)

	first := f.login(t)
	second := f.login(t)

	if got := f.sessions.ValidCount(f.user.ID); got != 1 {
		t.Fatalf("expected one valid session got %d", got)
	}
	if second.User.Username != "alice" {
		t.Fatalf("unexpected user summary %+v", second.User)
	}

	_, err := f.manager.Refresh(context.Background(), RefreshInput{RefreshToken: first.Tokens.RefreshToken, ContentType: "application/json"})
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected first session to be invalid, got %v", err)
	}
	if _, err := f.manager.Refresh(context.Background(), RefreshInput{RefreshToken: second.Tokens.RefreshToken, ContentType: "application/json"}); err != nil {
		t.Fatalf("refresh latest session: %v", err)
	}
}

func TestLoginWrongPasswordCreatesNoSession(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.Login(context.Background(), LoginInput{Username: "alice", Password: "wrong-pass"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials got %v", err)
	}
	if f.sessions.Len() != 0 {
		t.Fatalf("expected no sessions got %d", f.sessions.Len())
	}
}

func TestLoginUnknownAndInactiveUsersFailUniformly(t *testing.T) {
	f := newManagerFixture(t)

	_, unknownErr := f.manager.Login(context.Background(), LoginInput{Username: "mallory", Password: "whatever1"})
	f.users.deactivate(f.user.ID)
	_, inactiveErr := f.manager.Login(context.Background(), LoginInput{Username: "alice", Password: "s3cret-pass"})

	for _, err := range []error{unknownErr, inactiveErr} {
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected invalid credentials got %v", err)
		}
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	f := newManagerFixture(t)
	login := f.login(t)

	refreshed, err := f.manager.Refresh(context.Background(), RefreshInput{RefreshToken: login.Tokens.RefreshToken, ContentType: "application/json; charset=utf-8"})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.RefreshToken == login.Tokens.RefreshToken {
		t.Fatal("expected a new refresh token")
	}
	if refreshed.AccessToken == "" {
		t.Fatal("expected an access token")
	}

	_, err = f.manager.Refresh(context.Background(), RefreshInput{RefreshToken: login.Tokens.RefreshToken, ContentType: "application/json"})
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected stale token to fail, got %v", err)
	}
	if got := f.sessions.ValidCount(f.user.ID); got != 1 {
		t.Fatalf("expected rotation to keep one session, got %d", got)
	}
}

func TestRefreshRequiresJSON(t *testing.T) {
	f := newManagerFixture(t)
	login := f.login(t)

	_, err := f.manager.Refresh(context.Background(), RefreshInput{RefreshToken: login.Tokens.RefreshToken, ContentType: "text/plain"})
	if !errors.Is(err, ErrUnsupportedContentType) {
		t.Fatalf("expected unsupported content type got %v", err)
	}
	if apperr.HTTPStatus(apperr.KindOf(err)) != 400 {
		t.Fatalf("expected 400 mapping got %d", apperr.HTTPStatus(apperr.KindOf(err)))
	}
}

func TestRefreshRejectsInactiveUser(t *testing.T) {
	f := newManagerFixture(t)
	login := f.login(t)
	f.users.deactivate(f.user.ID)

	_, err := f.manager.Refresh(context.Background(), RefreshInput{RefreshToken: login.Tokens.RefreshToken, ContentType: "application/json"})
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected invalid refresh token got %v", err)
	}
}

func TestRefreshRejectsGarbage(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.Refresh(context.Background(), RefreshInput{RefreshToken: "garbage", ContentType: "application/json"})
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected invalid refresh token got %v", err)
	}
	_, err = f.manager.Refresh(context.Background(), RefreshInput{ContentType: "application/json"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error got %v", err)
	}
}

func TestConcurrentRefreshHasOneWinner(t *testing.T) {
	f := newManagerFixture(t)
	login := f.login(t)

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Refresh(context.Background(), RefreshInput{RefreshToken: login.Tokens.RefreshToken, ContentType: "application/json"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, ErrInvalidRefreshToken):
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one successful refresh got %d", wins)
	}
}

func TestLogoutRevokesSessionsAndAccessTokens(t *testing.T) {
	f := newManagerFixture(t)
	login := f.login(t)

	if _, err := f.manager.Authenticate(context.Background(), login.Tokens.AccessToken); err != nil {
		t.Fatalf("authenticate before logout: %v", err)
	}

	if err := f.manager.Logout(context.Background(), f.user.ID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := f.manager.Logout(context.Background(), f.user.ID); err != nil {
		t.Fatalf("second logout: %v", err)
	}

	if got := f.sessions.ValidCount(f.user.ID); got != 0 {
		t.Fatalf("expected no valid sessions got %d", got)
	}
	if _, err := f.manager.Authenticate(context.Background(), login.Tokens.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected revoked token got %v", err)
	}
	_, err := f.manager.Refresh(context.Background(), RefreshInput{RefreshToken: login.Tokens.RefreshToken, ContentType: "application/json"})
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected invalid refresh token got %v", err)
	}

	time.Sleep(time.Millisecond)
	again := f.login(t)
	if _, err := f.manager.Authenticate(context.Background(), again.Tokens.AccessToken); err != nil {
		t.Fatalf("authenticate after new login: %v", err)
	}
}

func TestLogoutCutoffWithinSameMillisecond(t *testing.T) {
	f := newManagerFixture(t)

	logoutAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(500 * time.Microsecond)
	issuedAt := logoutAt.Add(-300 * time.Microsecond)
	f.manager.tokens.WithNowFunc(func() time.Time { return issuedAt })
	f.manager.now = func() time.Time { return logoutAt }

	before := f.login(t)
	if err := f.manager.Logout(context.Background(), f.user.ID); err != nil {
		t.Fatalf("logout: %v", err)
	}

	issuedAt = logoutAt.Add(300 * time.Microsecond)
	after := f.login(t)

	if _, err := f.manager.Authenticate(context.Background(), before.Tokens.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected token issued before logout to be revoked got %v", err)
	}
	if _, err := f.manager.Authenticate(context.Background(), after.Tokens.AccessToken); err != nil {
		t.Fatalf("expected token issued after logout to be accepted: %v", err)
	}
}

func TestNewManagerRejectsMissingDependencies(t *testing.T) {
	issuer := newTestIssuer(t)
	cases := map[string]struct {
		users    UserStore
		sessions SessionStore
		tokens   *TokenIssuer
	}{
		"users":    {nil, NewInMemorySessionStore(), issuer},
		"sessions": {newMemoryUsers(), nil, issuer},
		"tokens":   {newMemoryUsers(), NewInMemorySessionStore(), nil},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			manager, err := NewManager(tc.users, tc.sessions, tc.tokens)
			if err == nil || manager != nil {
				t.Fatalf("expected error for missing %s, got manager=%v err=%v", name, manager, err)
			}
		})
	}
}

func TestAuthenticateReportsExpiry(t *testing.T) {
	users := newMemoryUsers()
	issuer := newTestIssuer(t)
	manager, err := NewManager(users, NewInMemorySessionStore(), issuer, WithPasswordHasher(fastHasher()))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	issuer.WithNowFunc(func() time.Time { return time.Now().Add(-3 * time.Hour) })
	token, _, err := issuer.IssueAccessToken(models.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	issuer.WithNowFunc(time.Now)

	if _, err := manager.Authenticate(context.Background(), token); !apperr.Is(err, apperr.KindExpired) {
		t.Fatalf("expected expired kind got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	f := newManagerFixture(t)

	cases := []struct {
		name string
		in   RegisterInput
		kind apperr.Kind
	}{
		{name: "short username", in: RegisterInput{Username: "al", Email: "al@example.com", Password: "long-enough"}, kind: apperr.KindValidation},
		{name: "bad username", in: RegisterInput{Username: "bob smith", Email: "bob@example.com", Password: "long-enough"}, kind: apperr.KindValidation},
		{name: "bad email", in: RegisterInput{Username: "bob", Email: "not-an-email", Password: "long-enough"}, kind: apperr.KindValidation},
		{name: "short password", in: RegisterInput{Username: "bob", Email: "bob@example.com", Password: "short"}, kind: apperr.KindValidation},
		{name: "duplicate username", in: RegisterInput{Username: "alice", Email: "other@example.com", Password: "long-enough"}, kind: apperr.KindConflict},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.manager.Register(context.Background(), tc.in)
			if !apperr.Is(err, tc.kind) {
				t.Fatalf("expected %v got %v", tc.kind, err)
			}
		})
	}

	user, err := f.manager.Register(context.Background(), RegisterInput{Username: "bob.smith", Email: "Bob@Example.com", Password: "long-enough"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.PasswordHash == "long-enough" || user.PasswordHash == "" {
		t.Fatal("expected password to be hashed")
	}
	if !user.IsActive {
		t.Fatal("expected new users to be active")
	}
}
