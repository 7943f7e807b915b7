package models

import "time"

// User represents an account of a household member.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	IsAdmin      bool
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserSummary is the public view of a user returned after login.
type UserSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

// Summary returns the public view of the user.
func (u User) Summary() UserSummary {
	return UserSummary{ID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin}
}

// FileRecord maps a stored object to the people who exchanged it.
type FileRecord struct {
	ID          string
	Sender      string
	Receiver    string
	ContentHash string
	Filename    string
	Size        int64
	StoredPath  string
	CreatedAt   time.Time
}

// Session tracks a refresh token issued to a user. Only the SHA-256 of the
// token is stored.
type Session struct {
	ID               string
	UserID           string
	RefreshTokenHash string
	IPAddress        string
	UserAgent        string
	ExpiresAt        time.Time
	IsValid          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Active reports whether the session can still be exchanged for tokens.
func (s Session) Active(now time.Time) bool {
	return s.IsValid && now.Before(s.ExpiresAt)
}

// SessionTokens groups the bearer credentials issued to authenticated users.
type SessionTokens struct {
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"-"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"-"`
}
