package auth

import (
	"context"
	"sync"
	"time"

	"github.com/hearth/backend/internal/models"
)

// NewInMemorySessionStore returns a SessionStore backed by an in-memory map.
func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[string]models.Session)}
}

// InMemorySessionStore implements SessionStore for tests and local development.
type InMemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]models.Session
}

func (s *InMemorySessionStore) CreateSession(_ context.Context, session models.Session) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.sessions {
		if existing.UserID == session.UserID && existing.IsValid {
			existing.IsValid = false
			existing.UpdatedAt = session.CreatedAt
			s.sessions[id] = existing
		}
	}
	session.IsValid = true
	s.sessions[session.ID] = session
	return session, nil
}

func (s *InMemorySessionStore) FindValidByRefreshToken(_ context.Context, tokenHash string, now time.Time) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range s.sessions {
		if session.RefreshTokenHash == tokenHash && session.Active(now) {
			return session, nil
		}
	}
	return models.Session{}, ErrSessionNotFound
}

func (s *InMemorySessionStore) Rotate(_ context.Context, sessionID, oldHash, newHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok || !session.IsValid || session.RefreshTokenHash != oldHash {
		return ErrSessionNotFound
	}
	session.RefreshTokenHash = newHash
	session.ExpiresAt = expiresAt
	session.UpdatedAt = time.Now().UTC()
	s.sessions[sessionID] = session
	return nil
}

func (s *InMemorySessionStore) InvalidateAllForUser(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, session := range s.sessions {
		if session.UserID == userID && session.IsValid {
			session.IsValid = false
			session.UpdatedAt = time.Now().UTC()
			s.sessions[id] = session
			n++
		}
	}
	return n, nil
}

func (s *InMemorySessionStore) SweepExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, session := range s.sessions {
		if !session.Active(now) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// ValidCount returns the number of valid sessions for userID. Useful for tests.
func (s *InMemorySessionStore) ValidCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, session := range s.sessions {
		if session.UserID == userID && session.IsValid {
			n++
		}
	}
	return n
}

// Len returns the number of stored sessions, valid or not.
func (s *InMemorySessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
