package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationList records per-user cut-offs: access tokens issued at or
// before the cut-off are rejected until the entry expires.
type RevocationList interface {
	Revoke(ctx context.Context, userID string, at time.Time, ttl time.Duration) error
	RevokedAt(ctx context.Context, userID string) (time.Time, bool, error)
}

type revocation struct {
	at      time.Time
	expires time.Time
}

// MemoryRevocationList keeps cut-offs in process memory.
type MemoryRevocationList struct {
	mu      sync.Mutex
	entries map[string]revocation
	now     func() time.Time
}

// NewMemoryRevocationList returns an empty in-memory list.
func NewMemoryRevocationList() *MemoryRevocationList {
	return &MemoryRevocationList{entries: make(map[string]revocation), now: time.Now}
}

func (l *MemoryRevocationList) Revoke(_ context.Context, userID string, at time.Time, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[userID] = revocation{at: at, expires: l.now().Add(ttl)}
	return nil
}

func (l *MemoryRevocationList) RevokedAt(_ context.Context, userID string) (time.Time, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[userID]
	if !ok {
		return time.Time{}, false, nil
	}
	if !l.now().Before(entry.expires) {
		delete(l.entries, userID)
		return time.Time{}, false, nil
	}
	return entry.at, true, nil
}

const revocationKeyPrefix = "hearth:revoked:"

// RedisRevocationList shares cut-offs between instances through Redis keys
// that expire with the access token lifetime.
type RedisRevocationList struct {
	client *redis.Client
}

// NewRedisRevocationList wraps client.
func NewRedisRevocationList(client *redis.Client) *RedisRevocationList {
	return &RedisRevocationList{client: client}
}

func (l *RedisRevocationList) Revoke(ctx context.Context, userID string, at time.Time, ttl time.Duration) error {
	if err := l.client.Set(ctx, revocationKeyPrefix+userID, at.UnixMicro(), ttl).Err(); err != nil {
		return fmt.Errorf("record revocation: %w", err)
	}
	return nil
}

func (l *RedisRevocationList) RevokedAt(ctx context.Context, userID string) (time.Time, bool, error) {
	raw, err := l.client.Get(ctx, revocationKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read revocation: %w", err)
	}
	micros, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse revocation %q: %w", raw, err)
	}
	return time.UnixMicro(micros), true, nil
}
