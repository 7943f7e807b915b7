package auth

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hearth/backend/internal/metrics"
	"github.com/hearth/backend/internal/models"
)

func TestSweeperRemovesExpiredAndInvalidSessions(t *testing.T) {
	store := NewInMemorySessionStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.CreateSession(ctx, models.Session{ID: "old", UserID: "u1", RefreshTokenHash: "a", ExpiresAt: now.Add(time.Hour), CreatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateSession(ctx, models.Session{ID: "current", UserID: "u1", RefreshTokenHash: "b", ExpiresAt: now.Add(time.Hour), CreatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateSession(ctx, models.Session{ID: "expired", UserID: "u2", RefreshTokenHash: "c", ExpiresAt: now.Add(-time.Minute), CreatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}

	m := metrics.New(prometheus.NewRegistry())
	sweeper := NewSweeper(store, time.Hour, nil, m)

	if removed := sweeper.SweepOnce(ctx); removed != 2 {
		t.Fatalf("expected 2 removed got %d", removed)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one remaining session got %d", store.Len())
	}
	if got := testutil.ToFloat64(m.SessionsSwept); got != 2 {
		t.Fatalf("expected swept counter 2 got %v", got)
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	store := NewInMemorySessionStore()
	sweeper := NewSweeper(store, 10*time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
