package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hearth/backend/internal/auth"
	"github.com/hearth/backend/internal/logging"
	"github.com/hearth/backend/internal/metrics"
)

type stubVerifier struct {
	claims auth.AccessClaims
	err    error
}

func (s stubVerifier) Authenticate(context.Context, string) (auth.AccessClaims, error) {
	return s.claims, s.err
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestAuthenticateStoresClaims(t *testing.T) {
	verifier := stubVerifier{claims: auth.AccessClaims{UserID: "u1", Username: "alice"}}
	var seen auth.AccessClaims
	handler := Authenticate(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/files/alice", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d got %d", http.StatusNoContent, rec.Code)
	}
	if seen.Username != "alice" {
		t.Fatalf("expected claims on context, got %+v", seen)
	}
}

func TestAuthenticateDistinguishesExpiry(t *testing.T) {
	cases := []struct {
		name   string
		header string
		err    error
		status int
		code   string
	}{
		{name: "missing", header: "", status: http.StatusUnauthorized, code: "INVALID_TOKEN"},
		{name: "expired", header: "Bearer x", err: auth.ErrTokenExpired, status: http.StatusUnauthorized, code: "TOKEN_EXPIRED"},
		{name: "bad signature", header: "Bearer x", err: auth.ErrInvalidSignature, status: http.StatusUnauthorized, code: "INVALID_TOKEN"},
		{name: "malformed", header: "bearer x", err: auth.ErrMalformedToken, status: http.StatusUnauthorized, code: "INVALID_TOKEN"},
		{name: "backend failure", header: "Bearer x", err: errors.New("redis down"), status: http.StatusInternalServerError, code: "INTERNAL_ERROR"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := Authenticate(stubVerifier{err: tc.err})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not run")
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.status {
				t.Fatalf("expected status %d got %d", tc.status, rec.Code)
			}
			if body := decodeError(t, rec); body["code"] != tc.code {
				t.Fatalf("expected code %s got %v", tc.code, body)
			}
		})
	}
}

func TestBearerTokenFromQueryOnlyForUpgrades(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil)
	if got := BearerToken(req); got != "" {
		t.Fatalf("expected query token to be ignored, got %q", got)
	}
	req.Header.Set("Upgrade", "websocket")
	if got := BearerToken(req); got != "abc" {
		t.Fatalf("expected query token on upgrade, got %q", got)
	}
}

func TestRequireAdmin(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req := httptest.NewRequest(http.MethodDelete, "/admin/files/x", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), auth.AccessClaims{Username: "bob"}))
	rec := httptest.NewRecorder()
	RequireAdmin(ok).ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status %d got %d", http.StatusForbidden, rec.Code)
	}

	req = req.WithContext(auth.WithClaims(req.Context(), auth.AccessClaims{Username: "root", IsAdmin: true}))
	rec = httptest.NewRecorder()
	RequireAdmin(ok).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d got %d", http.StatusOK, rec.Code)
	}
}

func TestRequestLoggerPropagatesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var seen string
	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "req-123" {
		t.Fatalf("expected request id on context, got %q", seen)
	}
	if rec.Header().Get(RequestIDHeader) != "req-123" {
		t.Fatalf("expected request id echoed, got %q", rec.Header().Get(RequestIDHeader))
	}
	if !strings.Contains(buf.String(), `"status":202`) {
		t.Fatalf("expected completion log with status, got %s", buf.String())
	}
}

func TestRequestLoggerRecoversPanics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	handler := RequestLogger(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d got %d", http.StatusInternalServerError, rec.Code)
	}
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	router := chi.NewRouter()
	router.Use(Metrics(m))
	router.Get("/files/{receiver}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, user := range []string{"alice", "bob"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/"+user, nil))
	}

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "/files/{receiver}", "200")); got != 2 {
		t.Fatalf("expected 2 requests for the pattern got %v", got)
	}
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewKeyedRateLimiter(1, time.Minute, 2, time.Minute)

	if !limiter.Allow("login:1.2.3.4") || !limiter.Allow("login:1.2.3.4") {
		t.Fatal("expected burst to be allowed")
	}
	if limiter.Allow("login:1.2.3.4") {
		t.Fatal("expected third request to be limited")
	}
	if !limiter.Allow("login:5.6.7.8") {
		t.Fatal("expected other keys to be unaffected")
	}
}

func TestRateLimiterRefillsWithInjectedClock(t *testing.T) {
	limiter := NewKeyedRateLimiter(1, time.Minute, 1, time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.WithNowFunc(func() time.Time { return now })

	if !limiter.Allow("k") {
		t.Fatal("expected first request to pass")
	}
	if limiter.Allow("k") {
		t.Fatal("expected second request to be limited")
	}
	if wait := limiter.RetryAfter("k"); wait < 59*time.Second || wait > 61*time.Second {
		t.Fatalf("expected retry after about a minute, got %s", wait)
	}

	now = now.Add(2 * time.Minute)
	if wait := limiter.RetryAfter("k"); wait != 0 {
		t.Fatalf("expected token to be available, got wait %s", wait)
	}
	if !limiter.Allow("k") {
		t.Fatal("expected request after refill to pass")
	}
}

func TestRateLimiterForgetsIdleVisitors(t *testing.T) {
	limiter := NewKeyedRateLimiter(1, time.Hour, 1, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.WithNowFunc(func() time.Time { return now })

	if !limiter.Allow("k") {
		t.Fatal("expected first request to pass")
	}

	now = now.Add(2 * time.Minute)
	limiter.Allow("other")
	limiter.mu.Lock()
	_, tracked := limiter.visitors["k"]
	limiter.mu.Unlock()
	if tracked {
		t.Fatal("expected idle visitor to be collected")
	}
	if limiter.RetryAfter("k") != 0 {
		t.Fatal("expected forgotten key to have no wait")
	}
}
