package handlers

import (
	"math"
	"net"
	"net/http"
	"strings"
	"time"
)

// RateLimiter is the minimal interface required to guard sensitive endpoints.
type RateLimiter interface {
	Allow(key string) bool
}

// retryAdvisor is implemented by limiters that know when a key may retry.
type retryAdvisor interface {
	RetryAfter(key string) time.Duration
}

// allowRequest consumes a token for the caller in scope. When denied it also
// returns the advised wait in whole seconds, or fallback if the limiter
// cannot tell.
func allowRequest(limiter RateLimiter, r *http.Request, scope string, fallback int) (bool, int) {
	if limiter == nil {
		return true, 0
	}
	key := rateLimitKey(r, scope)
	if limiter.Allow(key) {
		return true, 0
	}
	if advisor, ok := limiter.(retryAdvisor); ok {
		if wait := advisor.RetryAfter(key); wait > 0 {
			return false, int(math.Ceil(wait.Seconds()))
		}
	}
	return false, fallback
}

func rateLimitKey(r *http.Request, scope string) string {
	ip := clientIP(r)
	if scope == "" {
		return ip
	}
	return scope + ":" + ip
}

// clientIP prefers proxy headers, first X-Forwarded-For then X-Real-IP, and
// falls back to the socket address.
func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
