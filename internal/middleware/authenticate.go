package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hearth/backend/internal/apperr"
	"github.com/hearth/backend/internal/auth"
	"github.com/hearth/backend/internal/logging"
)

// TokenVerifier validates bearer access tokens.
type TokenVerifier interface {
	Authenticate(ctx context.Context, accessToken string) (auth.AccessClaims, error)
}

// Authenticate rejects requests without a valid access token and stores the
// verified claims on the request context. WebSocket upgrades may pass the
// token in the "token" query parameter because browsers cannot set headers
// on them.
func Authenticate(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token := BearerToken(r)
			if token == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing bearer token", "INVALID_TOKEN")
				return
			}

			claims, err := verifier.Authenticate(ctx, token)
			if err != nil {
				logging.FromContext(ctx).Warn("access token rejected", "error", err)
				switch apperr.KindOf(err) {
				case apperr.KindExpired:
					writeJSONError(w, http.StatusUnauthorized, "access token expired", "TOKEN_EXPIRED")
				case apperr.KindAuth:
					writeJSONError(w, http.StatusUnauthorized, "invalid access token", "INVALID_TOKEN")
				default:
					writeJSONError(w, http.StatusInternalServerError, "unable to verify access token", "INTERNAL_ERROR")
				}
				return
			}

			logger := logging.FromContext(ctx).With("user", claims.Username)
			ctx = logging.WithLogger(auth.WithClaims(ctx, claims), logger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects authenticated callers without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token", "INVALID_TOKEN")
			return
		}
		if !claims.IsAdmin {
			writeJSONError(w, http.StatusForbidden, "admin role required", "FORBIDDEN")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BearerToken extracts the access token from the Authorization header, or
// from the query string on WebSocket upgrades.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="hearth"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
