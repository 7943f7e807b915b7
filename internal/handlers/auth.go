package handlers

import (
	"net/http"
	"strconv"

	"github.com/hearth/backend/internal/apperr"
	"github.com/hearth/backend/internal/auth"
	"github.com/hearth/backend/internal/logging"
	"github.com/hearth/backend/internal/models"
)

var errRateLimited = apperr.New(apperr.KindRateLimited, "too many requests, try again later")

// AuthHandler implements the /auth endpoints.
type AuthHandler struct {
	Sessions SessionService
	Limiter  RateLimiter
	// RetryAfter is advertised in seconds when the limiter cannot compute a wait.
	RetryAfter  int
	DebugErrors bool
}

// Login handles POST /auth/login.
func (h AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.allow(w, r, "login") {
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(ctx, w, err, h.DebugErrors)
		return
	}

	result, err := h.Sessions.Login(ctx, auth.LoginInput{
		Username:  req.Username,
		Password:  req.Password,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		logging.FromContext(ctx).Warn("login failed", "username", req.Username, "error", err)
		writeError(ctx, w, err, h.DebugErrors)
		return
	}

	respondJSON(ctx, w, http.StatusOK, loginResponse{
		AccessToken:  result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
		User:         result.User,
	})
}

// Refresh handles POST /auth/refresh. Only JSON bodies are accepted.
func (h AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contentType := r.Header.Get("Content-Type")

	var req refreshRequest
	if auth.IsJSONContentType(contentType) {
		if err := decodeJSON(r, &req); err != nil {
			writeError(ctx, w, err, h.DebugErrors)
			return
		}
	}

	tokens, err := h.Sessions.Refresh(ctx, auth.RefreshInput{RefreshToken: req.RefreshToken, ContentType: contentType})
	if err != nil {
		logging.FromContext(ctx).Warn("refresh failed", "error", err)
		writeError(ctx, w, err, h.DebugErrors)
		return
	}

	respondJSON(ctx, w, http.StatusOK, tokens)
}

// Logout handles POST /auth/logout for the authenticated caller.
func (h AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		writeError(ctx, w, auth.ErrInvalidSignature, h.DebugErrors)
		return
	}

	if err := h.Sessions.Logout(ctx, claims.UserID); err != nil {
		writeError(ctx, w, err, h.DebugErrors)
		return
	}
	logging.FromContext(ctx).Info("user logged out", "userId", claims.UserID)
	respondJSON(ctx, w, http.StatusOK, messageResponse{Message: "logged out"})
}

// Register handles POST /auth/register. Accounts created here are never admins.
func (h AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.allow(w, r, "register") {
		return
	}

	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(ctx, w, err, h.DebugErrors)
		return
	}

	user, err := h.Sessions.Register(ctx, auth.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		writeError(ctx, w, err, h.DebugErrors)
		return
	}

	logging.FromContext(ctx).Info("user registered", "userId", user.ID, "username", user.Username)
	respondJSON(ctx, w, http.StatusCreated, registerResponse{Message: "user registered", UserID: user.ID})
}

func (h AuthHandler) allow(w http.ResponseWriter, r *http.Request, scope string) bool {
	ok, retryAfter := allowRequest(h.Limiter, r, scope, h.RetryAfter)
	if ok {
		return true
	}
	logging.FromContext(r.Context()).Warn("rate limit exceeded", "scope", scope, "client", clientIP(r))
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	writeError(r.Context(), w, errRateLimited, h.DebugErrors)
	return false
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string             `json:"accessToken"`
	RefreshToken string             `json:"refreshToken"`
	User         models.UserSummary `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerResponse struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

type messageResponse struct {
	Message string `json:"message"`
}
