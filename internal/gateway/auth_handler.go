package gateway

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/bluetap/internal/auth"
	"github.com/prn-tf/bluetap/internal/middleware"
)

// AuthHandler serves the two-step login flow and logout.
type AuthHandler struct {
	manager *auth.Manager
	logger  zerolog.Logger
}

// NewAuthHandler creates the auth handler.
func NewAuthHandler(manager *auth.Manager, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		manager: manager,
		logger:  logger.With().Str("handler", "auth").Logger(),
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type verifyRequest struct {
	Username string `json:"username"`
	Code     string `json:"code"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles POST /v1/auth/login. Success means a one-time code is on its
// way; no session exists yet.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}

	if err := h.manager.Login(r.Context(), req.Username, req.Password); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "otp_required"})
}

// VerifyOTP handles POST /v1/auth/otp/verify and mints the session.
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}

	session, err := h.manager.VerifyOTP(r.Context(), req.Username, req.Code)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     session.Token,
		UserID:    session.UserID,
		TenantID:  session.TenantID,
		ExpiresAt: session.ExpiresAt,
	})
}

// Logout handles POST /v1/auth/logout. Runs behind session auth, so the
// token in the Authorization header is the one revoked.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.SessionFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_session"})
		return
	}

	if err := h.manager.Logout(r.Context(), session.Token); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}
