package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/prn-tf/bluetap/internal/domain"
)

// SessionKey is the context key carrying the authenticated session.
const SessionKey contextKey = "session"

// TokenValidator resolves bearer tokens to sessions. *auth.Manager
// satisfies it.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*domain.Session, error)
}

// SessionAuth authenticates object and auth routes with bearer session
// tokens minted by the OTP flow.
type SessionAuth struct {
	validator TokenValidator
	logger    zerolog.Logger
}

// NewSessionAuth creates the session auth middleware.
func NewSessionAuth(validator TokenValidator, logger zerolog.Logger) *SessionAuth {
	return &SessionAuth{
		validator: validator,
		logger:    logger.With().Str("component", "session_auth").Logger(),
	}
}

// Middleware rejects requests without a valid session and stores the session
// in the request context for tenant scoping downstream.
func (s *SessionAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		session, err := s.validator.ValidateToken(r.Context(), token)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "invalid_session")
			return
		}

		ctx := context.WithValue(r.Context(), SessionKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SessionFrom extracts the authenticated session from a request context.
func SessionFrom(ctx context.Context) (*domain.Session, bool) {
	session, ok := ctx.Value(SessionKey).(*domain.Session)
	return session, ok
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// AdminTokenHeader authorizes administrative cluster operations.
const AdminTokenHeader = "X-Bluetap-Admin-Token"

// AdminAuth gates administrative routes on a shared token. An empty
// configured token disables the check, which is only acceptable for local
// development.
type AdminAuth struct {
	token  string
	logger zerolog.Logger
}

// NewAdminAuth creates the admin auth middleware.
func NewAdminAuth(token string, logger zerolog.Logger) *AdminAuth {
	a := &AdminAuth{
		token:  token,
		logger: logger.With().Str("component", "admin_auth").Logger(),
	}
	if token == "" {
		a.logger.Warn().Msg("admin token not configured, admin routes are open")
	}
	return a
}

// Middleware rejects requests without the admin token.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token != "" {
			presented := r.Header.Get(AdminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(a.token)) != 1 {
				a.logger.Warn().Str("path", r.URL.Path).Msg("admin token rejected")
				writeAuthError(w, http.StatusForbidden, "forbidden")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
