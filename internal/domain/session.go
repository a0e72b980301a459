package domain

import "time"

// Session is an authenticated client session issued after OTP verification.
// Tokens are opaque and carried on every control-plane request.
type Session struct {
	// Token is the opaque session token.
	Token string `json:"token"`

	// UserID is the authenticated user.
	UserID string `json:"user_id"`

	// TenantID scopes all operations made with this session.
	TenantID string `json:"tenant_id"`

	// IssuedAt is when the session was created.
	IssuedAt time.Time `json:"issued_at"`

	// ExpiresAt is when the session stops being accepted. There is no silent
	// renewal; expired sessions require re-authentication.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
