package domain

import "time"

// User is an account that can authenticate against the gateway. Objects are
// scoped to the user's tenant; the password hash is a hex-encoded SHA-256.
type User struct {
	ID           string
	TenantID     string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}
