// Package auth implements login with one-time codes and session tokens.
// Passwords gate OTP issuance; a verified OTP mints a session whose lifetime
// lives entirely in a TTL keyspace, so expiry needs no sweeper.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/bluetap/internal/config"
	"github.com/prn-tf/bluetap/internal/domain"
	"github.com/prn-tf/bluetap/internal/metrics"
)

// ErrKeyNotFound is returned by Store implementations on a miss, including
// keys that have expired.
var ErrKeyNotFound = errors.New("key not found")

// Store is the TTL keyspace holding pending OTPs and live sessions. Entries
// vanish when their TTL elapses.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// UserStore resolves user accounts for the password check.
type UserStore interface {
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
}

// NotificationSender delivers one-time codes out of band. The production
// sender (email, SMS) is an external collaborator; LogSender stands in for
// development and tests.
type NotificationSender interface {
	SendOTP(ctx context.Context, user *domain.User, code string) error
}

// LogSender writes the code to the log instead of delivering it.
// Development only.
type LogSender struct {
	Logger zerolog.Logger
}

// SendOTP logs the code.
func (s LogSender) SendOTP(ctx context.Context, user *domain.User, code string) error {
	s.Logger.Info().
		Str("username", user.Username).
		Str("code", code).
		Msg("one-time code issued (log delivery)")
	return nil
}

const (
	prefixOTP     = "otp:"
	prefixSession = "session:"

	codeDigits = 6
	codeSpace  = 1000000
)

// otpRecord is what sits behind an otp: key. The code itself is never
// stored, only its hash.
type otpRecord struct {
	CodeHash string    `json:"code_hash"`
	UserID   string    `json:"user_id"`
	TenantID string    `json:"tenant_id"`
	IssuedAt time.Time `json:"issued_at"`
}

// Manager drives the two-step login flow and owns the session keyspace.
type Manager struct {
	users   UserStore
	store   Store
	sender  NotificationSender
	cfg     config.AuthConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Options configures a Manager.
type Options struct {
	Users   UserStore
	Store   Store
	Sender  NotificationSender
	Config  config.AuthConfig
	Metrics *metrics.Metrics
	Logger  zerolog.Logger

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	cfg := opts.Config
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = 5 * time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	return &Manager{
		users:   opts.Users,
		store:   opts.Store,
		sender:  opts.Sender,
		cfg:     cfg,
		logger:  opts.Logger.With().Str("component", "auth").Logger(),
		metrics: opts.Metrics,
		now:     now,
	}
}

// Login verifies the password and, on success, issues a one-time code to the
// user's registered channel. An unknown user and a wrong password are
// indistinguishable to the caller.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	user, err := m.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			m.recordAttempt("login", false, "unknown_user")
			return domain.ErrInvalidCredentials
		}
		return err
	}

	if !constantTimeEqual(hashSecret(password), user.PasswordHash) {
		m.recordAttempt("login", false, "bad_password")
		return domain.ErrInvalidCredentials
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("failed to generate one-time code: %w", err)
	}

	record := otpRecord{
		CodeHash: hashSecret(code),
		UserID:   user.ID,
		TenantID: user.TenantID,
		IssuedAt: m.now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal otp record: %w", err)
	}
	if err := m.store.Set(ctx, prefixOTP+username, payload, m.cfg.OTPTTL); err != nil {
		return fmt.Errorf("failed to store one-time code: %w", err)
	}

	if err := m.sender.SendOTP(ctx, user, code); err != nil {
		// The code is already stored; the user can retry delivery by logging
		// in again, which overwrites it.
		m.logger.Error().Err(err).Str("username", username).Msg("failed to deliver one-time code")
		return fmt.Errorf("failed to deliver one-time code: %w", err)
	}

	m.recordAttempt("login", true, "")
	if m.metrics != nil {
		m.metrics.OTPIssuedTotal.Inc()
	}
	m.logger.Info().Str("username", username).Msg("one-time code issued")
	return nil
}

// VerifyOTP consumes a pending one-time code and mints a session. The code
// is single use: a successful verification deletes it. A wrong code leaves
// the pending code in place until its TTL elapses.
func (m *Manager) VerifyOTP(ctx context.Context, username, code string) (*domain.Session, error) {
	key := prefixOTP + username
	payload, err := m.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			m.recordAttempt("otp", false, "expired")
			return nil, domain.ErrCodeExpired
		}
		return nil, err
	}

	var record otpRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal otp record: %w", err)
	}

	if !constantTimeEqual(hashSecret(code), record.CodeHash) {
		m.recordAttempt("otp", false, "bad_code")
		return nil, domain.ErrInvalidCode
	}

	if err := m.store.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to consume one-time code: %w", err)
	}

	session := &domain.Session{
		Token:     uuid.NewString(),
		UserID:    record.UserID,
		TenantID:  record.TenantID,
		IssuedAt:  m.now().UTC(),
		ExpiresAt: m.now().UTC().Add(m.cfg.SessionTTL),
	}
	sessionPayload, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := m.store.Set(ctx, prefixSession+session.Token, sessionPayload, m.cfg.SessionTTL); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	m.recordAttempt("otp", true, "")
	if m.metrics != nil {
		m.metrics.SessionsIssued.Inc()
	}
	m.logger.Info().Str("username", username).Str("user_id", record.UserID).Msg("session issued")
	return session, nil
}

// ValidateToken resolves a session token. Unknown and expired tokens are
// indistinguishable.
func (m *Manager) ValidateToken(ctx context.Context, token string) (*domain.Session, error) {
	if token == "" {
		return nil, domain.ErrSessionExpired
	}

	payload, err := m.store.Get(ctx, prefixSession+token)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, domain.ErrSessionExpired
		}
		return nil, err
	}

	var session domain.Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if session.Expired(m.now()) {
		return nil, domain.ErrSessionExpired
	}
	return &session, nil
}

// Logout revokes a session. Revoking an unknown token succeeds.
func (m *Manager) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return m.store.Delete(ctx, prefixSession+token)
}

func (m *Manager) recordAttempt(method string, success bool, reason string) {
	if m.metrics != nil {
		m.metrics.RecordAuthAttempt(method, success, reason)
	}
}

// generateCode draws a uniformly random 6-digit code.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpace))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// HashPassword returns the stored form of a password.
func HashPassword(password string) string {
	return hashSecret(password)
}

func hashSecret(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
