// Package postgres provides the user directory on PostgreSQL, sharing the
// metadata store's connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prn-tf/bluetap/internal/auth"
	"github.com/prn-tf/bluetap/internal/domain"
)

// Users implements auth.UserStore on a pgx connection pool.
type Users struct {
	pool *pgxpool.Pool
}

var _ auth.UserStore = (*Users)(nil)

// NewUsers creates the user directory and bootstraps its schema.
func NewUsers(ctx context.Context, pool *pgxpool.Pool) (*Users, error) {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			user_id       TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL,
			username      TEXT NOT NULL UNIQUE,
			email         TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL
		)
	`
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize users schema: %w", err)
	}
	return &Users{pool: pool}, nil
}

// Create inserts a new user account.
func (u *Users) Create(ctx context.Context, user *domain.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := u.pool.Exec(ctx, `
		INSERT INTO users (user_id, tenant_id, username, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.TenantID, user.Username, user.Email, user.PasswordHash, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrUserAlreadyExists, user.Username)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetByUsername resolves a user account.
func (u *Users) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	user := &domain.User{}
	err := u.pool.QueryRow(ctx, `
		SELECT user_id, tenant_id, username, email, password_hash, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(
		&user.ID,
		&user.TenantID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}
	return user, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
