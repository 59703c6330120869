package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	id "opsgate/pkg/domain"
	"opsgate/pkg/platform/sentinel"
)

// PostgresUserStore persists credential records in PostgreSQL.
type PostgresUserStore struct {
	db *sql.DB
}

// NewPostgresUserStore constructs a PostgreSQL-backed user store.
func NewPostgresUserStore(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

func (s *PostgresUserStore) Save(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, created_at)
		VALUES ($1, lower($2), $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			password_hash = EXCLUDED.password_hash
	`, uuid.UUID(user.ID), user.Email, user.DisplayName, user.PasswordHash, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) FindByID(ctx context.Context, userID id.UserID) (User, error) {
	return s.findOne(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM users WHERE id = $1
	`, uuid.UUID(userID))
}

func (s *PostgresUserStore) FindByEmail(ctx context.Context, email string) (User, error) {
	return s.findOne(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM users WHERE email = lower($1)
	`, email)
}

func (s *PostgresUserStore) findOne(ctx context.Context, query string, arg any) (User, error) {
	var user User
	var rawID uuid.UUID
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&rawID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, sentinel.ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("find user: %w", err)
	}
	user.ID = id.UserID(rawID)
	return user, nil
}

// Schema creates the users table when it does not exist yet.
func Schema(ctx context.Context, db *sql.DB) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			password_hash BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create users schema: %w", err)
	}
	return nil
}
