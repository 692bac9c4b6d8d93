package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore keeps accounts in the users table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `uid, email, display_name, photo_url, email_verified, created_at`

func scanUser(row interface{ Scan(...any) error }, extra ...any) (User, error) {
	var u User
	dest := append([]any{&u.UID, &u.Email, &u.DisplayName, &u.PhotoURL, &u.EmailVerified, &u.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	return u, nil
}

func (s *PostgresStore) Insert(ctx context.Context, u User, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (uid, email, password_hash, display_name, photo_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		u.UID, u.Email, passwordHash, u.DisplayName, u.PhotoURL, u.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrEmailExists
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) ByID(ctx context.Context, uid string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE uid = $1`, uid)
	return scanUser(row)
}

func (s *PostgresStore) ByEmail(ctx context.Context, email string) (User, string, error) {
	var hash string
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+`, password_hash FROM users WHERE email = $1`, email)
	u, err := scanUser(row, &hash)
	return u, hash, err
}

func (s *PostgresStore) Update(ctx context.Context, uid string, upd UserUpdate) error {
	return s.exec(ctx, `
		UPDATE users SET
			display_name = COALESCE($2, display_name),
			photo_url    = COALESCE($3, photo_url),
			updated_at   = NOW()
		WHERE uid = $1`, uid, upd.DisplayName, upd.PhotoURL)
}

func (s *PostgresStore) SetEmailVerified(ctx context.Context, uid string) error {
	return s.exec(ctx, `UPDATE users SET email_verified = TRUE, updated_at = NOW() WHERE uid = $1`, uid)
}

func (s *PostgresStore) SetPasswordHash(ctx context.Context, uid, hash string) error {
	return s.exec(ctx, `UPDATE users SET password_hash = $2, updated_at = NOW() WHERE uid = $1`, uid, hash)
}

func (s *PostgresStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
