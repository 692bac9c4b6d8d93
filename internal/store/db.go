package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &DB{Client: db}, db.PingContext(context.Background())
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	uid            TEXT PRIMARY KEY,
	email          TEXT UNIQUE NOT NULL,
	password_hash  TEXT NOT NULL,
	display_name   TEXT NOT NULL DEFAULT '',
	photo_url      TEXT NOT NULL DEFAULT '',
	email_verified BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS profiles (
	uid               TEXT PRIMARY KEY REFERENCES users(uid) ON DELETE CASCADE,
	nombre            TEXT NOT NULL DEFAULT '',
	apellido          TEXT NOT NULL DEFAULT '',
	edad              TEXT NOT NULL DEFAULT '',
	sexo              TEXT NOT NULL DEFAULT '',
	pais              TEXT NOT NULL DEFAULT '',
	email             TEXT NOT NULL DEFAULT '',
	foto_url          TEXT,
	foto_delete_token TEXT,
	email_verificado  BOOLEAN NOT NULL DEFAULT FALSE,
	creado            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	actualizado       TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS posts (
	id                TEXT PRIMARY KEY,
	author_uid        TEXT NOT NULL,
	title             TEXT NOT NULL,
	body              TEXT NOT NULL DEFAULT '',
	image_url         TEXT NOT NULL DEFAULT '',
	image_delete_hash TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'pending',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	moderated_by      TEXT,
	moderated_at      TIMESTAMPTZ,
	moderation_reason TEXT
);

CREATE INDEX IF NOT EXISTS idx_posts_status_created ON posts(status, created_at);
`

// Migrate creates the user, profile and post tables.
func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.Client.ExecContext(ctx, schema)
	return err
}

// Healthy pings the database.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
