// Package profile stores the personal details shown in a member's panel.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("profile not found")

// Profile is the per-user document.
type Profile struct {
	UID             string     `json:"uid"`
	Nombre          string     `json:"nombre"`
	Apellido        string     `json:"apellido"`
	Edad            string     `json:"edad"`
	Sexo            string     `json:"sexo"`
	Pais            string     `json:"pais"`
	Email           string     `json:"email"`
	FotoURL         *string    `json:"fotoURL"`
	FotoDeleteToken *string    `json:"-"`
	EmailVerificado bool       `json:"emailVerificado"`
	Creado          time.Time  `json:"creado"`
	Actualizado     *time.Time `json:"actualizado,omitempty"`
}

// Update holds editable fields. Photo fields change only when FotoURL is set.
type Update struct {
	Nombre          string
	Apellido        string
	Edad            string
	Sexo            string
	Pais            string
	FotoURL         *string
	FotoDeleteToken *string
}

// Store keeps profiles in Postgres.
type Store struct {
	db *sql.DB
}

// NewStore creates a profile store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the profile of uid.
func (s *Store) Get(ctx context.Context, uid string) (Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, nombre, apellido, edad, sexo, pais, email, foto_url, foto_delete_token,
		       email_verificado, creado, actualizado
		FROM profiles WHERE uid = $1`, uid).Scan(
		&p.UID, &p.Nombre, &p.Apellido, &p.Edad, &p.Sexo, &p.Pais, &p.Email,
		&p.FotoURL, &p.FotoDeleteToken, &p.EmailVerificado, &p.Creado, &p.Actualizado)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("get profile %s: %w", uid, err)
	}
	return p, nil
}

// Set creates the profile; creado is stamped by the database.
func (s *Store) Set(ctx context.Context, p Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (uid, nombre, apellido, edad, sexo, pais, email, foto_url, foto_delete_token, email_verificado, creado)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (uid) DO UPDATE SET
			nombre = EXCLUDED.nombre, apellido = EXCLUDED.apellido, edad = EXCLUDED.edad,
			sexo = EXCLUDED.sexo, pais = EXCLUDED.pais, email = EXCLUDED.email,
			foto_url = EXCLUDED.foto_url, foto_delete_token = EXCLUDED.foto_delete_token,
			email_verificado = EXCLUDED.email_verificado`,
		p.UID, p.Nombre, p.Apellido, p.Edad, p.Sexo, p.Pais, p.Email, p.FotoURL, p.FotoDeleteToken, p.EmailVerificado)
	if err != nil {
		return fmt.Errorf("set profile %s: %w", p.UID, err)
	}
	return nil
}

// Update changes the editable fields and stamps actualizado.
func (s *Store) Update(ctx context.Context, uid string, u Update) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET
			nombre = $2, apellido = $3, edad = $4, sexo = $5, pais = $6,
			foto_url = COALESCE($7, foto_url),
			foto_delete_token = CASE WHEN $7::text IS NULL THEN foto_delete_token ELSE $8 END,
			actualizado = NOW()
		WHERE uid = $1`,
		uid, u.Nombre, u.Apellido, u.Edad, u.Sexo, u.Pais, u.FotoURL, u.FotoDeleteToken)
	if err != nil {
		return fmt.Errorf("update profile %s: %w", uid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEmailVerified mirrors the account's verification flag.
func (s *Store) SetEmailVerified(ctx context.Context, uid string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE profiles SET email_verificado = TRUE, actualizado = NOW() WHERE uid = $1`, uid)
	return err
}
