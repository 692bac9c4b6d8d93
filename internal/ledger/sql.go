package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/conquiguias/conquiguias/internal/attendance"
)

type dialect struct {
	schema string
	load   string
	insert string
	update string
}

var postgresDialect = dialect{
	schema: `
		CREATE TABLE IF NOT EXISTS attendance_ledgers (
			form_id    TEXT PRIMARY KEY,
			records    JSONB NOT NULL DEFAULT '[]'::jsonb,
			version    BIGINT NOT NULL,
			message    TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	load: `SELECT records, version FROM attendance_ledgers WHERE form_id = $1`,
	insert: `
		INSERT INTO attendance_ledgers (form_id, records, version, message, updated_at)
		VALUES ($1, $2::jsonb, 1, $3, NOW())
		ON CONFLICT (form_id) DO NOTHING`,
	update: `
		UPDATE attendance_ledgers
		SET records = $2::jsonb, version = version + 1, message = $3, updated_at = NOW()
		WHERE form_id = $1 AND version = $4`,
}

var sqliteDialect = dialect{
	schema: `
		CREATE TABLE IF NOT EXISTS attendance_ledgers (
			form_id    TEXT PRIMARY KEY,
			records    TEXT NOT NULL DEFAULT '[]',
			version    INTEGER NOT NULL,
			message    TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	load: `SELECT records, version FROM attendance_ledgers WHERE form_id = ?`,
	insert: `
		INSERT INTO attendance_ledgers (form_id, records, version, message, updated_at)
		VALUES (?, ?, 1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (form_id) DO NOTHING`,
	update: `
		UPDATE attendance_ledgers
		SET records = ?, version = version + 1, message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE form_id = ? AND version = ?`,
}

// SQLStore keeps one row per form with a version column as the token.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	sqlite  bool
}

// NewPostgresStore uses a pgx-backed *sql.DB.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: postgresDialect}
}

// NewSQLiteStore uses a modernc.org/sqlite *sql.DB.
func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: sqliteDialect, sqlite: true}
}

// EnsureSchema creates the ledger table if needed.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.dialect.schema)
	return err
}

// Load reads the form's row; no row is an empty snapshot.
func (s *SQLStore) Load(ctx context.Context, formID string) (attendance.Snapshot, error) {
	var (
		raw     []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.load, formID).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Snapshot{}, nil
	}
	if err != nil {
		return attendance.Snapshot{}, err
	}
	records, err := attendance.DecodeRecords(raw)
	if err != nil {
		return attendance.Snapshot{}, err
	}
	return attendance.Snapshot{Records: records, Token: strconv.FormatInt(version, 10)}, nil
}

// Save inserts the first version or updates the row only if its version still
// equals snap.Token.
func (s *SQLStore) Save(ctx context.Context, formID string, snap attendance.Snapshot, message string) error {
	data, err := attendance.EncodeRecords(snap.Records)
	if err != nil {
		return err
	}

	var res sql.Result
	if snap.Token == "" {
		res, err = s.db.ExecContext(ctx, s.dialect.insert, formID, string(data), message)
	} else {
		version, perr := strconv.ParseInt(snap.Token, 10, 64)
		if perr != nil {
			return fmt.Errorf("ledger: invalid token %q", snap.Token)
		}
		if s.sqlite {
			res, err = s.db.ExecContext(ctx, s.dialect.update, string(data), message, formID, version)
		} else {
			res, err = s.db.ExecContext(ctx, s.dialect.update, formID, string(data), message, version)
		}
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: form %s moved past version %q", attendance.ErrConflict, formID, snap.Token)
	}
	return nil
}
