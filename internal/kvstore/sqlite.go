package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/pressly/goose/v3"
	"github.com/smolin/medvault/internal/common"
	"github.com/smolin/medvault/internal/dbx"
	"github.com/smolin/medvault/internal/kvstore/migrations"
)

// SQLite implements KV over a single type-tagged table, bound to a
// dbx.DBTX (*sql.DB or *sql.Tx).
type SQLite struct {
	db dbx.DBTX
}

// NewSQLite returns a store bound to the given DBTX. Run migrations
// with RunMigrations before first use.
func NewSQLite(db dbx.DBTX) *SQLite {
	return &SQLite{db: db}
}

// OpenSQLite opens the sqlite database at dsn, applies migrations and
// returns a ready store together with the underlying handle.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, *sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return NewSQLite(db), db, nil
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	return goose.UpContext(ctx, db, ".")
}

func (s *SQLite) get(ctx context.Context, key, wantKind string) (string, error) {
	var kind, value string
	row := s.db.QueryRowContext(ctx, `SELECT kind, value FROM kv WHERE k=?`, key)
	if err := row.Scan(&kind, &value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", common.ErrNotFound
		}
		return "", fmt.Errorf("kv read %s: %w", key, err)
	}
	if kind != wantKind {
		return "", fmt.Errorf("kv key %s holds %s, want %s", key, kind, wantKind)
	}
	return value, nil
}

func (s *SQLite) set(ctx context.Context, key, kind, value string) error {
	query := `INSERT INTO kv (k, kind, value) VALUES (?, ?, ?)
		ON CONFLICT(k) DO UPDATE SET kind = excluded.kind, value = excluded.value`
	if _, err := s.db.ExecContext(ctx, query, key, kind, value); err != nil {
		return fmt.Errorf("kv write %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) GetString(ctx context.Context, key string) (string, error) {
	return s.get(ctx, key, kindString)
}

func (s *SQLite) GetInt64(ctx context.Context, key string) (int64, error) {
	v, err := s.get(ctx, key, kindInt)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (s *SQLite) GetFloat64(ctx context.Context, key string) (float64, error) {
	v, err := s.get(ctx, key, kindFloat)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(v, 64)
}

func (s *SQLite) GetBool(ctx context.Context, key string) (bool, error) {
	v, err := s.get(ctx, key, kindBool)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(v)
}

func (s *SQLite) SetString(ctx context.Context, key, value string) error {
	return s.set(ctx, key, kindString, value)
}

func (s *SQLite) SetInt64(ctx context.Context, key string, value int64) error {
	return s.set(ctx, key, kindInt, strconv.FormatInt(value, 10))
}

func (s *SQLite) SetFloat64(ctx context.Context, key string, value float64) error {
	return s.set(ctx, key, kindFloat, strconv.FormatFloat(value, 'g', -1, 64))
}

func (s *SQLite) SetBool(ctx context.Context, key string, value bool) error {
	return s.set(ctx, key, kindBool, strconv.FormatBool(value))
}

func (s *SQLite) Contains(ctx context.Context, key string) (bool, error) {
	var one int
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM kv WHERE k=?`, key)
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("kv contains %s: %w", key, err)
	}
	return true, nil
}

func (s *SQLite) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE k=?`, key); err != nil {
		return fmt.Errorf("kv remove %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) GetAllKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT k FROM kv`)
	if err != nil {
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
