package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/smolin/medvault/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *SQLite {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE kv (
  k TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  value TEXT NOT NULL
);
`)
	require.NoError(t, err)

	return NewSQLite(db)
}

func TestSQLite_TypedRoundTrips(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	require.NoError(t, s.SetString(ctx, "s", "hello"))
	require.NoError(t, s.SetInt64(ctx, "i", -42))
	require.NoError(t, s.SetFloat64(ctx, "f", 2.75))
	require.NoError(t, s.SetBool(ctx, "b", true))

	gs, err := s.GetString(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "hello", gs)

	gi, err := s.GetInt64(ctx, "i")
	require.NoError(t, err)
	assert.Equal(t, int64(-42), gi)

	gf, err := s.GetFloat64(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, 2.75, gf)

	gb, err := s.GetBool(ctx, "b")
	require.NoError(t, err)
	assert.True(t, gb)
}

func TestSQLite_MissingKey(t *testing.T) {
	s := setupDB(t)

	_, err := s.GetString(context.Background(), "nope")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestSQLite_KindMismatch(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	require.NoError(t, s.SetInt64(ctx, "k", 7))
	_, err := s.GetString(ctx, "k")
	require.Error(t, err)
	assert.False(t, errors.Is(err, common.ErrNotFound))
}

func TestSQLite_OverwriteChangesKind(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	require.NoError(t, s.SetString(ctx, "k", "text"))
	require.NoError(t, s.SetBool(ctx, "k", false))

	v, err := s.GetBool(ctx, "k")
	require.NoError(t, err)
	assert.False(t, v)
}

func TestSQLite_RemoveAndKeys(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	require.NoError(t, s.SetString(ctx, "a", "1"))
	require.NoError(t, s.SetString(ctx, "b", "2"))

	keys, err := s.GetAllKeys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	require.NoError(t, s.Remove(ctx, "a"))
	// removing twice is not an error
	require.NoError(t, s.Remove(ctx, "a"))

	keys, err = s.GetAllKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)

	_, err = s.GetString(ctx, "a")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestOpenSQLite_AppliesMigrations(t *testing.T) {
	ctx := context.Background()
	s, db, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, s.SetString(ctx, "migrated", "yes"))
	v, err := s.GetString(ctx, "migrated")
	require.NoError(t, err)
	assert.Equal(t, "yes", v)
}
