package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, dir, name string, data map[string]any) string {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	if name == "" {
		name = "cfg.json"
	}
	path := filepath.Join(dir, name)
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func Test_parseJson_SourcesAndPrecedence(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	dir := t.TempDir()
	pathFlag := writeTempJSON(t, dir, "flag.json", map[string]any{
		"namespace":             "clinic",
		"remote_backend":        "postgres",
		"postgres_dsn":          "postgres://u:p@db:5432/meds",
		"default_ttl":           "10m",
		"online_check_interval": "10s",
		"sensitive_fields":      []string{"dosage"},
	})

	t.Run("loads from flags", func(t *testing.T) {
		os.Args = []string{"testbin", "-config", pathFlag}

		cfg := &Config{}
		cfg.LoadDefaults()
		parseJson(cfg)

		assert.Equal(t, "clinic", cfg.Namespace)
		assert.Equal(t, RemotePostgres, cfg.RemoteBackend)
		assert.Equal(t, "postgres://u:p@db:5432/meds", cfg.PostgresDSN)
		assert.Equal(t, 10*time.Minute, cfg.DefaultTTL)
		assert.Equal(t, 10*time.Second, cfg.OnlineCheckInterval)
		assert.Equal(t, []string{"dosage"}, cfg.SensitiveFields)
	})

	t.Run("absent fields keep defaults", func(t *testing.T) {
		partial := writeTempJSON(t, dir, "partial.json", map[string]any{
			"namespace": "clinic",
		})
		os.Args = []string{"testbin", "-config", partial}

		cfg := &Config{}
		cfg.LoadDefaults()
		parseJson(cfg)

		assert.Equal(t, "clinic", cfg.Namespace)
		assert.Equal(t, "file:medvault.db", cfg.LocalDSN)
		assert.Equal(t, 5*time.Minute, cfg.DefaultTTL)
		assert.Contains(t, cfg.SensitiveFields, "notes")
	})

	t.Run("no config flag means no changes", func(t *testing.T) {
		os.Args = []string{"testbin"}

		cfg := &Config{Namespace: "untouched", DefaultTTL: 42 * time.Second}
		parseJson(cfg)

		assert.Equal(t, "untouched", cfg.Namespace)
		assert.Equal(t, 42*time.Second, cfg.DefaultTTL)
	})

	t.Run("invalid JSON panics", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`{ this is not valid json`), 0o600))

		os.Args = []string{"testbin", "-config", bad}

		cfg := &Config{}
		require.Panics(t, func() { parseJson(cfg) })
	})
}
