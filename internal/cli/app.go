// Package cli implements the interactive medvault shell: wiring of the
// storage tiers from configuration plus a small REPL over the tiered
// store.
package cli

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/smolin/medvault/internal/common"
	"github.com/smolin/medvault/internal/config"
	"github.com/smolin/medvault/internal/conflict"
	"github.com/smolin/medvault/internal/fieldcrypt"
	"github.com/smolin/medvault/internal/keyring"
	"github.com/smolin/medvault/internal/kvstore"
	"github.com/smolin/medvault/internal/logging"
	"github.com/smolin/medvault/internal/querycache"
	"github.com/smolin/medvault/internal/remote"
	"github.com/smolin/medvault/internal/securestore"
	"github.com/smolin/medvault/internal/tiered"
	"github.com/smolin/medvault/internal/ttlcache"

	_ "modernc.org/sqlite"
)

// App owns the wired component graph for one CLI session.
type App struct {
	config    *config.Config
	log       logging.Logger
	facade    *tiered.Facade
	keys      *keyring.Manager
	conflicts *conflict.Tracker
	probe     *tiered.Probe
	db        *sql.DB
	reader    *bufio.Reader
}

// getPassphrase is a test seam for the interactive unlock prompt.
var getPassphrase = GetPassphrase

const (
	saltSlot = "passphrase_salt"
	saltSize = 16
)

// unlockKeyStore derives the store-wrapping key from the passphrase and
// a per-installation salt kept plaintext in the underlying store, and
// returns the encrypted view the keyring reads through. The salt is
// generated on first unlock; a wrong passphrase later fails the
// keyring's slot reads instead of producing garbage key material.
func unlockKeyStore(ctx context.Context, inner securestore.Store, passphrase []byte) (securestore.Store, error) {
	salt, err := inner.Read(ctx, saltSlot)
	if errors.Is(err, common.ErrNotFound) {
		salt = common.GenerateRandByteArray(saltSize)
		if werr := inner.Write(ctx, saltSlot, salt); werr != nil {
			return nil, fmt.Errorf("persist salt: %w", werr)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}

	key := keyring.DeriveKey(passphrase, salt)
	defer common.WipeByteArray(key)
	return securestore.NewEncryptedStore(inner, key)
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewApp builds the full component graph: key management, local sqlite
// tiers, cache, the configured remote backend and the facade on top.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logging.NewDefault(parseLogLevel(cfg.LogLevel))

	keyStore, err := securestore.NewFileStore(cfg.KeyDir)
	if err != nil {
		return nil, fmt.Errorf("key store: %w", err)
	}

	passphrase, err := getPassphrase(os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("passphrase: %w", err)
	}
	unlocked, err := unlockKeyStore(ctx, keyStore, passphrase)
	common.WipeByteArray(passphrase)
	if err != nil {
		return nil, fmt.Errorf("unlock key store: %w", err)
	}

	keys := keyring.NewManager(unlocked, log)
	if err := keys.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}

	local, db, err := kvstore.OpenSQLite(ctx, cfg.LocalDSN)
	if err != nil {
		return nil, fmt.Errorf("local store: %w", err)
	}

	cache := ttlcache.New(local, cfg.Namespace, cfg.DefaultTTL, log)
	if err := cache.Initialize(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: %w", err)
	}

	rs, err := openRemote(ctx, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	tracker := conflict.NewTracker(log)
	queries := querycache.New(cache, log)
	probe := tiered.NewProbe(tiered.PingStore(rs, cfg.Collection), cfg.OnlineCheckInterval, log)

	facade := tiered.New(rs, cache, fieldcrypt.NewEncryptor(keys), local, tracker, queries, probe, log, tiered.Config{
		Collection:      cfg.Collection,
		SensitiveFields: cfg.SensitiveFields,
	})

	return &App{
		config:    cfg,
		log:       log,
		facade:    facade,
		keys:      keys,
		conflicts: tracker,
		probe:     probe,
		db:        db,
		reader:    bufio.NewReader(os.Stdin),
	}, nil
}

func openRemote(ctx context.Context, cfg *config.Config) (remote.Store, error) {
	switch cfg.RemoteBackend {
	case config.RemoteMemory:
		return remote.NewMemory(), nil
	case config.RemotePostgres:
		rs, _, err := remote.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres remote: %w", err)
		}
		return rs, nil
	case config.RemoteS3:
		rs, err := remote.NewS3(ctx, remote.S3Config{
			Region:       cfg.S3Region,
			Bucket:       cfg.S3Bucket,
			BaseEndpoint: cfg.S3BaseEndpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 remote: %w", err)
		}
		return rs, nil
	default:
		return nil, fmt.Errorf("unknown remote backend %q", cfg.RemoteBackend)
	}
}

// Run starts the reachability watcher and the REPL, blocking until the
// user exits.
func (a *App) Run(ctx context.Context) {
	a.probe.Start(ctx)
	defer a.Close()

	scanner := bufio.NewScanner(os.Stdin)
	runREPL(ctx, a, a.status, scanner)
}

func (a *App) status() string {
	if a.probe.Online() {
		return "online"
	}
	return "offline"
}

// Close releases the database handle and stops the probe.
func (a *App) Close() {
	a.probe.Stop()
	if a.db != nil {
		_ = a.db.Close()
	}
}
