package config

import (
	"flag"
	"os"
	"time"

	"github.com/smolin/medvault/internal/flagx"
)

// parseFlags overlays selected Config fields from command-line flags.
//
// Supported flags:
//
//	-n string   cache namespace
//	-d string   local sqlite DSN
//	-k string   key directory
//	-r string   remote backend (memory, postgres, s3)
//	-p string   postgres DSN
//	-t int      default cache TTL in seconds
//	-i int      online check interval in seconds
//	-l string   log level (debug, info, warn, error)
//
// Arguments are filtered through flagx.FilterArgs first so flags owned
// by other components do not interfere.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-n", "-d", "-k", "-r", "-p", "-t", "-i", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.Namespace, "n", cfg.Namespace, "cache namespace")
	fs.StringVar(&cfg.LocalDSN, "d", cfg.LocalDSN, "local sqlite DSN")
	fs.StringVar(&cfg.KeyDir, "k", cfg.KeyDir, "key directory")
	fs.StringVar(&cfg.RemoteBackend, "r", cfg.RemoteBackend, "remote backend (memory, postgres, s3)")
	fs.StringVar(&cfg.PostgresDSN, "p", cfg.PostgresDSN, "postgres DSN")
	defaultTTL := fs.Int("t", int(cfg.DefaultTTL.Seconds()), "default cache TTL (in seconds)")
	onlineCheckInterval := fs.Int("i", int(cfg.OnlineCheckInterval.Seconds()), "online check interval (in seconds)")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.DefaultTTL = time.Duration(*defaultTTL) * time.Second
	cfg.OnlineCheckInterval = time.Duration(*onlineCheckInterval) * time.Second
}
