package config

import (
	"encoding/json"
	"os"

	"github.com/smolin/medvault/internal/flagx"
	"github.com/smolin/medvault/internal/timex"
)

// JsonConfig is the DTO used for JSON unmarshalling. Interval fields
// use timex.Duration so the file can say "5m" as well as integer
// nanoseconds; values are copied into the runtime Config afterwards.
type JsonConfig struct {
	Namespace           *string        `json:"namespace"`
	LocalDSN            *string        `json:"local_dsn"`
	KeyDir              *string        `json:"key_dir"`
	Collection          *string        `json:"collection"`
	SensitiveFields     []string       `json:"sensitive_fields"`
	DefaultTTL          timex.Duration `json:"default_ttl"`
	OnlineCheckInterval timex.Duration `json:"online_check_interval"`
	RemoteBackend       *string        `json:"remote_backend"`
	PostgresDSN         *string        `json:"postgres_dsn"`
	S3Bucket            *string        `json:"s3_bucket"`
	S3Region            *string        `json:"s3_region"`
	S3BaseEndpoint      *string        `json:"s3_base_endpoint"`
	S3AccessKey         *string        `json:"s3_access_key"`
	S3SecretKey         *string        `json:"s3_secret_key"`
	LogLevel            *string        `json:"log_level"`
}

// parseJson overlays cfg with values from the JSON file named by the
// -c/-config flags. Absent fields keep their current values; a file
// that cannot be read or parsed panics, matching the flag-parsing
// behavior.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&cfg.Namespace, jc.Namespace)
	setString(&cfg.LocalDSN, jc.LocalDSN)
	setString(&cfg.KeyDir, jc.KeyDir)
	setString(&cfg.Collection, jc.Collection)
	setString(&cfg.RemoteBackend, jc.RemoteBackend)
	setString(&cfg.PostgresDSN, jc.PostgresDSN)
	setString(&cfg.S3Bucket, jc.S3Bucket)
	setString(&cfg.S3Region, jc.S3Region)
	setString(&cfg.S3BaseEndpoint, jc.S3BaseEndpoint)
	setString(&cfg.S3AccessKey, jc.S3AccessKey)
	setString(&cfg.S3SecretKey, jc.S3SecretKey)
	setString(&cfg.LogLevel, jc.LogLevel)

	if jc.SensitiveFields != nil {
		cfg.SensitiveFields = jc.SensitiveFields
	}
	if jc.DefaultTTL.Duration != 0 {
		cfg.DefaultTTL = jc.DefaultTTL.Duration
	}
	if jc.OnlineCheckInterval.Duration != 0 {
		cfg.OnlineCheckInterval = jc.OnlineCheckInterval.Duration
	}
}
