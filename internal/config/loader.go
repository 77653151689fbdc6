package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "DBKP"

// Load reads the YAML config at path (or the resolved default) and layers
// DBKP_* environment variables over it. A missing file is accepted when the
// environment carries a single target (DBKP_DATABASE_ENGINE).
func Load(path string, checkPerms bool) (*viper.Viper, error) {
	if path == "" {
		path = ResolveConfigPath()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	bindEnv(v)

	if checkPerms {
		if err := checkConfigPermissions(path); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			if v.GetString("database.engine") != "" {
				return v, nil
			}
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.prefix", "")
	v.SetDefault("pipeline.compression.algorithm", "zstd")
	v.SetDefault("pipeline.compression.level", 0)
	v.SetDefault("pipeline.checksum.algorithm", "sha256")
	v.SetDefault("pipeline.encryption.key_source", KeySourceEnv)
	v.SetDefault("pipeline.encryption.key_env", "DBKP_ENCRYPTION_KEY")
	v.SetDefault("transfer.part_size_mb", 16)
	v.SetDefault("transfer.concurrency", 4)
	v.SetDefault("transfer.max_attempts", 5)
	v.SetDefault("transfer.base_delay", 500*time.Millisecond)
	v.SetDefault("transfer.max_delay", 30*time.Second)
	v.SetDefault("transfer.op_timeout", 5*time.Minute)
	v.SetDefault("transfer.complete_timeout", 2*time.Minute)
	v.SetDefault("transfer.max_bytes_per_second", 0)
	v.SetDefault("transfer.channel_depth", 8)
	v.SetDefault("catalog.path", DefaultCatalogPath)
	v.SetDefault("lock.backend", LockBackendLocal)
	v.SetDefault("lock.dir", DefaultLockDir)
	v.SetDefault("lock.ttl", 6*time.Hour)
	v.SetDefault("logging.level", "normal")
	v.SetDefault("logging.format", "text")
}

// bindEnv registers keys that have no default so AutomaticEnv can see them
// during Unmarshal.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"s3.endpoint", "s3.access_key", "s3.secret_key", "s3.bucket", "s3.path_style",
		"s3.disable_request_checksums", "s3.tls.insecure_skip_verify",
		"pipeline.encryption.enabled", "pipeline.encryption.key_file", "pipeline.encryption.passphrase_env",
		"restore.spool_dir", "metrics.textfile", "logging.file",
		"database.name", "database.engine", "database.host", "database.port",
		"database.username", "database.password", "database.database", "database.connect_timeout",
	} {
		_ = v.BindEnv(key)
	}
}

func checkConfigPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	mode := info.Mode().Perm()

	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %s (recommended: 0600)", path, mode)
	}
	return nil
}
