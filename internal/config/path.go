package config

import (
	"os"
	"path/filepath"
)

const (
	DefaultConfigDir   = "/etc/dbkp"
	DefaultConfigName  = "config.yaml"
	DefaultCatalogPath = "/var/lib/dbkp/catalog.db"
	DefaultLockDir     = "/var/run/dbkp"
)

const EnvConfigPath = "DBKP_CONFIG"

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir, DefaultConfigName)
}

func ResolveConfigPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultConfigPath()
}
