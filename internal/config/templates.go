package config

import "time"

// TargetTemplate returns a starter target for the given engine, or nil when the
// engine is unknown.
func TargetTemplate(engine, name string) *TargetConfig {
	t := &TargetConfig{
		Name:           name,
		Engine:         engine,
		Host:           "127.0.0.1",
		Database:       name,
		ConnectTimeout: 10 * time.Second,
		Retention:      &RetentionConfig{MinKeep: 3, Days: 7},
	}
	switch engine {
	case EnginePostgres:
		t.Port = 5432
		t.Username = "postgres"
	case EngineMySQL:
		t.Port = 3306
		t.Username = "root"
	case EngineMariaDB:
		t.Port = 3306
		t.Username = "root"
		t.Retention = &RetentionConfig{MinKeep: 3, Days: 7, Weeks: 4}
	default:
		return nil
	}
	return t
}

func TargetTemplateNames() []string {
	return []string{EnginePostgres, EngineMySQL, EngineMariaDB}
}

// Sample returns a complete starter configuration with one target.
func Sample(engine, name string) *Config {
	target := TargetTemplate(engine, name)
	if target == nil {
		return nil
	}
	return &Config{
		S3: &S3Config{
			Endpoint:  "https://127.0.0.1:9000",
			Region:    "us-east-1",
			Bucket:    "backups",
			Prefix:    "dbkp",
			PathStyle: true,
		},
		Targets: []TargetConfig{*target},
		Pipeline: PipelineConfig{
			Compression: CompressionConfig{Algorithm: "zstd"},
			Encryption: EncryptionConfig{
				Enabled:   false,
				KeySource: KeySourceEnv,
				KeyEnv:    "DBKP_ENCRYPTION_KEY",
			},
			Checksum: ChecksumConfig{Algorithm: "sha256"},
		},
		Transfer: TransferConfig{
			PartSizeMB:      16,
			Concurrency:     4,
			MaxAttempts:     5,
			BaseDelay:       500 * time.Millisecond,
			MaxDelay:        30 * time.Second,
			OpTimeout:       5 * time.Minute,
			CompleteTimeout: 2 * time.Minute,
			ChannelDepth:    8,
		},
		Catalog: CatalogConfig{Path: DefaultCatalogPath},
		Lock:    LockConfig{Backend: LockBackendLocal, Dir: DefaultLockDir, TTL: 6 * time.Hour},
		Logging: LoggingConfig{Level: "normal", Format: "text"},
	}
}
