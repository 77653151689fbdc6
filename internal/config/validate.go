package config

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrInvalidEngine      = errors.New("invalid engine: must be 'postgres', 'mysql' or 'mariadb'")
	ErrInvalidTarget      = errors.New("invalid target")
	ErrInvalidS3          = errors.New("invalid s3 settings")
	ErrInvalidPipeline    = errors.New("invalid pipeline")
	ErrInvalidTransfer    = errors.New("invalid transfer settings")
	ErrInvalidRetention   = errors.New("invalid retention")
	ErrInvalidLockBackend = errors.New("invalid lock backend: must be 'local', 's3' or 'none'")
)

// MinPartSizeMB is the smallest part S3 accepts for all but the last part.
const MinPartSizeMB = 5

var targetNameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate checks cfg and normalizes the S3 prefix in place. All problems are
// reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	var errs []error

	if cfg.S3 == nil {
		errs = append(errs, fmt.Errorf("%w: s3 section is required", ErrInvalidS3))
	} else {
		cfg.S3.Prefix = NormalizePrefix(cfg.S3.Prefix)
		if cfg.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("%w: bucket is required", ErrInvalidS3))
		}
	}

	if len(cfg.Targets) == 0 {
		errs = append(errs, fmt.Errorf("%w: at least one target is required", ErrInvalidTarget))
	}
	seen := make(map[string]struct{}, len(cfg.Targets))
	for i, t := range cfg.Targets {
		errs = append(errs, validateTarget(i, t)...)
		if _, dup := seen[t.Name]; dup && t.Name != "" {
			errs = append(errs, fmt.Errorf("%w: duplicate target name %q", ErrInvalidTarget, t.Name))
		}
		seen[t.Name] = struct{}{}
		if t.Pipeline != nil {
			errs = append(errs, validatePipeline("targets["+t.Name+"].pipeline", *t.Pipeline)...)
		}
	}

	errs = append(errs, validatePipeline("pipeline", cfg.Pipeline)...)
	errs = append(errs, validateTransfer(cfg.Transfer)...)

	switch cfg.Lock.Backend {
	case "", LockBackendLocal, LockBackendS3, LockBackendNone:
	default:
		errs = append(errs, fmt.Errorf("%w: got %q", ErrInvalidLockBackend, cfg.Lock.Backend))
	}

	if d := discord(cfg); d != nil && d.Enabled && d.WebhookURL == "" {
		errs = append(errs, fmt.Errorf("notifications.discord.webhook_url is required when enabled"))
	}

	return errors.Join(errs...)
}

func validateTarget(i int, t TargetConfig) []error {
	var errs []error
	label := fmt.Sprintf("targets[%d]", i)
	if t.Name == "" {
		errs = append(errs, fmt.Errorf("%w: %s: name is required", ErrInvalidTarget, label))
	} else if !targetNameRE.MatchString(t.Name) {
		errs = append(errs, fmt.Errorf("%w: %s: name %q may only contain letters, digits, '.', '_' and '-'", ErrInvalidTarget, label, t.Name))
	}
	switch t.Engine {
	case EnginePostgres, EngineMySQL, EngineMariaDB:
	case "":
		errs = append(errs, fmt.Errorf("%w (%s: engine is required)", ErrInvalidEngine, label))
	default:
		errs = append(errs, fmt.Errorf("%w: %s: got %q", ErrInvalidEngine, label, t.Engine))
	}
	if t.Host == "" {
		errs = append(errs, fmt.Errorf("%w: %s: host is required", ErrInvalidTarget, label))
	}
	if t.Port < 0 || t.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w: %s: port %d out of range", ErrInvalidTarget, label, t.Port))
	}
	if t.Database == "" {
		errs = append(errs, fmt.Errorf("%w: %s: database is required", ErrInvalidTarget, label))
	}
	if r := t.Retention; r != nil {
		if r.MinKeep < 1 {
			errs = append(errs, fmt.Errorf("%w: %s: min_keep must be at least 1", ErrInvalidRetention, label))
		}
		if r.Days < 0 || r.Weeks < 0 || r.Months < 0 {
			errs = append(errs, fmt.Errorf("%w: %s: days, weeks and months must not be negative", ErrInvalidRetention, label))
		}
	}
	return errs
}

func validatePipeline(label string, p PipelineConfig) []error {
	var errs []error
	switch p.Compression.Algorithm {
	case "", "none", "gzip", "zstd", "lz4":
	default:
		errs = append(errs, fmt.Errorf("%w: %s: unknown compression %q", ErrInvalidPipeline, label, p.Compression.Algorithm))
	}
	switch p.Checksum.Algorithm {
	case "", "sha256", "blake3":
	default:
		errs = append(errs, fmt.Errorf("%w: %s: unknown checksum %q", ErrInvalidPipeline, label, p.Checksum.Algorithm))
	}
	if e := p.Encryption; e.Enabled {
		switch e.KeySource {
		case KeySourceEnv:
			if e.KeyEnv == "" {
				errs = append(errs, fmt.Errorf("%w: %s: encryption.key_env is required", ErrInvalidPipeline, label))
			}
		case KeySourceFile:
			if e.KeyFile == "" {
				errs = append(errs, fmt.Errorf("%w: %s: encryption.key_file is required", ErrInvalidPipeline, label))
			}
		case KeySourcePassphrase:
			if e.PassphraseEnv == "" {
				errs = append(errs, fmt.Errorf("%w: %s: encryption.passphrase_env is required", ErrInvalidPipeline, label))
			}
		default:
			errs = append(errs, fmt.Errorf("%w: %s: unknown key_source %q", ErrInvalidPipeline, label, e.KeySource))
		}
	}
	return errs
}

func validateTransfer(t TransferConfig) []error {
	var errs []error
	if t.PartSizeMB < MinPartSizeMB {
		errs = append(errs, fmt.Errorf("%w: part_size_mb must be at least %d", ErrInvalidTransfer, MinPartSizeMB))
	}
	if t.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("%w: concurrency must be at least 1", ErrInvalidTransfer))
	}
	if t.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidTransfer))
	}
	if t.MaxBytesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("%w: max_bytes_per_second must not be negative", ErrInvalidTransfer))
	}
	return errs
}

func discord(cfg *Config) *DiscordConfig {
	if cfg.Notifications == nil {
		return nil
	}
	return cfg.Notifications.Discord
}
