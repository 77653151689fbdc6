package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	EnginePostgres = "postgres"
	EngineMySQL    = "mysql"
	EngineMariaDB  = "mariadb"
)

type Config struct {
	S3            *S3Config            `mapstructure:"s3" yaml:"s3"`
	Targets       []TargetConfig       `mapstructure:"targets" yaml:"targets"`
	Pipeline      PipelineConfig       `mapstructure:"pipeline" yaml:"pipeline"`
	Transfer      TransferConfig       `mapstructure:"transfer" yaml:"transfer"`
	Catalog       CatalogConfig        `mapstructure:"catalog" yaml:"catalog"`
	Restore       RestoreConfig        `mapstructure:"restore" yaml:"restore"`
	Lock          LockConfig           `mapstructure:"lock" yaml:"lock"`
	Logging       LoggingConfig        `mapstructure:"logging" yaml:"logging"`
	Metrics       MetricsConfig        `mapstructure:"metrics" yaml:"metrics"`
	Notifications *NotificationsConfig `mapstructure:"notifications" yaml:"notifications,omitempty"`
}

type S3Config struct {
	Endpoint                string     `mapstructure:"endpoint" yaml:"endpoint"`
	Region                  string     `mapstructure:"region" yaml:"region"`
	AccessKey               string     `mapstructure:"access_key" yaml:"access_key"`
	SecretKey               string     `mapstructure:"secret_key" yaml:"secret_key"`
	Bucket                  string     `mapstructure:"bucket" yaml:"bucket"`
	Prefix                  string     `mapstructure:"prefix" yaml:"prefix"`
	PathStyle               bool       `mapstructure:"path_style" yaml:"path_style"`
	DisableRequestChecksums bool       `mapstructure:"disable_request_checksums" yaml:"disable_request_checksums"`
	TLS                     *TLSConfig `mapstructure:"tls" yaml:"tls,omitempty"`
}

type TLSConfig struct {
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// TargetConfig describes one database to back up.
type TargetConfig struct {
	Name           string           `mapstructure:"name" yaml:"name"`
	Engine         string           `mapstructure:"engine" yaml:"engine"`
	Host           string           `mapstructure:"host" yaml:"host"`
	Port           int              `mapstructure:"port" yaml:"port"`
	Username       string           `mapstructure:"username" yaml:"username"`
	Password       string           `mapstructure:"password" yaml:"password,omitempty"`
	Database       string           `mapstructure:"database" yaml:"database"`
	DumpArgs       []string         `mapstructure:"dump_args" yaml:"dump_args,omitempty"`
	ConnectTimeout time.Duration    `mapstructure:"connect_timeout" yaml:"connect_timeout,omitempty"`
	Retention      *RetentionConfig `mapstructure:"retention" yaml:"retention,omitempty"`
	Pipeline       *PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline,omitempty"`
}

type RetentionConfig struct {
	MinKeep int `mapstructure:"min_keep" yaml:"min_keep"`
	Days    int `mapstructure:"days" yaml:"days"`
	Weeks   int `mapstructure:"weeks" yaml:"weeks"`
	Months  int `mapstructure:"months" yaml:"months"`
}

type PipelineConfig struct {
	Compression CompressionConfig `mapstructure:"compression" yaml:"compression"`
	Encryption  EncryptionConfig  `mapstructure:"encryption" yaml:"encryption"`
	Checksum    ChecksumConfig    `mapstructure:"checksum" yaml:"checksum"`
}

type CompressionConfig struct {
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm"`
	Level     int    `mapstructure:"level" yaml:"level"`
}

const (
	KeySourceEnv        = "env"
	KeySourceFile       = "file"
	KeySourcePassphrase = "passphrase"
)

type EncryptionConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	KeySource     string `mapstructure:"key_source" yaml:"key_source,omitempty"`
	KeyEnv        string `mapstructure:"key_env" yaml:"key_env,omitempty"`
	KeyFile       string `mapstructure:"key_file" yaml:"key_file,omitempty"`
	PassphraseEnv string `mapstructure:"passphrase_env" yaml:"passphrase_env,omitempty"`
}

type ChecksumConfig struct {
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm"`
}

type TransferConfig struct {
	PartSizeMB        int           `mapstructure:"part_size_mb" yaml:"part_size_mb"`
	Concurrency       int           `mapstructure:"concurrency" yaml:"concurrency"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	OpTimeout         time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
	CompleteTimeout   time.Duration `mapstructure:"complete_timeout" yaml:"complete_timeout"`
	MaxBytesPerSecond int64         `mapstructure:"max_bytes_per_second" yaml:"max_bytes_per_second"`
	ChannelDepth      int           `mapstructure:"channel_depth" yaml:"channel_depth"`
}

// PartSize returns the multipart chunk size in bytes.
func (t TransferConfig) PartSize() int64 {
	return int64(t.PartSizeMB) << 20
}

type CatalogConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type RestoreConfig struct {
	SpoolDir string `mapstructure:"spool_dir" yaml:"spool_dir,omitempty"`
}

const (
	LockBackendLocal = "local"
	LockBackendS3    = "s3"
	LockBackendNone  = "none"
)

type LockConfig struct {
	Backend string        `mapstructure:"backend" yaml:"backend"`
	Dir     string        `mapstructure:"dir" yaml:"dir,omitempty"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile,omitempty"`
}

type NotificationsConfig struct {
	Discord *DiscordConfig `mapstructure:"discord" yaml:"discord,omitempty"`
}

type DiscordConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	WebhookURL     string        `mapstructure:"webhook_url" yaml:"webhook_url"`
	Events         []string      `mapstructure:"events" yaml:"events,omitempty"`
	TimeoutSeconds int           `mapstructure:"timeout_seconds" yaml:"timeout_seconds,omitempty"`
	Retry          *DiscordRetry `mapstructure:"retry" yaml:"retry,omitempty"`
	MentionOnError string        `mapstructure:"mention_on_error" yaml:"mention_on_error,omitempty"`
}

type DiscordRetry struct {
	Attempts  int `mapstructure:"attempts" yaml:"attempts"`
	BackoffMs int `mapstructure:"backoff_ms" yaml:"backoff_ms"`
}

// Target returns the named target.
func (c *Config) Target(name string) (TargetConfig, bool) {
	for _, t := range c.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return TargetConfig{}, false
}

// PipelineFor returns the pipeline a target uses: its own override or the global one.
func (c *Config) PipelineFor(t TargetConfig) PipelineConfig {
	if t.Pipeline != nil {
		return *t.Pipeline
	}
	return c.Pipeline
}

func Unmarshal(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	if len(c.Targets) == 0 {
		if t, ok := envTarget(v); ok {
			c.Targets = []TargetConfig{t}
		}
	}
	return &c, nil
}

// envTarget builds a single target from database.* keys, which is how a
// container without a config file supplies its one database.
func envTarget(v *viper.Viper) (TargetConfig, bool) {
	engine := v.GetString("database.engine")
	if engine == "" {
		return TargetConfig{}, false
	}
	name := v.GetString("database.name")
	if name == "" {
		name = v.GetString("database.database")
	}
	return TargetConfig{
		Name:           name,
		Engine:         engine,
		Host:           v.GetString("database.host"),
		Port:           v.GetInt("database.port"),
		Username:       v.GetString("database.username"),
		Password:       v.GetString("database.password"),
		Database:       v.GetString("database.database"),
		ConnectTimeout: v.GetDuration("database.connect_timeout"),
	}, true
}
