package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Sample(EnginePostgres, "orders")
	cfg.S3.Prefix = "/backup//database/"
	return cfg
}

func TestValidate_NilConfig(t *testing.T) {
	assert.Error(t, Validate(nil))
}

func TestValidate_Sample(t *testing.T) {
	for _, engine := range TargetTemplateNames() {
		t.Run(engine, func(t *testing.T) {
			assert.NoError(t, Validate(Sample(engine, "db1")))
		})
	}
}

func TestValidate_NormalizesS3Prefix(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "backup/database", cfg.S3.Prefix)
}

func TestValidate_MissingS3(t *testing.T) {
	cfg := validConfig()
	cfg.S3 = nil
	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidS3)
}

func TestValidate_InvalidEngine(t *testing.T) {
	cfg := validConfig()
	cfg.Targets[0].Engine = "oracle"
	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidEngine)
	assert.Contains(t, err.Error(), "oracle")
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Targets[0].Engine = ""
	cfg.Targets[0].Host = ""
	cfg.Transfer.PartSizeMB = 1
	cfg.Lock.Backend = "etcd"

	err := Validate(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidEngine))
	assert.True(t, errors.Is(err, ErrInvalidTarget))
	assert.True(t, errors.Is(err, ErrInvalidTransfer))
	assert.True(t, errors.Is(err, ErrInvalidLockBackend))
}

func TestValidate_DuplicateTargets(t *testing.T) {
	cfg := validConfig()
	cfg.Targets = append(cfg.Targets, cfg.Targets[0])
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate target name")
}

func TestValidate_BadTargetName(t *testing.T) {
	cfg := validConfig()
	cfg.Targets[0].Name = "../etc"
	assert.ErrorIs(t, Validate(cfg), ErrInvalidTarget)
}

func TestValidate_Retention(t *testing.T) {
	cfg := validConfig()
	cfg.Targets[0].Retention = &RetentionConfig{MinKeep: 0, Days: 7}
	assert.ErrorIs(t, Validate(cfg), ErrInvalidRetention)
}

func TestValidate_EncryptionKeySource(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.Encryption = EncryptionConfig{Enabled: true, KeySource: KeySourceFile}
	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPipeline)
	assert.Contains(t, err.Error(), "key_file")

	cfg.Pipeline.Encryption.KeyFile = "/etc/dbkp/key"
	assert.NoError(t, Validate(cfg))
}

func TestValidate_TargetPipelineOverride(t *testing.T) {
	cfg := validConfig()
	cfg.Targets[0].Pipeline = &PipelineConfig{Compression: CompressionConfig{Algorithm: "brotli"}}
	assert.ErrorIs(t, Validate(cfg), ErrInvalidPipeline)
}

func TestValidate_DiscordNeedsWebhook(t *testing.T) {
	cfg := validConfig()
	cfg.Notifications = &NotificationsConfig{Discord: &DiscordConfig{Enabled: true}}
	assert.Error(t, Validate(cfg))
}
