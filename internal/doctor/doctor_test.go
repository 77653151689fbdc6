package doctor

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbkp/internal/adapter"
	"dbkp/internal/config"
	"dbkp/internal/fault"
	"dbkp/internal/s3"
	"dbkp/internal/s3/s3test"
)

type probeAdapter struct {
	adapter.Adapter
	err error
}

func (p probeAdapter) Probe(context.Context) (adapter.ServerInfo, error) {
	return adapter.ServerInfo{Version: "16.3"}, p.err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Sample(config.EnginePostgres, "orders")
	require.NotNil(t, cfg)
	cfg.Catalog.Path = filepath.Join(dir, "catalog.db")
	cfg.Lock = config.LockConfig{Backend: config.LockBackendLocal, Dir: filepath.Join(dir, "locks")}
	cfg.Restore.SpoolDir = dir
	return cfg
}

func testStorage(fake *s3test.Fake) *s3.Client {
	return s3.NewWithAPI(fake, s3.Options{
		Bucket:    "backups",
		Prefix:    "dbkp",
		Retry:     s3.RetryPolicy{MaxAttempts: 1},
		OpTimeout: time.Second,
	})
}

func lookPath(found ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, f := range found {
			if f == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", exec.ErrNotFound
	}
}

func byName(results []CheckResult, name string) []CheckResult {
	var out []CheckResult
	for _, r := range results {
		if r.Name == name {
			out = append(out, r)
		}
	}
	return out
}

func TestRunAllHealthy(t *testing.T) {
	cfg := testConfig(t)
	fake := s3test.New()

	results := Run(context.Background(), cfg, Options{
		Storage:      testStorage(fake),
		CreateBucket: true,
		Probe:        true,
		LookPath:     lookPath("pg_dump", "psql"),
		Adapter: func(config.TargetConfig) (adapter.Adapter, error) {
			return probeAdapter{}, nil
		},
	})
	for _, r := range results {
		assert.True(t, r.OK, "%s: %s", r.Name, r.Detail)
	}
	assert.False(t, Failed(results))
	assert.True(t, fake.HasBucket("backups"))

	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"config", "s3", "catalog", "tool", "tool", "target orders", "lock", "spool"}, names)
	assert.Contains(t, byName(results, "catalog")[0].Detail, "schema v")
}

func TestRunReportsMissingTools(t *testing.T) {
	cfg := testConfig(t)
	cfg.Targets = append(cfg.Targets, *config.TargetTemplate(config.EngineMariaDB, "shop"))

	results := Run(context.Background(), cfg, Options{
		Storage:  testStorage(s3test.New()),
		LookPath: lookPath("pg_dump", "mysqldump"),
	})
	tools := byName(results, "tool")
	require.Len(t, tools, 4)
	assert.True(t, tools[0].OK)
	assert.False(t, tools[1].OK)
	assert.Contains(t, tools[1].Detail, "psql")
	assert.True(t, tools[2].OK, "mysqldump stands in for mariadb-dump")
	assert.Contains(t, tools[2].Detail, "mysqldump found")
	assert.False(t, tools[3].OK)
	assert.Equal(t, "mariadb or mysql not found on PATH", tools[3].Detail)
	assert.True(t, Failed(results))
	assert.Empty(t, byName(results, "target orders"), "probing is opt-in")
}

func TestRunReportsStorageAndProbeFailures(t *testing.T) {
	cfg := testConfig(t)
	fake := s3test.New()
	fake.Fail = func(c s3test.Call) error {
		if c.Op == s3test.OpList {
			return s3test.Permanent("access denied")
		}
		return nil
	}

	results := Run(context.Background(), cfg, Options{
		Storage:  testStorage(fake),
		Probe:    true,
		LookPath: lookPath("pg_dump", "psql"),
		Adapter: func(config.TargetConfig) (adapter.Adapter, error) {
			return probeAdapter{err: fault.Connection("probe", errors.New("connection refused"))}, nil
		},
	})
	s3r := byName(results, "s3")[0]
	assert.False(t, s3r.OK)
	assert.Contains(t, s3r.Detail, "s3 list failed")

	probe := byName(results, "target orders")[0]
	assert.False(t, probe.OK)
	assert.Contains(t, probe.Detail, "connection refused")
}

func TestRunChecksEncryptionKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.Encryption = config.EncryptionConfig{Enabled: true, KeySource: config.KeySourceEnv, KeyEnv: "DBKP_DOCTOR_TEST_KEY"}

	t.Setenv("DBKP_DOCTOR_TEST_KEY", "")
	results := Run(context.Background(), cfg, Options{Storage: testStorage(s3test.New()), LookPath: lookPath("pg_dump", "psql")})
	key := byName(results, "key")
	require.Len(t, key, 1)
	assert.False(t, key[0].OK)
	assert.Contains(t, key[0].Detail, "DBKP_DOCTOR_TEST_KEY")

	t.Setenv("DBKP_DOCTOR_TEST_KEY", strings.Repeat("0f", 32))
	results = Run(context.Background(), cfg, Options{Storage: testStorage(s3test.New()), LookPath: lookPath("pg_dump", "psql")})
	key = byName(results, "key")
	require.Len(t, key, 1)
	assert.True(t, key[0].OK, key[0].Detail)
}

func TestRunInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.S3.Bucket = ""

	results := Run(context.Background(), cfg, Options{Storage: testStorage(s3test.New()), LookPath: lookPath()})
	c := byName(results, "config")[0]
	assert.False(t, c.OK)
	assert.Contains(t, c.Detail, "bucket is required")
}
