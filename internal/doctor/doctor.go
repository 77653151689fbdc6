// Package doctor runs environment checks before backups are trusted to run
// unattended.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"dbkp/internal/adapter"
	"dbkp/internal/catalog"
	"dbkp/internal/config"
	"dbkp/internal/lock"
	"dbkp/internal/pipeline"
	"dbkp/internal/s3"
)

const checkTimeout = 10 * time.Second

type CheckResult struct {
	Name   string
	OK     bool
	Detail string
}

// Options wires the checks to their collaborators. Zero fields fall back to
// the real implementations.
type Options struct {
	Storage *s3.Client
	// CreateBucket creates a missing bucket instead of reporting it.
	CreateBucket bool
	// Probe connects to every target through its driver.
	Probe    bool
	LookPath func(file string) (string, error)
	Adapter  func(t config.TargetConfig) (adapter.Adapter, error)
}

func Run(ctx context.Context, cfg *config.Config, opts Options) []CheckResult {
	var results []CheckResult
	if cfg == nil {
		return []CheckResult{{Name: "config", Detail: "configuration not loaded"}}
	}
	if err := config.Validate(cfg); err != nil {
		results = append(results, CheckResult{Name: "config", Detail: err.Error()})
	} else {
		results = append(results, CheckResult{Name: "config", OK: true, Detail: fmt.Sprintf("%d target(s)", len(cfg.Targets))})
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}

	results = append(results, checkS3(ctx, cfg, opts))
	results = append(results, checkCatalog(ctx, cfg))
	results = append(results, checkKey(cfg)...)
	results = append(results, checkTools(cfg, opts.LookPath)...)
	if opts.Probe {
		results = append(results, checkTargets(ctx, cfg, opts.Adapter)...)
	}
	if cfg.Lock.Backend == "" || cfg.Lock.Backend == config.LockBackendLocal {
		results = append(results, checkLocalLock(ctx, cfg.Lock))
	}
	results = append(results, checkSpool(cfg.Restore.SpoolDir))
	return results
}

// Failed reports whether any check failed.
func Failed(results []CheckResult) bool {
	for _, r := range results {
		if !r.OK {
			return true
		}
	}
	return false
}

func checkS3(ctx context.Context, cfg *config.Config, opts Options) CheckResult {
	client := opts.Storage
	if client == nil {
		if cfg.S3 == nil {
			return CheckResult{Name: "s3", Detail: "s3 not configured"}
		}
		var err error
		client, err = s3.New(ctx, s3.OptionsFromConfig(cfg.S3, cfg.Transfer))
		if err != nil {
			return CheckResult{Name: "s3", Detail: fmt.Sprintf("s3 client init failed: %v", err)}
		}
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if opts.CreateBucket {
		if err := client.EnsureBucket(ctx); err != nil {
			return CheckResult{Name: "s3", Detail: fmt.Sprintf("ensure bucket failed: %v", err)}
		}
	}
	if err := client.Ping(ctx); err != nil {
		return CheckResult{Name: "s3", Detail: fmt.Sprintf("s3 list failed: %v", err)}
	}
	return CheckResult{Name: "s3", OK: true, Detail: fmt.Sprintf("s3 OK (%s)", client)}
}

func checkCatalog(ctx context.Context, cfg *config.Config) CheckResult {
	path := cfg.Catalog.Path
	if path == "" {
		path = config.DefaultCatalogPath
	}
	c, err := catalog.Open(ctx, path)
	if err != nil {
		return CheckResult{Name: "catalog", Detail: fmt.Sprintf("open %s failed: %v", path, err)}
	}
	defer c.Close()
	v, err := c.Version(ctx)
	if err != nil {
		return CheckResult{Name: "catalog", Detail: fmt.Sprintf("read schema version failed: %v", err)}
	}
	stats, err := c.Stats(ctx)
	if err != nil {
		return CheckResult{Name: "catalog", Detail: fmt.Sprintf("read stats failed: %v", err)}
	}
	backups := 0
	for _, s := range stats {
		backups += s.Count
	}
	return CheckResult{Name: "catalog", OK: true, Detail: fmt.Sprintf("%s (schema v%d, %d backups)", path, v, backups)}
}

// checkKey makes sure every encrypting pipeline can load its key now rather
// than at 3am.
func checkKey(cfg *config.Config) []CheckResult {
	var results []CheckResult
	seen := map[string]bool{}
	for _, t := range cfg.Targets {
		enc := cfg.PipelineFor(t).Encryption
		if !enc.Enabled {
			continue
		}
		ref := pipeline.FromSettings(cfg.PipelineFor(t)).KeyRef()
		if seen[ref] {
			continue
		}
		seen[ref] = true
		if _, err := pipeline.LoadKey(enc); err != nil {
			results = append(results, CheckResult{Name: "key", Detail: fmt.Sprintf("%s: %v", ref, err)})
			continue
		}
		results = append(results, CheckResult{Name: "key", OK: true, Detail: ref + " loaded"})
	}
	return results
}

// checkTools looks up the client binaries each configured engine needs.
// Entries like "mariadb-dump|mysqldump" accept any of the alternatives.
func checkTools(cfg *config.Config, lookPath func(string) (string, error)) []CheckResult {
	var results []CheckResult
	seen := map[string]bool{}
	for _, t := range cfg.Targets {
		for _, tool := range adapter.Tools(adapter.Kind(t.Engine)) {
			if seen[tool] {
				continue
			}
			seen[tool] = true
			results = append(results, lookupTool(tool, lookPath))
		}
	}
	return results
}

func lookupTool(tool string, lookPath func(string) (string, error)) CheckResult {
	for _, name := range strings.Split(tool, "|") {
		if path, err := lookPath(name); err == nil {
			return CheckResult{Name: "tool", OK: true, Detail: fmt.Sprintf("%s found at %s", name, path)}
		}
	}
	return CheckResult{Name: "tool", Detail: fmt.Sprintf("%s not found on PATH", strings.ReplaceAll(tool, "|", " or "))}
}

func checkTargets(ctx context.Context, cfg *config.Config, build func(config.TargetConfig) (adapter.Adapter, error)) []CheckResult {
	if build == nil {
		build = func(t config.TargetConfig) (adapter.Adapter, error) {
			return adapter.New(adapter.Kind(t.Engine), adapter.ConnectionFromTarget(t), adapter.Options{})
		}
	}
	results := make([]CheckResult, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		name := "target " + t.Name
		a, err := build(t)
		if err != nil {
			results = append(results, CheckResult{Name: name, Detail: err.Error()})
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, checkTimeout)
		info, err := a.Probe(pctx)
		cancel()
		if err != nil {
			results = append(results, CheckResult{Name: name, Detail: err.Error()})
			continue
		}
		results = append(results, CheckResult{Name: name, OK: true, Detail: fmt.Sprintf("%s %s", t.Engine, info.Version)})
	}
	return results
}

func checkLocalLock(ctx context.Context, lc config.LockConfig) CheckResult {
	l, err := lock.NewLocal(lock.LocalOptions{Dir: lc.Dir, Name: "doctor"})
	if err != nil {
		return CheckResult{Name: "lock", Detail: fmt.Sprintf("local lock init failed: %v", err)}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := l.Acquire(ctx); err != nil {
		return CheckResult{Name: "lock", Detail: fmt.Sprintf("local lock acquire failed: %v", err)}
	}
	if err := l.Release(ctx); err != nil {
		return CheckResult{Name: "lock", Detail: fmt.Sprintf("local lock release failed: %v", err)}
	}
	return CheckResult{Name: "lock", OK: true, Detail: fmt.Sprintf("lock dir writable (%s)", l.Path())}
}

// checkSpool verifies restores can stage artifacts.
func checkSpool(dir string) CheckResult {
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "dbkp-doctor-*")
	if err != nil {
		return CheckResult{Name: "spool", Detail: fmt.Sprintf("create temp file failed in %s: %v", dir, err)}
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString("test"); err != nil {
		_ = f.Close()
		return CheckResult{Name: "spool", Detail: fmt.Sprintf("write temp file failed: %v", err)}
	}
	if err := f.Close(); err != nil {
		return CheckResult{Name: "spool", Detail: fmt.Sprintf("close temp file failed: %v", err)}
	}
	return CheckResult{Name: "spool", OK: true, Detail: fmt.Sprintf("spool dir writable (%s)", dir)}
}
