package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"dbkp/internal/catalog"
	"dbkp/internal/config"
	"dbkp/internal/engine"
	"dbkp/internal/fault"
	"dbkp/internal/logging"
	"dbkp/internal/metrics"
	"dbkp/internal/notifier"
	"dbkp/internal/s3"
)

// app holds everything a job command needs. Close releases it.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	catalog *catalog.Catalog
	storage *s3.Client
	engine  *engine.Orchestrator
}

func loadConfig(checkPerms bool) (*config.Config, error) {
	v, err := config.Load(configPath, checkPerms)
	if err != nil {
		return nil, fault.Configuration("load config", err)
	}
	cfg, err := config.Unmarshal(v)
	if err != nil {
		return nil, fault.Configuration("parse config", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fault.Configuration("validate config", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fault.Configuration("logging", err)
	}
	switch {
	case debug:
		level = logging.LogLevelDebug
	case verbose:
		level = logging.LogLevelVerbose
	case quiet:
		level = logging.LogLevelQuiet
	}
	format := cfg.Logging.Format
	if logFormat != "" {
		format = logFormat
	}
	log, err := logging.NewLogger(logging.Config{
		Level:   level,
		Output:  os.Stderr,
		Format:  format,
		LogFile: cfg.Logging.File,
	})
	if err != nil {
		return nil, fault.Configuration("logging", err)
	}
	return log, nil
}

func catalogPath(cfg *config.Config) string {
	if cfg.Catalog.Path != "" {
		return cfg.Catalog.Path
	}
	return config.DefaultCatalogPath
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig(false)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}

	a.storage, err = s3.New(ctx, s3.OptionsFromConfig(cfg.S3, cfg.Transfer))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.catalog, err = catalog.Open(ctx, catalogPath(cfg))
	if err != nil {
		a.Close()
		return nil, err
	}

	notify, err := notifier.New(cfg.Notifications)
	if err != nil {
		log.Warnf("notifications disabled: %v", err)
		notify = notifier.Nop{}
	}
	a.engine, err = engine.New(cfg, engine.Deps{
		Storage:  a.storage,
		Catalog:  a.catalog,
		Logger:   log,
		Notifier: notify,
		Metrics:  metrics.New(),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	var errs []error
	if a.catalog != nil {
		errs = append(errs, a.catalog.Close())
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	if err := errors.Join(errs...); err != nil {
		fmt.Fprintln(os.Stderr, "close:", err)
	}
}

// targetsFor resolves the targets a command acts on: the named ones, every
// target with all, or the only configured target when there is exactly one.
func targetsFor(cfg *config.Config, args []string, all bool) ([]string, error) {
	switch {
	case all && len(args) > 0:
		return nil, fault.Newf(fault.KindConfiguration, "targets", "use either target names or --all")
	case all:
		names := make([]string, 0, len(cfg.Targets))
		for _, t := range cfg.Targets {
			names = append(names, t.Name)
		}
		return names, nil
	case len(args) > 0:
		for _, name := range args {
			if _, ok := cfg.Target(name); !ok {
				return nil, fault.Newf(fault.KindConfiguration, "targets", "unknown target %q", name)
			}
		}
		return args, nil
	case len(cfg.Targets) == 1:
		return []string{cfg.Targets[0].Name}, nil
	default:
		return nil, fault.Newf(fault.KindConfiguration, "targets", "specify a target name or --all")
	}
}
