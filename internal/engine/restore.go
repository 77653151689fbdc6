package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"dbkp/internal/adapter"
	"dbkp/internal/catalog"
	"dbkp/internal/config"
	"dbkp/internal/fault"
	"dbkp/internal/pipeline"
)

type RestoreOptions struct {
	// Target restores into another configured target's server instead of
	// the one the backup came from. Its engine must match.
	Target string
	// Database overrides the database name to restore into.
	Database string
	// Clean drops and recreates the database first.
	Clean bool
}

type RestoreResult struct {
	JobID    string
	Record   catalog.Record
	Target   string
	Database string
	Duration time.Duration
}

// Restore fetches a backup into a local spool file while hashing it,
// verifies the checksum and only then replays it into the database, so a
// corrupted artifact never reaches the server.
func (o *Orchestrator) Restore(ctx context.Context, id string, opts RestoreOptions) (res *RestoreResult, err error) {
	rec, err := o.deps.Catalog.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != catalog.StatusCompleted {
		return nil, fault.Newf(fault.KindConfiguration, "restore", "backup %s is %s", rec.ID, rec.Status)
	}
	t, err := o.restoreTarget(rec, opts)
	if err != nil {
		return nil, err
	}

	j := o.newJob("restore", t.Name)
	start := time.Now()
	done := o.log.LogOperationStart("restore", map[string]interface{}{
		"job_id": j.id, "target": t.Name, "backup_id": rec.ID, "database": t.Database,
	})
	defer func() {
		if err != nil {
			err = j.fail(err)
			o.deps.Metrics.JobFinished(t.Name, "restore", time.Since(start), err, string(fault.KindOf(err)), fault.AttemptsOf(err))
			nctx, cancel := cleanupContext(ctx)
			if nErr := o.deps.Notifier.NotifyError(nctx, t.Name, j.id, err); nErr != nil {
				j.log.WithError(nErr).Warn("notify error failed")
			}
			cancel()
		}
		o.flushMetrics(j)
		done(err)
	}()

	release, err := o.acquire(ctx, j)
	if err != nil {
		return nil, err
	}
	defer release()

	a, err := o.deps.Adapter(t)
	if err != nil {
		return nil, err
	}
	if _, err := a.Probe(ctx); err != nil {
		return nil, err
	}
	pl, err := o.buildFor(rec)
	if err != nil {
		return nil, err
	}

	j.enter(StateFetching)
	spool, err := os.CreateTemp(o.cfg.Restore.SpoolDir, "dbkp-restore-*.spool")
	if err != nil {
		return nil, fault.New(fault.KindInternal, "create spool file", err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()
	sum, err := o.fetch(ctx, rec, spool)
	if err != nil {
		return nil, canceled(ctx, "restore", err)
	}

	j.enter(StateVerifying)
	if err := sum.Verify(rec.Checksum, rec.Size); err != nil {
		return nil, err
	}
	j.log.WithField("checksum", rec.Checksum).Info("artifact verified")

	j.enter(StateRestoring)
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, fault.New(fault.KindInternal, "rewind spool file", err)
	}
	raw, err := pl.Decode(spool)
	if err != nil {
		return nil, err
	}
	err = a.Restore(ctx, raw, adapter.RestoreOptions{Clean: opts.Clean})
	if cerr := raw.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return nil, canceled(ctx, "restore", err)
	}

	j.enter(StateDone)
	res = &RestoreResult{JobID: j.id, Record: rec, Target: t.Name, Database: t.Database, Duration: time.Since(start)}
	o.deps.Metrics.JobFinished(t.Name, "restore", res.Duration, nil, "", 0)
	if nErr := o.deps.Notifier.NotifyRestore(ctx, t.Name, rec.ID, t.Database); nErr != nil {
		j.log.WithError(nErr).Warn("notify restore failed")
	}
	return res, nil
}

// restoreTarget picks the connection a restore uses.
func (o *Orchestrator) restoreTarget(rec catalog.Record, opts RestoreOptions) (config.TargetConfig, error) {
	name := rec.Target
	if opts.Target != "" {
		name = opts.Target
	}
	t, err := o.target(name)
	if err != nil {
		return config.TargetConfig{}, err
	}
	if t.Engine != rec.Engine {
		return config.TargetConfig{}, fault.Newf(fault.KindConfiguration, "restore",
			"backup %s is a %s dump, target %s is %s", rec.ID, rec.Engine, t.Name, t.Engine)
	}
	if opts.Database != "" {
		t.Database = opts.Database
	} else if rec.Database != "" {
		t.Database = rec.Database
	}
	return t, nil
}

// buildFor rebuilds the pipeline a record was written with.
func (o *Orchestrator) buildFor(rec catalog.Record) (*pipeline.Pipeline, error) {
	var key *pipeline.Key
	if rec.Pipeline.Encrypted() {
		var err error
		if key, err = o.deps.Key(rec.Pipeline.KeyRef()); err != nil {
			return nil, err
		}
	}
	return pipeline.Build(rec.Pipeline, key)
}

// fetch downloads rec's object into w and returns the checksum of what was
// read.
func (o *Orchestrator) fetch(ctx context.Context, rec catalog.Record, w io.Writer) (*pipeline.Checksum, error) {
	sum, err := pipeline.NewChecksum(rec.ChecksumAlgorithm)
	if err != nil {
		return nil, err
	}
	body, err := o.deps.Storage.Download(ctx, rec.StorageKey)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	if _, err := io.Copy(io.MultiWriter(w, sum), body); err != nil {
		var fe *fault.Error
		if !errors.As(err, &fe) {
			err = fault.New(fault.KindInternal, "write spool file", err)
		}
		return nil, err
	}
	return sum, nil
}

// Verify downloads a backup and checks its checksum and size without
// touching the catalog. deep also runs the reverse pipeline, which checks
// every encryption segment and the compression framing.
func (o *Orchestrator) Verify(ctx context.Context, id string, deep bool) (catalog.Record, error) {
	rec, err := o.deps.Catalog.Resolve(ctx, id)
	if err != nil {
		return catalog.Record{}, err
	}
	log := o.log.WithField("backup_id", rec.ID).WithField("target", rec.Target)

	if !deep {
		sum, err := o.fetch(ctx, rec, io.Discard)
		if err != nil {
			return rec, canceled(ctx, "verify", err)
		}
		if err := sum.Verify(rec.Checksum, rec.Size); err != nil {
			return rec, err
		}
		log.Info("backup verified")
		return rec, nil
	}

	pl, err := o.buildFor(rec)
	if err != nil {
		return rec, err
	}
	body, err := o.deps.Storage.Download(ctx, rec.StorageKey)
	if err != nil {
		return rec, err
	}
	defer body.Close()
	raw, err := pl.Decode(body)
	if err != nil {
		return rec, err
	}
	defer raw.Close()
	n, err := io.Copy(io.Discard, raw)
	if err != nil {
		return rec, canceled(ctx, "verify", err)
	}
	if pl.Bytes() != rec.Size || pl.Sum() != rec.Checksum {
		return rec, fault.Newf(fault.KindChecksumMismatch, "verify",
			"got %s over %d bytes, want %s over %d", pl.Sum(), pl.Bytes(), rec.Checksum, rec.Size)
	}
	if rec.RawSize > 0 && n != rec.RawSize {
		return rec, fault.Newf(fault.KindChecksumMismatch, "verify", "decoded %d bytes, want %d", n, rec.RawSize)
	}
	log.WithField("raw_bytes", n).Info("backup verified (deep)")
	return rec, nil
}
