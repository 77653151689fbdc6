package engine

import (
	"context"
	"errors"
	"time"

	"dbkp/internal/catalog"
	"dbkp/internal/config"
	"dbkp/internal/fault"
	"dbkp/internal/retention"
)

type PruneResult struct {
	Target  string
	Policy  retention.Policy
	Keep    []catalog.Record
	Delete  []catalog.Record
	Deleted int
	DryRun  bool
	// Violation is set when the plan was refused; nothing was deleted.
	Violation error
}

// Prune applies target's retention policy on its own. With dryRun the plan
// is computed and reported but nothing is deleted.
func (o *Orchestrator) Prune(ctx context.Context, targetName string, dryRun bool) (res *PruneResult, err error) {
	t, err := o.target(targetName)
	if err != nil {
		return nil, err
	}
	j := o.newJob("prune", t.Name)
	start := time.Now()
	done := o.log.LogOperationStart("prune", map[string]interface{}{"job_id": j.id, "target": t.Name, "dry_run": dryRun})
	defer func() {
		if err != nil {
			err = j.fail(err)
			o.deps.Metrics.JobFinished(t.Name, "prune", time.Since(start), err, string(fault.KindOf(err)), fault.AttemptsOf(err))
		}
		o.flushMetrics(j)
		done(err)
	}()

	release, err := o.acquire(ctx, j)
	if err != nil {
		return nil, err
	}
	defer release()

	j.enter(StateRetentionSweep)
	res, err = o.sweep(ctx, j, t, dryRun)
	if err != nil {
		return res, err
	}
	j.enter(StateDone)
	o.deps.Metrics.JobFinished(t.Name, "prune", time.Since(start), nil, "", 0)
	if !dryRun && res.Deleted > 0 {
		if nErr := o.deps.Notifier.NotifyPrune(ctx, t.Name, len(res.Keep), res.Deleted); nErr != nil {
			j.log.WithError(nErr).Warn("notify prune failed")
		}
	}
	return res, nil
}

// sweep plans retention for t and, unless dryRun, deletes what the plan
// expires. The object goes first and the record second, so a failure in
// between leaves a record that repair can clean up rather than an
// untracked object.
func (o *Orchestrator) sweep(ctx context.Context, j *job, t config.TargetConfig, dryRun bool) (*PruneResult, error) {
	records, err := o.deps.Catalog.List(ctx, catalog.Filter{Target: t.Name, Status: catalog.StatusCompleted})
	if err != nil {
		return nil, err
	}
	policy := retention.FromConfig(t.Retention)
	d := retention.Plan(records, policy, o.deps.Now())
	res := &PruneResult{Target: t.Name, Policy: policy, Keep: d.Keep, Delete: d.Delete, DryRun: dryRun, Violation: d.Violation}

	log := j.log.WithField("policy", policy.String())
	if d.Violation != nil {
		log.WithError(d.Violation).Warn("retention plan refused; nothing deleted")
		res.Delete = nil
		return res, nil
	}
	if dryRun || len(d.Delete) == 0 {
		log.WithField("keep", len(d.Keep)).WithField("delete", len(d.Delete)).Info("retention planned")
		return res, nil
	}

	var errs []error
	for _, r := range d.Delete {
		if err := o.deps.Storage.Delete(ctx, r.StorageKey); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := o.deps.Catalog.Remove(ctx, r.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Deleted++
		log.WithField("backup_id", r.ID).WithField("created_at", r.CreatedAt).Info("expired backup deleted")
	}
	o.deps.Metrics.Pruned(t.Name, res.Deleted)
	o.deps.Metrics.CatalogCount(t.Name, len(records)-res.Deleted)
	return res, errors.Join(errs...)
}

type RepairResult struct {
	Checked int
	Removed []catalog.Record
	// Discarded are records whose object no longer matched the recorded
	// size. They are marked aborted, then their object and record deleted.
	Discarded       []catalog.Record
	SessionsCleared int
}

// Repair reconciles the catalog with storage: it aborts uploads left open
// by crashed runs, drops records whose object is gone and discards records
// whose object does not match what was recorded. An empty target repairs
// every configured target.
func (o *Orchestrator) Repair(ctx context.Context, targetName string) (*RepairResult, error) {
	targets := o.cfg.Targets
	if targetName != "" {
		t, err := o.target(targetName)
		if err != nil {
			return nil, err
		}
		targets = []config.TargetConfig{t}
	}

	res := &RepairResult{}
	var errs []error
	for _, t := range targets {
		if err := o.repairTarget(ctx, t, res); err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

func (o *Orchestrator) repairTarget(ctx context.Context, t config.TargetConfig, res *RepairResult) (err error) {
	j := o.newJob("repair", t.Name)
	done := o.log.LogOperationStart("repair", map[string]interface{}{"job_id": j.id, "target": t.Name})
	defer func() {
		if err != nil {
			err = j.fail(err)
		}
		done(err)
	}()

	release, err := o.acquire(ctx, j)
	if err != nil {
		return err
	}
	defer release()

	res.SessionsCleared += o.cleanupSessions(ctx, j)

	records, err := o.deps.Catalog.List(ctx, catalog.Filter{Target: t.Name})
	if err != nil {
		return err
	}
	var (
		errs    []error
		removed int
	)
	for _, r := range records {
		res.Checked++
		log := j.log.WithField("backup_id", r.ID).WithField("key", r.StorageKey)
		info, err := o.deps.Storage.Head(ctx, r.StorageKey)
		switch {
		case fault.Is(err, fault.KindNotFound):
			if err := o.deps.Catalog.Remove(ctx, r.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Removed = append(res.Removed, r)
			removed++
			log.Warn("removed record for missing object")
		case err != nil:
			errs = append(errs, err)
		case r.Status == catalog.StatusAborted || info.Size != r.Size:
			if err := o.discard(ctx, r); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Discarded = append(res.Discarded, r)
			removed++
			log.WithField("stored_size", info.Size).WithField("recorded_size", r.Size).Warn("discarded backup whose object does not match its record")
		}
	}
	o.deps.Metrics.CatalogCount(t.Name, len(records)-removed)
	j.enter(StateDone)
	return errors.Join(errs...)
}

// discard retires a record whose object cannot be trusted. The record is
// marked aborted first so an interrupted discard never leaves a completed
// record behind; the next repair finishes it.
func (o *Orchestrator) discard(ctx context.Context, r catalog.Record) error {
	if err := o.deps.Catalog.MarkAborted(ctx, r.ID); err != nil {
		return err
	}
	if err := o.deps.Storage.Delete(ctx, r.StorageKey); err != nil {
		return err
	}
	return o.deps.Catalog.Remove(ctx, r.ID)
}
