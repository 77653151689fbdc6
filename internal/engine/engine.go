// Package engine runs backup, restore, verify, prune and repair jobs by
// composing the adapters, the pipeline, storage and the catalog.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dbkp/internal/adapter"
	"dbkp/internal/catalog"
	"dbkp/internal/config"
	"dbkp/internal/fault"
	"dbkp/internal/lock"
	"dbkp/internal/logging"
	"dbkp/internal/metrics"
	"dbkp/internal/notifier"
	"dbkp/internal/pipeline"
	"dbkp/internal/s3"
)

type Engine interface {
	Backup(ctx context.Context, target string) (*BackupResult, error)
	Restore(ctx context.Context, id string, opts RestoreOptions) (*RestoreResult, error)
	Verify(ctx context.Context, id string, deep bool) (catalog.Record, error)
	List(ctx context.Context, filter catalog.Filter) ([]catalog.Record, error)
	Prune(ctx context.Context, target string, dryRun bool) (*PruneResult, error)
	Repair(ctx context.Context, target string) (*RepairResult, error)
}

// State is a step of a job's state machine.
type State string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateDumping        State = "dumping"
	StateTransferring   State = "transferring"
	StateVerifying      State = "verifying"
	StateCataloged      State = "cataloged"
	StateRetentionSweep State = "retention_sweep"
	StateFetching       State = "fetching"
	StateRestoring      State = "restoring"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

const (
	defaultChannelDepth = 8
	cleanupTimeout      = time.Minute
)

// Deps are the collaborators of an Orchestrator. Storage and Catalog are
// required; everything else has a default.
type Deps struct {
	Storage  *s3.Client
	Catalog  *catalog.Catalog
	Logger   *logging.Logger
	Notifier notifier.Notifier
	Metrics  *metrics.Metrics

	// Adapter builds the engine adapter for a target.
	Adapter func(t config.TargetConfig) (adapter.Adapter, error)
	// Locker returns the lock guarding a target.
	Locker func(target string) (lock.Locker, error)
	// Key resolves a persisted key reference.
	Key func(ref string) (*pipeline.Key, error)
	// Observe is called on every state transition.
	Observe func(jobID string, s State)

	Now   func() time.Time
	NewID func() string
}

type Orchestrator struct {
	cfg  *config.Config
	deps Deps
	log  *logging.Logger
}

var _ Engine = (*Orchestrator)(nil)

func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fault.Newf(fault.KindConfiguration, "engine", "configuration is required")
	}
	if deps.Storage == nil || deps.Catalog == nil {
		return nil, fault.Newf(fault.KindInternal, "engine", "storage and catalog are required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Notifier == nil {
		deps.Notifier = notifier.Nop{}
	}
	if deps.Adapter == nil {
		log := deps.Logger
		deps.Adapter = func(t config.TargetConfig) (adapter.Adapter, error) {
			return adapter.New(adapter.Kind(t.Engine), adapter.ConnectionFromTarget(t), adapter.Options{Logger: log})
		}
	}
	if deps.Locker == nil {
		storage := deps.Storage
		lc := cfg.Lock
		deps.Locker = func(target string) (lock.Locker, error) {
			return lock.New(lc, target, storage)
		}
	}
	if deps.Key == nil {
		deps.Key = pipeline.KeyForRef
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = newID
	}
	return &Orchestrator{cfg: cfg, deps: deps, log: deps.Logger}, nil
}

// newID returns a time ordered UUIDv7, so ids sort like their creation time.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (o *Orchestrator) target(name string) (config.TargetConfig, error) {
	t, ok := o.cfg.Target(name)
	if !ok {
		return config.TargetConfig{}, fault.Newf(fault.KindConfiguration, "target", "unknown target %q", name)
	}
	return t, nil
}

func (o *Orchestrator) channelDepth() int {
	if d := o.cfg.Transfer.ChannelDepth; d > 0 {
		return d
	}
	return defaultChannelDepth
}

// job tracks one run through its state machine.
type job struct {
	o      *Orchestrator
	id     string
	op     string
	target string
	state  State
	since  time.Time
	log    *logrus.Entry
}

func (o *Orchestrator) newJob(op, target string) *job {
	id := o.deps.NewID()
	j := &job{
		o:      o,
		id:     id,
		op:     op,
		target: target,
		state:  StateIdle,
		since:  time.Now(),
		log:    o.log.WithJob(id, target).WithField("operation", op),
	}
	o.notifyState(j)
	return j
}

func (o *Orchestrator) notifyState(j *job) {
	if o.deps.Observe != nil {
		o.deps.Observe(j.id, j.state)
	}
}

func (j *job) enter(s State) {
	now := time.Now()
	if j.state != StateIdle {
		j.o.deps.Metrics.ObserveStage(j.target, string(j.state), now.Sub(j.since))
	}
	j.log.WithField("state", s).WithField("previous", j.state).Debug("state transition")
	j.state, j.since = s, now
	j.o.notifyState(j)
}

// fail moves the job to Failed and annotates err with the job context and
// the state it failed in.
func (j *job) fail(err error) error {
	stage := j.state
	j.enter(StateFailed)
	return fault.WithJob(err, j.id, j.target, string(stage))
}

// canceled prefers a cancellation error over whatever a stage reported
// while being torn down.
func canceled(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil && err != nil {
		return fault.New(fault.KindCanceled, op, ctx.Err())
	}
	return err
}

// cleanupContext outlives the caller's cancellation so cleanup can finish.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

// acquire takes the target's lock and returns its release function.
func (o *Orchestrator) acquire(ctx context.Context, j *job) (func(), error) {
	l, err := o.deps.Locker(j.target)
	if err != nil {
		return nil, err
	}
	if err := l.Acquire(ctx); err != nil {
		if fault.KindOf(err) == fault.KindInternal {
			err = fault.New(fault.KindInternal, "acquire lock", err)
		}
		return nil, err
	}
	return func() {
		rctx, cancel := cleanupContext(ctx)
		defer cancel()
		if err := l.Release(rctx); err != nil {
			j.log.WithError(err).Warn("release lock failed")
		}
	}, nil
}

func (o *Orchestrator) List(ctx context.Context, filter catalog.Filter) ([]catalog.Record, error) {
	return o.deps.Catalog.List(ctx, filter)
}

// flushMetrics writes the textfile for target when one is configured.
func (o *Orchestrator) flushMetrics(j *job) {
	path := o.cfg.Metrics.Textfile
	if path == "" || o.deps.Metrics == nil {
		return
	}
	if err := o.deps.Metrics.WriteTextfile(metrics.TextfilePath(path, j.target)); err != nil {
		j.log.WithError(err).Warn("write metrics failed")
	}
}
