package engine

import (
	"context"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"dbkp/internal/adapter"
	"dbkp/internal/catalog"
	"dbkp/internal/fault"
	"dbkp/internal/pipeline"
	"dbkp/internal/s3"
)

type BackupResult struct {
	JobID    string
	Record   catalog.Record
	Server   adapter.ServerInfo
	Duration time.Duration
	// Prune is the retention sweep that followed the backup. PruneErr is
	// set when the sweep failed; the backup itself still succeeded.
	Prune    *PruneResult
	PruneErr error
}

// Backup dumps target, streams it through the pipeline into storage,
// verifies and catalogs the artifact and then applies retention.
func (o *Orchestrator) Backup(ctx context.Context, targetName string) (res *BackupResult, err error) {
	t, err := o.target(targetName)
	if err != nil {
		return nil, err
	}
	j := o.newJob("backup", t.Name)
	start := time.Now()
	done := o.log.LogOperationStart("backup", map[string]interface{}{"job_id": j.id, "target": t.Name})
	defer func() {
		if err != nil {
			err = j.fail(err)
			o.deps.Metrics.JobFinished(t.Name, "backup", time.Since(start), err, string(fault.KindOf(err)), fault.AttemptsOf(err))
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

	if nErr := o.deps.Notifier.NotifyStart(ctx, t.Name, j.id); nErr != nil {
		j.log.WithError(nErr).Warn("notify start failed")
	}
	o.cleanupSessions(ctx, j)

	j.enter(StateConnecting)
	a, err := o.deps.Adapter(t)
	if err != nil {
		return nil, err
	}
	server, err := a.Probe(ctx)
	if err != nil {
		return nil, err
	}
	j.log.WithField("server_version", server.Version).Info("connected")

	settings := o.cfg.PipelineFor(t)
	pcfg := pipeline.FromSettings(settings)
	key, err := pipeline.LoadKey(settings.Encryption)
	if err != nil {
		return nil, err
	}
	pl, err := pipeline.Build(pcfg, key)
	if err != nil {
		return nil, err
	}

	id := j.id
	createdAt := o.deps.Now().UTC()
	objectKey := o.deps.Storage.Key(s3.BackupObjectKey(t.Name, createdAt, id, pcfg.Extension()))

	up, err := o.transfer(ctx, j, a, pl, objectKey, createdAt)
	if err != nil {
		return nil, err
	}

	j.enter(StateVerifying)
	if err := o.verifyUpload(ctx, pl, up); err != nil {
		o.discardObject(ctx, j, objectKey, up.UploadID)
		return nil, err
	}

	rec := catalog.Record{
		ID:                id,
		Target:            t.Name,
		Engine:            t.Engine,
		Database:          t.Database,
		ServerVersion:     server.Version,
		CreatedAt:         createdAt,
		StorageKey:        objectKey,
		Size:              up.Size,
		RawSize:           pl.RawBytes(),
		Parts:             up.Parts,
		Checksum:          up.Checksum,
		ChecksumAlgorithm: pl.ChecksumAlgorithm(),
		Pipeline:          pcfg,
		Status:            catalog.StatusCompleted,
		SchemaVersion:     catalog.SchemaVersion,
	}
	if err := o.deps.Catalog.Record(ctx, rec, up.UploadID); err != nil {
		o.discardObject(ctx, j, objectKey, up.UploadID)
		return nil, err
	}
	j.enter(StateCataloged)
	j.log.WithField("backup_id", id).WithField("size", rec.Size).WithField("parts", rec.Parts).Info("backup cataloged")

	res = &BackupResult{JobID: j.id, Record: rec, Server: server}

	j.enter(StateRetentionSweep)
	res.Prune, res.PruneErr = o.sweep(ctx, j, t, false)
	if res.PruneErr != nil {
		j.log.WithError(res.PruneErr).Warn("retention sweep failed")
		if nErr := o.deps.Notifier.NotifyWarning(ctx, t.Name, j.id, "retention sweep failed: "+res.PruneErr.Error()); nErr != nil {
			j.log.WithError(nErr).Warn("notify warning failed")
		}
	}

	j.enter(StateDone)
	res.Duration = time.Since(start)
	o.deps.Metrics.BackupStored(t.Name, rec.Size, rec.RawSize, rec.Parts)
	o.deps.Metrics.JobFinished(t.Name, "backup", res.Duration, nil, "", 0)
	if nErr := o.deps.Notifier.NotifySuccess(ctx, t.Name, id, res.Duration, rec.Size); nErr != nil {
		j.log.WithError(nErr).Warn("notify success failed")
	}
	return res, nil
}

// transfer runs the dump, the pipeline and the multipart upload as
// concurrent stages joined by bounded channels. Any failure cancels the
// others and leaves no upload behind.
func (o *Orchestrator) transfer(ctx context.Context, j *job, a adapter.Adapter, pl *pipeline.Pipeline, key string, startedAt time.Time) (s3.UploadResult, error) {
	j.enter(StateDumping)
	g, gctx := errgroup.WithContext(ctx)
	depth := o.channelDepth()

	dump := adapter.DumpStream(gctx, a, depth)
	defer dump.Close()
	encoded := pipeline.NewChannel(gctx, depth)

	g.Go(func() error {
		enc, err := pl.Encode(encoded)
		if err != nil {
			_ = encoded.CloseWithError(err)
			return err
		}
		if _, err := io.Copy(enc, dump); err != nil {
			_ = encoded.CloseWithError(err)
			return err
		}
		if err := enc.Close(); err != nil {
			err = fault.New(fault.KindInternal, "finish pipeline", err)
			_ = encoded.CloseWithError(err)
			return err
		}
		return encoded.Close()
	})

	var uploadID string
	uploader := s3.NewUploader(o.deps.Storage, s3.UploaderOptions{
		PartSize:          o.cfg.Transfer.PartSize(),
		Concurrency:       o.cfg.Transfer.Concurrency,
		ChecksumAlgorithm: pl.ChecksumAlgorithm(),
		Logger:            o.log,
		OnBegin: func(ctx context.Context, s *s3.UploadSession) error {
			uploadID = s.UploadID
			j.enter(StateTransferring)
			return o.deps.Catalog.BeginSession(ctx, catalog.Session{
				UploadID:   s.UploadID,
				StorageKey: s.Key,
				Target:     j.target,
				JobID:      j.id,
				StartedAt:  startedAt,
			})
		},
		OnPart: func(p s3.Part) {
			j.log.WithField("part", p.Number).WithField("size", p.Size).Debug("part uploaded")
		},
	})

	var up s3.UploadResult
	g.Go(func() error {
		var err error
		up, err = uploader.Upload(gctx, key, encoded)
		if err != nil {
			_ = encoded.CloseWithError(err)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		err = canceled(ctx, "backup", err)
		if uploadID != "" {
			o.endSession(ctx, j, key, uploadID)
		}
		return s3.UploadResult{}, err
	}
	return up, nil
}

// verifyUpload checks that what the pipeline produced is exactly what
// storage acknowledged and now holds.
func (o *Orchestrator) verifyUpload(ctx context.Context, pl *pipeline.Pipeline, up s3.UploadResult) error {
	if pl.Bytes() != up.Size {
		return fault.Newf(fault.KindChecksumMismatch, "verify upload", "pipeline produced %d bytes, uploader sent %d", pl.Bytes(), up.Size)
	}
	if pl.Sum() != up.Checksum {
		return fault.Newf(fault.KindChecksumMismatch, "verify upload", "pipeline checksum %s, uploader checksum %s", pl.Sum(), up.Checksum)
	}
	info, err := o.deps.Storage.Head(ctx, up.Key)
	if err != nil {
		return err
	}
	if info.Size != up.Size {
		return fault.Newf(fault.KindChecksumMismatch, "verify upload", "stored object is %d bytes, expected %d", info.Size, up.Size)
	}
	return nil
}

// discardObject deletes a committed object that will not be cataloged and
// then drops its session marker. If the delete fails the marker stays, so
// repair can still find the object.
func (o *Orchestrator) discardObject(ctx context.Context, j *job, key, uploadID string) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	if err := o.deps.Storage.Delete(cctx, key); err != nil {
		j.log.WithError(err).WithField("key", key).Error("delete uncataloged object failed")
		return
	}
	if err := o.deps.Catalog.EndSession(cctx, uploadID); err != nil {
		j.log.WithError(err).Warn("clear upload session failed")
	}
}

// endSession makes sure a failed upload is aborted remotely before its
// marker is dropped. A marker whose abort failed is left for the next run.
func (o *Orchestrator) endSession(ctx context.Context, j *job, key, uploadID string) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	if err := o.deps.Storage.AbortUploadID(cctx, key, uploadID); err != nil {
		j.log.WithError(err).WithField("upload_id", uploadID).Error("abort upload failed; marker kept")
		return
	}
	if err := o.deps.Catalog.EndSession(cctx, uploadID); err != nil {
		j.log.WithError(err).Warn("clear upload session failed")
	}
}

// cleanupSessions aborts uploads that earlier runs for this target left
// open. It runs under the target lock, so every marker found is stale.
func (o *Orchestrator) cleanupSessions(ctx context.Context, j *job) int {
	sessions, err := o.deps.Catalog.StaleSessions(ctx, j.target, o.deps.Now())
	if err != nil {
		j.log.WithError(err).Warn("list stale upload sessions failed")
		return 0
	}
	cleared := 0
	for _, s := range sessions {
		if err := o.deps.Storage.AbortUploadID(ctx, s.StorageKey, s.UploadID); err != nil {
			j.log.WithError(err).WithField("upload_id", s.UploadID).Warn("abort stale upload failed")
			continue
		}
		if err := o.deps.Catalog.EndSession(ctx, s.UploadID); err != nil {
			j.log.WithError(err).Warn("clear stale upload session failed")
			continue
		}
		j.log.WithField("upload_id", s.UploadID).WithField("stale_job", s.JobID).Info("aborted stale upload")
		cleared++
	}
	return cleared
}
