package s3

import (
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"dbkp/internal/logging"
	"dbkp/internal/pipeline"
)

const abortTimeout = 30 * time.Second

type UploaderOptions struct {
	PartSize    int64
	Concurrency int
	// ChecksumAlgorithm hashes the bytes actually sent, independently of the
	// pipeline's own checksum.
	ChecksumAlgorithm string
	Logger            *logging.Logger
	// OnBegin runs once the upload id exists and before any part is sent.
	// An error aborts the upload.
	OnBegin func(ctx context.Context, s *UploadSession) error
	// OnPart runs after each acknowledged part.
	OnPart func(p Part)
}

type UploadResult struct {
	Key      string
	UploadID string
	Size     int64
	Parts    int
	Checksum string
}

// Uploader streams a reader of unknown length into a multipart upload.
type Uploader struct {
	client *Client
	opts   UploaderOptions
}

func NewUploader(client *Client, opts UploaderOptions) *Uploader {
	if opts.PartSize <= 0 {
		opts.PartSize = MinPartSizeBytes
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Uploader{client: client, opts: opts}
}

// Upload splits r into parts of PartSize and sends up to Concurrency of them
// at once; each part retries on its own. The upload is completed only when
// every part has an ETag and is aborted on any failure or cancellation, so a
// failed call never leaves a committed object behind.
func (u *Uploader) Upload(ctx context.Context, key string, r io.Reader) (result UploadResult, err error) {
	sum, err := pipeline.NewChecksum(u.opts.ChecksumAlgorithm)
	if err != nil {
		return UploadResult{}, err
	}

	session, err := u.client.BeginUpload(ctx, key)
	if err != nil {
		return UploadResult{}, err
	}
	log := u.opts.Logger.WithField("key", key).WithField("upload_id", session.UploadID)
	log.Debug("multipart upload started")

	committed := false
	defer func() {
		if committed {
			return
		}
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
		defer cancel()
		if abortErr := u.client.AbortUpload(actx, session); abortErr != nil {
			log.WithError(abortErr).Error("abort multipart upload failed")
			err = errors.Join(err, abortErr)
			return
		}
		log.Info("multipart upload aborted")
	}()

	if u.opts.OnBegin != nil {
		if err := u.opts.OnBegin(ctx, session); err != nil {
			return UploadResult{}, err
		}
	}

	parts, size, err := u.sendParts(ctx, session, r, sum)
	if err != nil {
		return UploadResult{}, err
	}

	stored, err := u.client.CompleteUpload(ctx, session)
	if err != nil {
		return UploadResult{}, err
	}
	committed = true
	log.WithField("parts", parts).WithField("size", stored).Debug("multipart upload completed")

	return UploadResult{
		Key:      key,
		UploadID: session.UploadID,
		Size:     size,
		Parts:    parts,
		Checksum: sum.Sum(),
	}, nil
}

func (u *Uploader) sendParts(ctx context.Context, session *UploadSession, r io.Reader, sum *pipeline.Checksum) (int, int64, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.opts.Concurrency)

	// One buffer per in-flight part plus the one being filled.
	free := make(chan []byte, u.opts.Concurrency+1)
	for i := 0; i < cap(free); i++ {
		free <- make([]byte, u.opts.PartSize)
	}

	var (
		number  int32
		size    int64
		readErr error
	)
	for {
		var buf []byte
		select {
		case buf = <-free:
		case <-gctx.Done():
		}
		if buf == nil {
			break
		}
		n, err := io.ReadFull(r, buf)
		if n == 0 && err == io.EOF && number > 0 {
			break
		}
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			readErr = err
			break
		}
		if gctx.Err() != nil {
			break
		}
		number++
		size += int64(n)
		_, _ = sum.Write(buf[:n])

		partNumber, data := number, buf[:n]
		g.Go(func() error {
			defer func() { free <- data[:cap(data)] }()
			etag, err := u.client.UploadPart(gctx, session, partNumber, data)
			if err != nil {
				return err
			}
			if u.opts.OnPart != nil {
				u.opts.OnPart(Part{Number: partNumber, ETag: etag, Size: int64(len(data))})
			}
			return nil
		})
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
	}

	waitErr := g.Wait()
	switch {
	case readErr != nil:
		// The source failed; its error explains the job failure better than
		// the cancellations it caused.
		return 0, 0, readErr
	case waitErr != nil:
		return 0, 0, waitErr
	case ctx.Err() != nil:
		return 0, 0, classify(ctx, "upload "+session.Key, ctx.Err())
	}
	return int(number), size, nil
}
