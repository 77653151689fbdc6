package s3

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"

	"dbkp/internal/fault"
)

// Download returns a reader over key that survives transient failures: when
// the body breaks it reopens a ranged GET at the current offset, pinned to
// the original ETag, instead of starting over. A GET or body read that makes
// no progress within the operation timeout counts as such a failure. The
// reader reports an error once MaxAttempts consecutive attempts fail without
// progress.
func (c *Client) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	return c.DownloadFrom(ctx, key, 0)
}

// DownloadFrom is Download starting at offset.
func (c *Client) DownloadFrom(ctx context.Context, key string, offset int64) (io.ReadCloser, error) {
	info, err := c.Head(ctx, key)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset > info.Size {
		return nil, fault.Newf(fault.KindInternal, "download "+key, "offset %d outside object of %d bytes", offset, info.Size)
	}
	return &rangeReader{
		ctx:    ctx,
		c:      c,
		key:    key,
		etag:   info.ETag,
		size:   info.Size,
		offset: offset,
		bo:     c.retry.backOff(),
	}, nil
}

type rangeReader struct {
	ctx    context.Context
	c      *Client
	key    string
	etag   string
	size   int64
	offset int64

	body     io.ReadCloser
	cancel   context.CancelFunc
	idle     *time.Timer
	stalled  *atomic.Bool
	failures int
	resumes  int
	bo       *backoff.ExponentialBackOff
	closed   bool
}

// Resumes reports how many times the reader reopened the object.
func (r *rangeReader) Resumes() int { return r.resumes }

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, fmt.Errorf("read on closed download")
	}
	for {
		if r.offset >= r.size {
			return 0, io.EOF
		}
		if err := r.ctx.Err(); err != nil {
			r.drop()
			return 0, classify(r.ctx, "download "+r.key, err)
		}
		if r.body == nil {
			if err := r.open(); err != nil {
				if retryErr := r.fail(err); retryErr != nil {
					return 0, retryErr
				}
				continue
			}
		}
		if len(p) > limiterBurst {
			p = p[:limiterBurst]
		}
		r.idle.Reset(r.c.opTimeout)
		n, err := r.body.Read(p)
		r.idle.Stop()
		if n > 0 {
			r.offset += int64(n)
			r.failures = 0
			r.bo.Reset()
			if werr := r.c.waitBandwidth(r.ctx, n); werr != nil {
				return n, classify(r.ctx, "download "+r.key, werr)
			}
		}
		if err == nil {
			return n, nil
		}
		err = r.stallErr(r.stalled, err)
		r.drop()
		if err == io.EOF {
			if r.offset >= r.size {
				return n, nil
			}
			err = io.ErrUnexpectedEOF
		}
		if n > 0 {
			// Hand over what we have; the failure is retried on the next call.
			return n, nil
		}
		if retryErr := r.fail(err); retryErr != nil {
			return 0, retryErr
		}
	}
}

// open issues the GET. The request and every later body read run under an
// idle timer that cancels the attempt when it stalls for opTimeout.
func (r *rangeReader) open() error {
	ctx, cancel := context.WithCancel(r.ctx)
	stalled := new(atomic.Bool)
	idle := time.AfterFunc(r.c.opTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	in := &s3.GetObjectInput{
		Bucket: aws.String(r.c.bucket),
		Key:    aws.String(r.key),
	}
	if r.offset > 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", r.offset))
	}
	if r.etag != "" {
		in.IfMatch = aws.String(r.etag)
	}
	out, err := r.c.api.GetObject(ctx, in)
	idle.Stop()
	if err != nil {
		cancel()
		return r.stallErr(stalled, err)
	}
	if r.offset > 0 || r.resumes > 0 || r.failures > 0 {
		r.resumes++
	}
	r.body = out.Body
	r.cancel = cancel
	r.idle = idle
	r.stalled = stalled
	return nil
}

// stallErr replaces the cancellation caused by the idle timer with a timeout,
// which classify treats as transient. A canceled caller context wins.
func (r *rangeReader) stallErr(stalled *atomic.Bool, err error) error {
	if stalled == nil || !stalled.Load() || r.ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("no data from storage within %s: %w", r.c.opTimeout, context.DeadlineExceeded)
}

// fail records a failed attempt and sleeps before the next one. It returns a
// non-nil error when the failure is permanent or attempts are exhausted.
func (r *rangeReader) fail(err error) error {
	op := fmt.Sprintf("download %s at offset %d", r.key, r.offset)
	classified := classify(r.ctx, op, err)
	r.failures++
	if !fault.IsTransient(classified) || r.failures >= r.c.retry.MaxAttempts {
		return withAttempts(classified, r.failures)
	}
	wait := r.bo.NextBackOff()
	if wait == backoff.Stop {
		return withAttempts(classified, r.failures)
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-r.ctx.Done():
		return classify(r.ctx, op, r.ctx.Err())
	case <-t.C:
		return nil
	}
}

func (r *rangeReader) drop() {
	if r.idle != nil {
		r.idle.Stop()
		r.idle = nil
		r.stalled = nil
	}
	if r.body != nil {
		_ = r.body.Close()
		r.body = nil
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *rangeReader) Close() error {
	r.closed = true
	r.drop()
	return nil
}

func withAttempts(err error, attempts int) error {
	fe, ok := err.(*fault.Error)
	if !ok {
		return &fault.Error{Kind: fault.KindOf(err), Attempts: attempts, Cause: err}
	}
	cp := *fe
	cp.Attempts = attempts
	return &cp
}
