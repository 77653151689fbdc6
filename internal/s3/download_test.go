package s3

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbkp/internal/fault"
	"dbkp/internal/s3/s3test"
)

func TestDownloadWhole(t *testing.T) {
	fake := s3test.New()
	c := newTestClient(fake)
	data := randomBytes(t, 100_000)
	fake.PutRaw("db/obj", data)

	r, err := c.Download(context.Background(), "db/obj")
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 1, fake.Gets())
}

func TestDownloadResumesAtOffset(t *testing.T) {
	fake := s3test.New()
	fake.BreakBody = map[int]int64{1: 40_000, 2: 25_000}
	c := newTestClient(fake)
	data := randomBytes(t, 100_000)
	fake.PutRaw("db/obj", data)

	r, err := c.Download(context.Background(), "db/obj")
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 3, fake.Gets())
	assert.Equal(t, 2, r.(*rangeReader).Resumes())
	require.NoError(t, r.Close())
}

func TestDownloadFailsWithoutProgress(t *testing.T) {
	fake := s3test.New()
	fake.BreakBody = map[int]int64{1: 0, 2: 0, 3: 0}
	c := newTestClient(fake)
	fake.PutRaw("db/obj", randomBytes(t, 1000))

	r, err := c.Download(context.Background(), "db/obj")
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindTransferTransient))
	assert.Equal(t, 3, fault.AttemptsOf(err))
}

func TestDownloadObjectReplacedMidway(t *testing.T) {
	fake := s3test.New()
	fake.BreakBody = map[int]int64{1: 500}
	c := newTestClient(fake)
	fake.PutRaw("db/obj", randomBytes(t, 1000))
	fake.Fail = func(call s3test.Call) error {
		if call.Op == s3test.OpGet && call.Attempt == 2 {
			fake.PutRaw("db/obj", []byte("different"))
		}
		return nil
	}

	r, err := c.Download(context.Background(), "db/obj")
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindTransferPermanent))
}

func TestDownloadFrom(t *testing.T) {
	fake := s3test.New()
	c := newTestClient(fake)
	data := randomBytes(t, 5000)
	fake.PutRaw("db/obj", data)

	r, err := c.DownloadFrom(context.Background(), "db/obj", 1234)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data[1234:], got)

	_, err = c.DownloadFrom(context.Background(), "db/obj", 5001)
	assert.Error(t, err)
}

func TestDownloadMissing(t *testing.T) {
	c := newTestClient(s3test.New())
	_, err := c.Download(context.Background(), "db/none")
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

// stallingStore serves the first stalls GETs with a body that hangs after
// serveBytes bytes until the request context ends.
type stallingStore struct {
	*s3test.Fake
	stalls     int32
	serveBytes int
	calls      atomic.Int32
}

func (s *stallingStore) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	out, err := s.Fake.GetObject(ctx, in, optFns...)
	if err != nil {
		return nil, err
	}
	if s.calls.Add(1) <= s.stalls {
		out.Body = &hangingBody{ctx: ctx, body: out.Body, left: s.serveBytes}
	}
	return out, nil
}

type hangingBody struct {
	ctx  context.Context
	body io.ReadCloser
	left int
}

func (b *hangingBody) Read(p []byte) (int, error) {
	if b.left == 0 {
		<-b.ctx.Done()
		return 0, b.ctx.Err()
	}
	if len(p) > b.left {
		p = p[:b.left]
	}
	n, err := b.body.Read(p)
	b.left -= n
	return n, err
}

func (b *hangingBody) Close() error { return b.body.Close() }

func newShortTimeoutClient(api API, opTimeout time.Duration) *Client {
	return NewWithAPI(api, Options{
		Bucket: "backups",
		Prefix: "db",
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
		OpTimeout:       opTimeout,
		CompleteTimeout: opTimeout,
	})
}

func readAllWithin(t *testing.T, r io.Reader, limit time.Duration) ([]byte, error) {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(r)
		done <- result{data, err}
	}()
	select {
	case res := <-done:
		return res.data, res.err
	case <-time.After(limit):
		t.Fatalf("download still blocked after %s", limit)
		return nil, nil
	}
}

func TestDownloadResumesAfterStalledBody(t *testing.T) {
	store := &stallingStore{Fake: s3test.New(), stalls: 1, serveBytes: 30_000}
	c := newShortTimeoutClient(store, 100*time.Millisecond)
	data := randomBytes(t, 100_000)
	store.PutRaw("db/obj", data)

	r, err := c.Download(context.Background(), "db/obj")
	require.NoError(t, err)
	defer r.Close()
	got, err := readAllWithin(t, r, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 2, store.Gets())
	assert.Equal(t, 1, r.(*rangeReader).Resumes())
}

func TestDownloadStalledEveryAttemptIsTransient(t *testing.T) {
	store := &stallingStore{Fake: s3test.New(), stalls: 100}
	c := newShortTimeoutClient(store, 50*time.Millisecond)
	store.PutRaw("db/obj", randomBytes(t, 1000))

	r, err := c.Download(context.Background(), "db/obj")
	require.NoError(t, err)
	defer r.Close()
	_, err = readAllWithin(t, r, 3*time.Second)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindTransferTransient))
	assert.Equal(t, 3, fault.AttemptsOf(err))
	assert.Equal(t, 3, store.Gets())
}

func TestDownloadSlowConsumerDoesNotStall(t *testing.T) {
	store := &stallingStore{Fake: s3test.New()}
	c := newShortTimeoutClient(store, 50*time.Millisecond)
	data := randomBytes(t, 3000)
	store.PutRaw("db/obj", data)

	r, err := c.Download(context.Background(), "db/obj")
	require.NoError(t, err)
	defer r.Close()
	buf := make([]byte, 1000)
	var got []byte
	for {
		n, err := r.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		time.Sleep(80 * time.Millisecond)
	}
	assert.Equal(t, data, got)
	assert.Equal(t, 1, store.Gets(), "time spent outside Read does not count against the stream")
}
