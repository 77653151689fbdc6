package s3

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbkp/internal/fault"
	"dbkp/internal/s3/s3test"
)

const testPartSize = 4 << 10

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newTestUploader(c *Client, concurrency int) *Uploader {
	return NewUploader(c, UploaderOptions{
		PartSize:          testPartSize,
		Concurrency:       concurrency,
		ChecksumAlgorithm: "sha256",
	})
}

func TestUploadExactPartCount(t *testing.T) {
	fake := s3test.New()
	c := newTestClient(fake)
	data := randomBytes(t, 50*testPartSize)

	res, err := newTestUploader(c, 4).Upload(context.Background(), c.Key("obj"), bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 50, res.Parts)
	assert.EqualValues(t, len(data), res.Size)
	assert.Equal(t, sha256Hex(data), res.Checksum)

	stored, ok := fake.Object("db/obj")
	require.True(t, ok)
	assert.Equal(t, data, stored)
	assert.Len(t, fake.Completed(), 1)
	assert.Empty(t, fake.OpenUploads())
}

func TestUploadShortLastPart(t *testing.T) {
	fake := s3test.New()
	c := newTestClient(fake)
	data := randomBytes(t, 3*testPartSize+17)

	res, err := newTestUploader(c, 2).Upload(context.Background(), c.Key("obj"), bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Parts)
	stored, _ := fake.Object("db/obj")
	assert.Equal(t, data, stored)
}

func TestUploadEmptyStream(t *testing.T) {
	fake := s3test.New()
	c := newTestClient(fake)

	res, err := newTestUploader(c, 2).Upload(context.Background(), c.Key("empty"), bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Parts)
	assert.Zero(t, res.Size)
	stored, ok := fake.Object("db/empty")
	require.True(t, ok)
	assert.Empty(t, stored)
}

func TestUploadRetriesOnlyTheFailedPart(t *testing.T) {
	fake := s3test.New()
	fake.Fail = func(call s3test.Call) error {
		if call.Op == s3test.OpPart && call.Part == 27 && call.Attempt == 1 {
			return s3test.Transient("connection reset")
		}
		return nil
	}
	c := newTestClient(fake)
	data := randomBytes(t, 30*testPartSize)

	var mu sync.Mutex
	acked := map[int32]int{}
	u := NewUploader(c, UploaderOptions{
		PartSize:    testPartSize,
		Concurrency: 3,
		OnPart: func(p Part) {
			mu.Lock()
			acked[p.Number]++
			mu.Unlock()
		},
	})
	res, err := u.Upload(context.Background(), c.Key("obj"), bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 30, res.Parts)

	for n := int32(1); n <= 30; n++ {
		want := 1
		if n == 27 {
			want = 2
		}
		assert.Equal(t, want, fake.PartCalls(n), "part %d", n)
		assert.Equal(t, 1, acked[n], "part %d", n)
	}
	stored, _ := fake.Object("db/obj")
	assert.Equal(t, data, stored)
}

func TestUploadPermanentPartFailureAborts(t *testing.T) {
	fake := s3test.New()
	fake.Fail = func(call s3test.Call) error {
		if call.Op == s3test.OpPart && call.Part == 5 {
			return s3test.Permanent("denied")
		}
		return nil
	}
	c := newTestClient(fake)

	_, err := newTestUploader(c, 2).Upload(context.Background(), c.Key("obj"), bytes.NewReader(randomBytes(t, 10*testPartSize)))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindTransferPermanent))
	assert.Equal(t, 1, fake.PartCalls(5))
	assert.Len(t, fake.Aborted(), 1)
	assert.Empty(t, fake.OpenUploads())
	_, ok := fake.Object("db/obj")
	assert.False(t, ok)
}

func TestUploadExhaustedRetriesAborts(t *testing.T) {
	fake := s3test.New()
	fake.Fail = func(call s3test.Call) error {
		if call.Op == s3test.OpPart && call.Part == 2 {
			return s3test.Transient("slow")
		}
		return nil
	}
	c := newTestClient(fake)

	_, err := newTestUploader(c, 1).Upload(context.Background(), c.Key("obj"), bytes.NewReader(randomBytes(t, 4*testPartSize)))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindTransferTransient))
	assert.Equal(t, 3, fault.AttemptsOf(err))
	assert.Equal(t, 3, fake.PartCalls(2))
	assert.Len(t, fake.Aborted(), 1)
	assert.Empty(t, fake.Keys())
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestUploadSourceErrorAborts(t *testing.T) {
	fake := s3test.New()
	c := newTestClient(fake)
	dumpErr := fault.Dump("dump", errors.New("pg_dump exited 1"))

	_, err := newTestUploader(c, 2).Upload(context.Background(), c.Key("obj"),
		&failingReader{data: randomBytes(t, 2*testPartSize+5), err: dumpErr})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindDump))
	assert.Len(t, fake.Aborted(), 1)
	assert.Empty(t, fake.Keys())
}

type cancelingReader struct {
	r      io.Reader
	after  int
	read   int
	cancel context.CancelFunc
}

func (r *cancelingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.read += n
	if r.read >= r.after {
		r.cancel()
	}
	return n, err
}

func TestUploadCancelAborts(t *testing.T) {
	fake := s3test.New()
	fake.PartDelay = 10 * time.Millisecond
	c := newTestClient(fake)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &cancelingReader{r: bytes.NewReader(randomBytes(t, 20*testPartSize)), after: 3 * testPartSize, cancel: cancel}
	_, err := newTestUploader(c, 2).Upload(ctx, c.Key("obj"), src)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindCanceled))
	assert.Len(t, fake.Aborted(), 1, "abort runs even though the job context is gone")
	assert.Empty(t, fake.Keys())
}

func TestUploadBoundedConcurrency(t *testing.T) {
	fake := s3test.New()
	fake.PartDelay = 5 * time.Millisecond
	c := newTestClient(fake)

	_, err := newTestUploader(c, 3).Upload(context.Background(), c.Key("obj"), bytes.NewReader(randomBytes(t, 12*testPartSize)))
	require.NoError(t, err)
	assert.LessOrEqual(t, fake.MaxInflight(), 3)
	assert.GreaterOrEqual(t, fake.MaxInflight(), 2)
}

func TestUploadOnBeginFailureAborts(t *testing.T) {
	fake := s3test.New()
	c := newTestClient(fake)
	u := NewUploader(c, UploaderOptions{
		PartSize: testPartSize,
		OnBegin: func(ctx context.Context, s *UploadSession) error {
			assert.NotEmpty(t, s.UploadID)
			return errors.New("catalog unavailable")
		},
	})
	_, err := u.Upload(context.Background(), c.Key("obj"), bytes.NewReader([]byte("x")))
	require.Error(t, err)
	assert.Len(t, fake.Aborted(), 1)
	assert.Zero(t, fake.PartCalls(1))
}

func TestCompleteTimeoutResolvedByHead(t *testing.T) {
	fake := s3test.New()
	fake.CommitThenFail = s3test.Transient("request timeout")
	c := newTestClient(fake)
	data := randomBytes(t, 2*testPartSize)

	res, err := newTestUploader(c, 2).Upload(context.Background(), c.Key("obj"), bytes.NewReader(data))
	require.NoError(t, err)
	assert.EqualValues(t, len(data), res.Size)
	assert.Empty(t, fake.Aborted())
	stored, _ := fake.Object("db/obj")
	assert.Equal(t, data, stored)
}

func TestCompleteFailureWithoutCommitAborts(t *testing.T) {
	fake := s3test.New()
	completes := 0
	fake.Fail = func(call s3test.Call) error {
		if call.Op == s3test.OpComplete {
			completes++
			return s3test.Transient("gateway timeout")
		}
		return nil
	}
	c := newTestClient(fake)

	_, err := newTestUploader(c, 2).Upload(context.Background(), c.Key("obj"), bytes.NewReader(randomBytes(t, 2*testPartSize)))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindTransferPermanent))
	assert.Equal(t, 1, completes, "finalize is never retried")
	assert.Len(t, fake.Aborted(), 1)
	assert.Empty(t, fake.Keys())
}

func TestCompleteRefusesMissingParts(t *testing.T) {
	c := newTestClient(s3test.New())
	ctx := context.Background()
	s, err := c.BeginUpload(ctx, c.Key("obj"))
	require.NoError(t, err)

	_, err = c.CompleteUpload(ctx, s)
	assert.True(t, fault.Is(err, fault.KindTransferPermanent))

	_, err = c.UploadPart(ctx, s, 1, []byte("a"))
	require.NoError(t, err)
	s.expect(2)
	_, err = c.CompleteUpload(ctx, s)
	assert.True(t, fault.Is(err, fault.KindTransferPermanent))
	assert.Len(t, s.Parts(), 1)
}

func TestAbortUploadIDIsIdempotent(t *testing.T) {
	fake := s3test.New()
	c := newTestClient(fake)
	id := fake.StartUpload("db/stale")

	require.NoError(t, c.AbortUploadID(context.Background(), "db/stale", id))
	require.NoError(t, c.AbortUploadID(context.Background(), "db/stale", id))
	assert.Empty(t, fake.OpenUploads())
}

func TestPartTimeoutIsRetriedAsTransient(t *testing.T) {
	fake := s3test.New()
	fake.PartDelay = 200 * time.Millisecond
	c := newShortTimeoutClient(fake, 50*time.Millisecond)

	_, err := newTestUploader(c, 1).Upload(context.Background(), c.Key("obj"), bytes.NewReader(randomBytes(t, 2*testPartSize)))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindTransferTransient))
	assert.Equal(t, 3, fault.AttemptsOf(err))
	assert.Equal(t, 3, fake.PartCalls(1))
	assert.Len(t, fake.Aborted(), 1)
	assert.Empty(t, fake.Keys())
}

// hangingComplete blocks CompleteMultipartUpload until its context ends,
// optionally committing the object first.
type hangingComplete struct {
	*s3test.Fake
	commit bool
	calls  atomic.Int32
}

func (h *hangingComplete) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	h.calls.Add(1)
	if h.commit {
		if _, err := h.Fake.CompleteMultipartUpload(ctx, in, optFns...); err != nil {
			return nil, err
		}
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCompleteTimeoutIsNotRetried(t *testing.T) {
	store := &hangingComplete{Fake: s3test.New()}
	c := newShortTimeoutClient(store, 50*time.Millisecond)

	_, err := newTestUploader(c, 2).Upload(context.Background(), c.Key("obj"), bytes.NewReader(randomBytes(t, 2*testPartSize)))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindTransferPermanent))
	assert.EqualValues(t, 1, store.calls.Load())
	assert.Len(t, store.Aborted(), 1)
	assert.Empty(t, store.Keys())
}

func TestCompleteTimeoutAfterCommitSucceeds(t *testing.T) {
	store := &hangingComplete{Fake: s3test.New(), commit: true}
	c := newShortTimeoutClient(store, 50*time.Millisecond)
	data := randomBytes(t, 2*testPartSize)

	res, err := newTestUploader(c, 2).Upload(context.Background(), c.Key("obj"), bytes.NewReader(data))
	require.NoError(t, err)
	assert.EqualValues(t, len(data), res.Size)
	assert.EqualValues(t, 1, store.calls.Load())
	assert.Empty(t, store.Aborted())
	stored, _ := store.Object("db/obj")
	assert.Equal(t, data, stored)
}
